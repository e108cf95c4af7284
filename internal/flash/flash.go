package flash

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"pusdledger/internal/engine"
	"pusdledger/internal/event"
	"pusdledger/internal/fixedpoint"
	"pusdledger/internal/observability"
	"pusdledger/internal/token"
	"pusdledger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind selects the flash operation path.
type Kind int

const (
	// KindMint flashes freshly minted synthetic tokens; the operation
	// burns exactly the amount it minted, so supply is conserved.
	KindMint Kind = iota

	// KindLoan flashes pooled collateral out of custody; the principal
	// is back in custody before the operation completes.
	KindLoan
)

func (k Kind) String() string {
	if k == KindMint {
		return "mint"
	}
	return "loan"
}

// MaxFeeRate is the protocol ceiling on the flash fee: 1% in parts per 1e18.
var MaxFeeRate = big.NewInt(1e16)

var (
	ErrFlashOpsPaused      = errors.New("flash: operations paused")
	ErrInvalidFlashOp      = errors.New("flash: invalid operation")
	ErrFlashOpsFailed      = errors.New("flash: receiver rejected operation")
	ErrNotAuthorized       = errors.New("flash: caller not authorized")
	ErrInvalidFeeRecipient = errors.New("flash: invalid fee recipient")
	ErrInvalidFeeBPS       = errors.New("flash: fee rate above maximum")

	// ErrTotalSupplyChanged: a failed flash mint could not burn its
	// principal back, so minted supply escaped the operation.
	ErrTotalSupplyChanged = errors.New("flash: total supply changed")

	// ErrTokenBalanceDecrease: a failed flash loan could not pull its
	// principal back into custody.
	ErrTokenBalanceDecrease = errors.New("flash: custody balance decreased")
)

// Capabilities is what the flash engine needs to know about the position
// engine: which assets are registered collateral.
type Capabilities interface {
	IsAllowedCollateral(asset common.Address) bool
}

// Config wires a flash Engine together.
type Config struct {
	// Admin is the privileged role allowed to mutate fee settings.
	Admin common.Address

	FeeRecipient common.Address

	// FeeRate in parts per 1e18, at most MaxFeeRate.
	FeeRate *big.Int

	// Synthetic is the PUSD ledger and SyntheticAddr its bank identity.
	Synthetic     *token.Ledger
	SyntheticAddr common.Address

	Bank *token.Bank

	// Self is the custody address shared with the position engine.
	Self common.Address

	Caps    Capabilities
	Emitter *engine.Emitter
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Engine executes flash mints and flash loans. Each step of an operation
// is an ordinary ledger call with a known inverse; a failed operation is
// unwound by applying the inverses in reverse order, so ledger activity
// the receiver performs during the callback stands or falls on its own.
// No engine lock is held while the callback runs.
type Engine struct {
	mu sync.Mutex

	admin        common.Address
	feeRecipient common.Address
	feeRate      *big.Int
	paused       bool

	pusd     *token.Ledger
	pusdAddr common.Address
	bank     *token.Bank
	xfer     *transfer.Helper
	self     common.Address
	caps     Capabilities

	emitter *engine.Emitter
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.FeeRecipient == (common.Address{}) {
		return nil, ErrInvalidFeeRecipient
	}
	rate := cfg.FeeRate
	if rate == nil {
		rate = new(big.Int)
	}
	if rate.Sign() < 0 || rate.Cmp(MaxFeeRate) > 0 {
		return nil, ErrInvalidFeeBPS
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		admin:        cfg.Admin,
		feeRecipient: cfg.FeeRecipient,
		feeRate:      new(big.Int).Set(rate),
		pusd:         cfg.Synthetic,
		pusdAddr:     cfg.SyntheticAddr,
		bank:         cfg.Bank,
		xfer:         transfer.NewHelper(cfg.Bank, cfg.Self),
		self:         cfg.Self,
		caps:         cfg.Caps,
		emitter:      cfg.Emitter,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		now:          now,
	}, nil
}

// Execute runs one flash operation end to end. The engine mutex guards
// only the fee configuration and is released before funding, so the
// receiver callback may re-enter Execute or the position engine.
func (e *Engine) Execute(initiator common.Address, receiver Receiver, asset common.Address, amount *big.Int, data []byte, kind Kind) error {
	start := time.Now()

	e.mu.Lock()
	paused := e.paused
	feeRate := new(big.Int).Set(e.feeRate)
	feeRecipient := e.feeRecipient
	e.mu.Unlock()

	var payload event.Event
	var err error
	switch {
	case paused:
		err = ErrFlashOpsPaused
	case receiver == nil || fixedpoint.IsZero(amount) || amount.Sign() < 0:
		err = ErrInvalidFlashOp
	case kind == KindMint:
		payload, err = e.flashMint(initiator, receiver, asset, amount, data, feeRate, feeRecipient)
	case kind == KindLoan:
		payload, err = e.flashLoan(initiator, receiver, asset, amount, data, feeRate, feeRecipient)
	default:
		err = ErrInvalidFlashOp
	}

	if err == nil && payload != nil {
		_, err = e.emitter.Emit(payload, e.now(), flashDigest(asset, receiver.Address(), amount))
	}

	if e.metrics != nil {
		e.metrics.FlashOpDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
		if err == nil {
			e.metrics.FlashOpsExecuted.WithLabelValues(kind.String()).Inc()
		} else {
			e.metrics.FlashOpsRolledBack.WithLabelValues(kind.String(), rollbackReason(err)).Inc()
		}
	}
	if err != nil {
		e.log.Debug().Err(err).Str("kind", kind.String()).Msg("flash operation rolled back")
	}
	return err
}

// flashMint mints the principal to the receiver, calls out, pulls
// amount+fee to the fee recipient, and burns the principal there. The op
// mints and burns the same amount, so supply is conserved by shape; an
// abort burns the principal straight off the receiver.
func (e *Engine) flashMint(initiator common.Address, receiver Receiver, asset common.Address, amount *big.Int, data []byte, feeRate *big.Int, feeRecipient common.Address) (event.Event, error) {
	if asset != e.pusdAddr {
		return nil, fmt.Errorf("%w: flash mint must target the synthetic token", ErrInvalidFlashOp)
	}

	recvAddr := receiver.Address()
	fee := fixedpoint.ApplyRate(amount, feeRate)

	if err := e.pusd.Mint(recvAddr, amount); err != nil {
		return nil, err
	}

	if !receiver.OnFlashOp(initiator, asset, amount, fee, data) {
		if err := e.pusd.Burn(recvAddr, amount); err != nil {
			return nil, fmt.Errorf("%w: principal not reclaimed: %v", ErrTotalSupplyChanged, err)
		}
		return nil, ErrFlashOpsFailed
	}

	// Settle: amount+fee from the receiver to the fee recipient in one
	// transfer, then burn the principal, leaving only the fee behind.
	repay := new(big.Int).Add(amount, fee)
	if err := e.pusd.TransferFrom(e.self, recvAddr, feeRecipient, repay); err != nil {
		if burnErr := e.pusd.Burn(recvAddr, amount); burnErr != nil {
			return nil, fmt.Errorf("%w: principal not reclaimed: %v", ErrTotalSupplyChanged, burnErr)
		}
		return nil, fmt.Errorf("flash mint settlement: %w", err)
	}
	// The repay landed at the fee recipient one call ago, so this burn
	// cannot run short.
	if err := e.pusd.Burn(feeRecipient, amount); err != nil {
		return nil, fmt.Errorf("%w: principal not retired: %v", ErrTotalSupplyChanged, err)
	}

	return &event.FlashMintExecuted{
		OpID:         uuid.New(),
		Initiator:    initiator,
		Receiver:     recvAddr,
		Amount:       new(big.Int).Set(amount),
		Fee:          fee,
		FeeRecipient: feeRecipient,
		TimestampUs:  event.PayloadTimestamp(e.now()),
	}, nil
}

// flashLoan lends pooled collateral, calls out, pulls amount+fee back
// into custody, and forwards the fee. An abort moves the principal back
// off the receiver directly.
func (e *Engine) flashLoan(initiator common.Address, receiver Receiver, asset common.Address, amount *big.Int, data []byte, feeRate *big.Int, feeRecipient common.Address) (event.Event, error) {
	if !e.caps.IsAllowedCollateral(asset) {
		return nil, fmt.Errorf("%w: asset is not registered collateral", ErrInvalidFlashOp)
	}
	if _, ok := e.bank.Ledger(asset); !ok {
		return nil, fmt.Errorf("%w: asset has no ledger", ErrInvalidFlashOp)
	}

	recvAddr := receiver.Address()
	fee := fixedpoint.ApplyRate(amount, feeRate)

	if err := e.xfer.Push(asset, recvAddr, amount); err != nil {
		return nil, fmt.Errorf("flash loan funding: %w", err)
	}

	if !receiver.OnFlashOp(initiator, asset, amount, fee, data) {
		if err := e.bank.Transfer(asset, recvAddr, e.self, amount); err != nil {
			return nil, fmt.Errorf("%w: principal not reclaimed: %v", ErrTokenBalanceDecrease, err)
		}
		return nil, ErrFlashOpsFailed
	}

	repay := new(big.Int).Add(amount, fee)
	if err := e.bank.TransferFrom(asset, e.self, recvAddr, e.self, repay); err != nil {
		if reclaimErr := e.bank.Transfer(asset, recvAddr, e.self, amount); reclaimErr != nil {
			return nil, fmt.Errorf("%w: principal not reclaimed: %v", ErrTokenBalanceDecrease, reclaimErr)
		}
		return nil, fmt.Errorf("flash loan settlement: %w", err)
	}
	if fee.Sign() > 0 {
		// Custody holds at least the repay it just pulled; refund the
		// fee to the receiver if forwarding somehow fails.
		if err := e.bank.Transfer(asset, e.self, feeRecipient, fee); err != nil {
			if refundErr := e.bank.Transfer(asset, e.self, recvAddr, fee); refundErr != nil {
				return nil, fmt.Errorf("%w: fee not refunded: %v", ErrTokenBalanceDecrease, refundErr)
			}
			return nil, fmt.Errorf("flash loan fee forwarding: %w", err)
		}
	}

	return &event.FlashLoanExecuted{
		OpID:         uuid.New(),
		Initiator:    initiator,
		Receiver:     recvAddr,
		Asset:        asset,
		Amount:       new(big.Int).Set(amount),
		Fee:          fee,
		FeeRecipient: feeRecipient,
		TimestampUs:  event.PayloadTimestamp(e.now()),
	}, nil
}

// flashDigest builds canonical bytes for the state-hash chain entry.
func flashDigest(asset, receiver common.Address, amount *big.Int) []byte {
	digest := make([]byte, 0, 64)
	digest = append(digest, asset.Bytes()...)
	digest = append(digest, receiver.Bytes()...)
	word := amount.Bytes()
	digest = append(digest, byte(len(word)))
	return append(digest, word...)
}

func rollbackReason(err error) string {
	switch {
	case errors.Is(err, ErrFlashOpsPaused):
		return "paused"
	case errors.Is(err, ErrInvalidFlashOp):
		return "invalid"
	case errors.Is(err, ErrFlashOpsFailed):
		return "callback"
	case errors.Is(err, ErrTotalSupplyChanged):
		return "supply_changed"
	case errors.Is(err, ErrTokenBalanceDecrease):
		return "balance_decrease"
	default:
		return "settlement"
	}
}

package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"pusdledger/internal/event"
	"pusdledger/internal/fixedpoint"
	"pusdledger/internal/observability"
	"pusdledger/internal/oracle"
	"pusdledger/internal/registry"
	"pusdledger/internal/token"
	"pusdledger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxHealthFactor is the sentinel health factor of a position with zero
// debt: the maximum representable 256-bit value.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// position is one user's ledger entry: per-asset collateral in native
// units and a single wad-scaled debt scalar. Created implicitly on first
// deposit, never destroyed, decays to zero.
type position struct {
	collateral map[common.Address]*big.Int
	debt       *big.Int
}

func newPosition() *position {
	return &position{
		collateral: make(map[common.Address]*big.Int),
		debt:       new(big.Int),
	}
}

func (p *position) collateralOf(asset common.Address) *big.Int {
	if bal, ok := p.collateral[asset]; ok {
		return bal
	}
	return new(big.Int)
}

// Config wires an Engine together.
type Config struct {
	Params    RiskParams
	Registry  *registry.Registry
	Oracle    *oracle.Adapter
	Synthetic *token.Ledger
	Bank      *token.Bank

	// Self is the engine's custody address on the token bank.
	Self common.Address

	Emitter *Emitter
	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Now is the operation clock; defaults to time.Now.
	Now func() time.Time
}

// Engine is the position ledger: it owns all collateral and debt state
// and serializes every mutation under one mutex. Each top-level
// operation either applies fully or leaves no trace.
type Engine struct {
	mu sync.Mutex

	params   RiskParams
	registry *registry.Registry
	oracle   *oracle.Adapter
	pusd     *token.Ledger
	bank     *token.Bank
	xfer     *transfer.Helper
	self     common.Address

	positions map[common.Address]*position

	emitter *Emitter
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		params:    cfg.Params,
		registry:  cfg.Registry,
		oracle:    cfg.Oracle,
		pusd:      cfg.Synthetic,
		bank:      cfg.Bank,
		xfer:      transfer.NewHelper(cfg.Bank, cfg.Self),
		self:      cfg.Self,
		positions: make(map[common.Address]*position),
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		now:       now,
	}
}

// Self returns the engine's custody address.
func (e *Engine) Self() common.Address { return e.self }

// IsAllowedCollateral reports whether asset is registered.
func (e *Engine) IsAllowedCollateral(asset common.Address) bool {
	return e.registry.IsAllowed(asset)
}

func (e *Engine) position(user common.Address) *position {
	pos, ok := e.positions[user]
	if !ok {
		pos = newPosition()
		e.positions[user] = pos
	}
	return pos
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit pulls amount of asset from caller into engine custody and
// credits recipient's position. Recipient need not equal caller.
func (e *Engine) Deposit(caller, recipient, asset common.Address, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	payload, err := e.depositLocked(caller, recipient, asset, amount)
	var digest []byte
	if err == nil {
		digest = e.userDigestLocked(recipient)
	}
	e.mu.Unlock()

	if err == nil {
		err = e.emit(payload, e.now(), digest)
	}
	e.finish("deposit", start, err)
	return err
}

func (e *Engine) depositLocked(caller, recipient, asset common.Address, amount *big.Int) (event.Event, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if !e.registry.IsAllowed(asset) {
		return nil, ErrNotAllowedCollateral
	}
	if err := e.xfer.Pull(asset, caller, amount); err != nil {
		return nil, fmt.Errorf("pull collateral: %w", err)
	}

	pos := e.position(recipient)
	pos.collateral[asset] = new(big.Int).Add(pos.collateralOf(asset), amount)

	return &event.CollateralDeposited{
		OpID:        uuid.New(),
		Caller:      caller,
		Recipient:   recipient,
		Asset:       asset,
		Amount:      new(big.Int).Set(amount),
		TimestampUs: event.PayloadTimestamp(e.now()),
	}, nil
}

// Mint credits caller's debt and mints the synthetic token to them,
// provided the resulting health factor stays at or above the minimum.
func (e *Engine) Mint(caller common.Address, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	payload, err := e.mintLocked(caller, amount)
	var digest []byte
	if err == nil {
		digest = e.userDigestLocked(caller)
	}
	e.mu.Unlock()

	if err == nil {
		err = e.emit(payload, e.now(), digest)
	}
	e.finish("mint", start, err)
	return err
}

func (e *Engine) mintLocked(caller common.Address, amount *big.Int) (event.Event, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}

	pos := e.position(caller)
	prevDebt := pos.debt
	pos.debt = new(big.Int).Add(prevDebt, amount)

	factor, err := e.healthFactorLocked(caller)
	if err != nil {
		pos.debt = prevDebt
		return nil, err
	}
	if factor.Cmp(e.params.MinHealthFactor) < 0 {
		pos.debt = prevDebt
		if e.metrics != nil {
			e.metrics.HealthChecksFailed.WithLabelValues("mint").Inc()
		}
		return nil, &BelowMinHealthFactorError{Factor: factor}
	}

	if err := e.pusd.Mint(caller, amount); err != nil {
		pos.debt = prevDebt
		return nil, fmt.Errorf("%w: %v", ErrMintFailed, err)
	}

	return &event.DebtMinted{
		OpID:         uuid.New(),
		User:         caller,
		Amount:       new(big.Int).Set(amount),
		HealthFactor: factor,
		TimestampUs:  event.PayloadTimestamp(e.now()),
	}, nil
}

// Withdraw debits caller's collateral and pushes it back to them. The
// debit is applied first; a failing health check or transfer restores it
// so the operation leaves no partial effect.
func (e *Engine) Withdraw(caller, asset common.Address, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	payload, err := e.withdrawLocked(caller, asset, amount)
	var digest []byte
	if err == nil {
		digest = e.userDigestLocked(caller)
	}
	e.mu.Unlock()

	if err == nil {
		err = e.emit(payload, e.now(), digest)
	}
	e.finish("withdraw", start, err)
	return err
}

func (e *Engine) withdrawLocked(caller, asset common.Address, amount *big.Int) (event.Event, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if !e.registry.IsAllowed(asset) {
		return nil, ErrNotAllowedCollateral
	}

	pos := e.position(caller)
	prevBal := pos.collateralOf(asset)
	if prevBal.Cmp(amount) < 0 {
		return nil, ErrInsufficientCollateralBalance
	}
	pos.collateral[asset] = new(big.Int).Sub(prevBal, amount)

	factor, err := e.healthFactorLocked(caller)
	if err != nil {
		pos.collateral[asset] = prevBal
		return nil, err
	}
	if factor.Cmp(e.params.MinHealthFactor) < 0 {
		pos.collateral[asset] = prevBal
		if e.metrics != nil {
			e.metrics.HealthChecksFailed.WithLabelValues("withdraw").Inc()
		}
		return nil, &BelowMinHealthFactorError{Factor: factor}
	}

	if err := e.xfer.Push(asset, caller, amount); err != nil {
		pos.collateral[asset] = prevBal
		return nil, fmt.Errorf("push collateral: %w", err)
	}

	return &event.CollateralWithdrawn{
		OpID:         uuid.New(),
		User:         caller,
		Asset:        asset,
		Amount:       new(big.Int).Set(amount),
		HealthFactor: factor,
		TimestampUs:  event.PayloadTimestamp(e.now()),
	}, nil
}

// Burn repays debt: debits caller's debt and burns the synthetic token
// from their balance. A zero amount is a no-op.
func (e *Engine) Burn(caller common.Address, amount *big.Int) error {
	if fixedpoint.IsZero(amount) {
		return nil
	}

	start := time.Now()
	e.mu.Lock()
	payload, err := e.burnLocked(caller, amount)
	var digest []byte
	if err == nil {
		digest = e.userDigestLocked(caller)
	}
	e.mu.Unlock()

	if err == nil {
		err = e.emit(payload, e.now(), digest)
	}
	e.finish("burn", start, err)
	return err
}

func (e *Engine) burnLocked(caller common.Address, amount *big.Int) (event.Event, error) {
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	pos := e.position(caller)
	prevDebt := pos.debt
	if prevDebt.Cmp(amount) < 0 {
		return nil, ErrBurnExceedsDebt
	}
	pos.debt = new(big.Int).Sub(prevDebt, amount)

	if err := e.pusd.BurnFrom(e.self, caller, amount); err != nil {
		pos.debt = prevDebt
		return nil, fmt.Errorf("burn repayment: %w", err)
	}

	return &event.DebtBurned{
		OpID:        uuid.New(),
		User:        caller,
		Amount:      new(big.Int).Set(amount),
		TimestampUs: event.PayloadTimestamp(e.now()),
	}, nil
}

// DepositAndMint composes Deposit and Mint atomically: a failing mint
// unwinds the deposit.
func (e *Engine) DepositAndMint(caller, asset common.Address, depositAmount, mintAmount *big.Int) error {
	start := time.Now()
	e.mu.Lock()

	depositEvt, err := e.depositLocked(caller, caller, asset, depositAmount)
	if err != nil {
		e.mu.Unlock()
		e.finish("deposit_and_mint", start, err)
		return err
	}

	mintEvt, err := e.mintLocked(caller, mintAmount)
	if err != nil {
		// Unwind the deposit: debit the credited collateral and return it.
		pos := e.position(caller)
		pos.collateral[asset] = new(big.Int).Sub(pos.collateralOf(asset), depositAmount)
		if pushErr := e.xfer.Push(asset, caller, depositAmount); pushErr != nil {
			e.log.Error().Err(pushErr).Str("user", caller.Hex()).
				Msg("deposit unwind transfer failed")
		}
		e.mu.Unlock()
		e.finish("deposit_and_mint", start, err)
		return err
	}

	digest := e.userDigestLocked(caller)
	e.mu.Unlock()

	if err := e.emit(depositEvt, e.now(), digest); err != nil {
		e.finish("deposit_and_mint", start, err)
		return err
	}
	err = e.emit(mintEvt, e.now(), digest)
	e.finish("deposit_and_mint", start, err)
	return err
}

// BurnAndWithdraw composes Burn and Withdraw atomically: a failing
// withdraw unwinds the burn.
func (e *Engine) BurnAndWithdraw(caller, asset common.Address, burnAmount, withdrawAmount *big.Int) error {
	start := time.Now()
	e.mu.Lock()

	var burnEvt event.Event
	if !fixedpoint.IsZero(burnAmount) {
		var err error
		burnEvt, err = e.burnLocked(caller, burnAmount)
		if err != nil {
			e.mu.Unlock()
			e.finish("burn_and_withdraw", start, err)
			return err
		}
	}

	withdrawEvt, err := e.withdrawLocked(caller, asset, withdrawAmount)
	if err != nil {
		if burnEvt != nil {
			// Unwind the burn: restore the debt and re-mint the repayment.
			pos := e.position(caller)
			pos.debt = new(big.Int).Add(pos.debt, burnAmount)
			if mintErr := e.pusd.Mint(caller, burnAmount); mintErr != nil {
				e.log.Error().Err(mintErr).Str("user", caller.Hex()).
					Msg("burn unwind mint failed")
			}
		}
		e.mu.Unlock()
		e.finish("burn_and_withdraw", start, err)
		return err
	}

	digest := e.userDigestLocked(caller)
	e.mu.Unlock()

	if burnEvt != nil {
		if err := e.emit(burnEvt, e.now(), digest); err != nil {
			e.finish("burn_and_withdraw", start, err)
			return err
		}
	}
	err = e.emit(withdrawEvt, e.now(), digest)
	e.finish("burn_and_withdraw", start, err)
	return err
}

// Liquidate lets anyone repay part of an unhealthy user's debt in
// exchange for seizing the equivalent collateral plus a bonus. The
// repayment is burned from the liquidator, who must have approved the
// engine. The whole sequence applies atomically and must strictly
// improve the target's health factor.
func (e *Engine) Liquidate(liquidator, user, asset common.Address, debtToCover *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	payload, err := e.liquidateLocked(liquidator, user, asset, debtToCover)
	var digest []byte
	if err == nil {
		digest = e.userDigestLocked(user)
	}
	e.mu.Unlock()

	if err == nil {
		err = e.emit(payload, e.now(), digest)
		if err == nil && e.metrics != nil {
			e.metrics.LiquidationsExecuted.Inc()
		}
	}
	e.finish("liquidate", start, err)
	return err
}

func (e *Engine) liquidateLocked(liquidator, user, asset common.Address, debtToCover *big.Int) (event.Event, error) {
	if err := validAmount(debtToCover); err != nil {
		return nil, err
	}
	if !e.registry.IsAllowed(asset) {
		return nil, ErrNotAllowedCollateral
	}

	pos, ok := e.positions[user]
	if !ok || pos.debt.Sign() == 0 {
		e.rejectLiquidation("no_debt")
		return nil, &InvalidLiquidationError{User: user}
	}

	factorBefore, err := e.healthFactorLocked(user)
	if err != nil {
		return nil, err
	}
	if factorBefore.Cmp(e.params.MinHealthFactor) >= 0 {
		e.rejectLiquidation("healthy")
		return nil, &InvalidLiquidationError{User: user}
	}

	// Clamp the offered repayment. Above the close factor only a fraction
	// of the debt may be repaid at once; below it the position may be
	// closed in full.
	maxRepay := pos.debt
	if e.params.PartialLiquidation && factorBefore.Cmp(e.params.CloseFactorThreshold) >= 0 {
		maxRepay = fixedpoint.ApplyRate(pos.debt, e.params.LiquidationFraction)
	}
	repay := new(big.Int).Set(debtToCover)
	if repay.Cmp(maxRepay) > 0 {
		repay.Set(maxRepay)
	}

	entry, _ := e.registry.Get(asset)
	price, err := e.oracle.Price(entry.Feed)
	if err != nil {
		return nil, err
	}
	seize, err := fixedpoint.TokenAmount(repay, price, entry.Decimals)
	if err != nil {
		return nil, err
	}
	totalSeize := new(big.Int).Add(seize, fixedpoint.ApplyRate(seize, e.params.LiquidationBonus))

	prevBal := pos.collateralOf(asset)
	if prevBal.Cmp(totalSeize) < 0 {
		e.rejectLiquidation("insufficient_collateral")
		return nil, ErrInsufficientCollateralBalance
	}

	// Apply with the repayment burn last. Position fields restore in
	// memory and a failed seize transfer reverses explicitly, so no
	// token effect is ever left standing after a rejected liquidation.
	prevDebt := pos.debt
	pos.collateral[asset] = new(big.Int).Sub(prevBal, totalSeize)
	pos.debt = new(big.Int).Sub(prevDebt, repay)

	restore := func() {
		pos.collateral[asset] = prevBal
		pos.debt = prevDebt
	}

	factorAfter, err := e.healthFactorLocked(user)
	if err != nil {
		restore()
		return nil, err
	}
	if factorAfter.Cmp(factorBefore) <= 0 {
		restore()
		e.rejectLiquidation("no_improvement")
		return nil, &InvalidLiquidationError{User: user}
	}

	if err := e.xfer.Push(asset, liquidator, totalSeize); err != nil {
		restore()
		return nil, fmt.Errorf("seize transfer: %w", err)
	}
	if err := e.pusd.BurnFrom(e.self, liquidator, repay); err != nil {
		e.unwindSeize(asset, liquidator, totalSeize)
		restore()
		return nil, fmt.Errorf("repay burn: %w", err)
	}

	return &event.LiquidationExecuted{
		OpID:             uuid.New(),
		Liquidator:       liquidator,
		User:             user,
		Asset:            asset,
		DebtRepaid:       repay,
		CollateralSeized: totalSeize,
		HealthBefore:     factorBefore,
		HealthAfter:      factorAfter,
		TimestampUs:      event.PayloadTimestamp(e.now()),
	}, nil
}

// unwindSeize returns seized collateral to custody by reversing the
// payout transfer.
func (e *Engine) unwindSeize(asset, liquidator common.Address, amount *big.Int) {
	if err := e.bank.Transfer(asset, liquidator, e.self, amount); err != nil {
		e.log.Error().Err(err).Str("asset", asset.Hex()).
			Msg("seize unwind transfer failed")
	}
}

func (e *Engine) rejectLiquidation(reason string) {
	if e.metrics != nil {
		e.metrics.LiquidationsRejected.WithLabelValues(reason).Inc()
	}
}

// --- Reads ---

// CollateralBalance returns user's deposited amount of asset in native units.
func (e *Engine) CollateralBalance(user, asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[user]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(pos.collateralOf(asset))
}

// Debt returns user's minted debt in wad.
func (e *Engine) Debt(user common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[user]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(pos.debt)
}

// CollateralValueUSD values user's whole position in wad-scaled USD.
func (e *Engine) CollateralValueUSD(user common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collateralValueLocked(user)
}

// HealthFactor derives user's current health factor. Never cached:
// collateral, debt, and prices can all move between calls.
func (e *Engine) HealthFactor(user common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthFactorLocked(user)
}

// AccountInfo returns user's (debt, total collateral USD) pair.
func (e *Engine) AccountInfo(user common.Address) (debt, collateralUSD *big.Int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	collateralUSD, err = e.collateralValueLocked(user)
	if err != nil {
		return nil, nil, err
	}
	pos, ok := e.positions[user]
	if !ok {
		return new(big.Int), collateralUSD, nil
	}
	return new(big.Int).Set(pos.debt), collateralUSD, nil
}

func (e *Engine) collateralValueLocked(user common.Address) (*big.Int, error) {
	total := new(big.Int)
	pos, ok := e.positions[user]
	if !ok {
		return total, nil
	}

	// Registration order keeps the summation deterministic.
	for _, entry := range e.registry.List() {
		bal, held := pos.collateral[entry.Asset]
		if !held || bal.Sign() == 0 {
			continue
		}
		price, err := e.oracle.Price(entry.Feed)
		if err != nil {
			return nil, err
		}
		value, err := fixedpoint.UsdValue(bal, price, entry.Decimals)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

func (e *Engine) healthFactorLocked(user common.Address) (*big.Int, error) {
	pos, ok := e.positions[user]
	if !ok || pos.debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	value, err := e.collateralValueLocked(user)
	if err != nil {
		return nil, err
	}
	return fixedpoint.DivWad(value, pos.debt), nil
}

// --- Emission and bookkeeping ---

func (e *Engine) emit(payload event.Event, ts time.Time, digest []byte) error {
	if e.emitter == nil {
		return nil
	}
	_, err := e.emitter.Emit(payload, ts, digest)
	return err
}

func (e *Engine) finish(op string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			e.metrics.EngineOpsApplied.WithLabelValues(op).Inc()
		} else {
			e.metrics.EngineOpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
		}
	}
	if err != nil {
		e.log.Debug().Err(err).Str("op", op).Msg("operation rejected")
	}
}

func rejectReason(err error) string {
	var hfErr *BelowMinHealthFactorError
	var liqErr *InvalidLiquidationError
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNotAllowedCollateral):
		return "not_allowed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrBurnExceedsDebt):
		return "underflow"
	case errors.Is(err, ErrInsufficientCollateralBalance):
		return "insufficient_collateral"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "oracle"
	case errors.As(err, &hfErr):
		return "health"
	case errors.As(err, &liqErr):
		return "liquidation"
	default:
		return "other"
	}
}

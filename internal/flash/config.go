package flash

import (
	"math/big"

	"pusdledger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Administrative operations, restricted to the configured admin role.
// Each mutation emits an audit event carrying old and new values.

// SetFeeRecipient changes where flash fees accrue.
func (e *Engine) SetFeeRecipient(caller, recipient common.Address) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}
	if recipient == (common.Address{}) {
		return ErrInvalidFeeRecipient
	}

	e.mu.Lock()
	old := e.feeRecipient
	e.feeRecipient = recipient
	e.mu.Unlock()

	e.log.Info().Str("old", old.Hex()).Str("new", recipient.Hex()).Msg("fee recipient changed")
	return e.emitChange(&event.FeeRecipientChanged{
		OpID:        uuid.New(),
		Old:         old,
		New:         recipient,
		TimestampUs: event.PayloadTimestamp(e.now()),
	})
}

// SetFeeRate changes the flash fee rate, bounded by MaxFeeRate. A
// rejected update leaves the prior rate in effect.
func (e *Engine) SetFeeRate(caller common.Address, rate *big.Int) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}
	if rate == nil || rate.Sign() < 0 || rate.Cmp(MaxFeeRate) > 0 {
		return ErrInvalidFeeBPS
	}

	e.mu.Lock()
	old := e.feeRate
	e.feeRate = new(big.Int).Set(rate)
	e.mu.Unlock()

	e.log.Info().Str("old", old.String()).Str("new", rate.String()).Msg("fee rate changed")
	return e.emitChange(&event.FeeRateChanged{
		OpID:        uuid.New(),
		Old:         old,
		New:         new(big.Int).Set(rate),
		TimestampUs: event.PayloadTimestamp(e.now()),
	})
}

// SetPaused toggles the flash operation gate.
func (e *Engine) SetPaused(caller common.Address, paused bool) error {
	if caller != e.admin {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	old := e.paused
	e.paused = paused
	e.mu.Unlock()

	e.log.Info().Bool("old", old).Bool("new", paused).Msg("flash pause toggled")
	return e.emitChange(&event.FlashPauseToggled{
		OpID:        uuid.New(),
		Old:         old,
		New:         paused,
		TimestampUs: event.PayloadTimestamp(e.now()),
	})
}

// FeeRecipient returns the current fee recipient.
func (e *Engine) FeeRecipient() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeRecipient
}

// FeeRate returns the current fee rate in parts per 1e18.
func (e *Engine) FeeRate() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.feeRate)
}

// Paused reports whether flash operations are gated off.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) emitChange(payload event.Event) error {
	if e.emitter == nil {
		return nil
	}
	_, err := e.emitter.Emit(payload, e.now(), nil)
	return err
}

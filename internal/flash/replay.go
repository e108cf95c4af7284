package flash

import (
	"encoding/json"
	"fmt"
	"math/big"

	"pusdledger/internal/event"
)

// Apply re-applies a logged configuration change during recovery. The
// executed flash operations themselves are replayed by the position
// engine (their net effect is a token fee movement); only the admin
// settings live here.
func (e *Engine) Apply(t event.Type, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch t {
	case event.TypeFeeRecipientChanged:
		var p event.FeeRecipientChanged
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.feeRecipient = p.New
		return nil

	case event.TypeFeeRateChanged:
		var p event.FeeRateChanged
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.feeRate = new(big.Int).Set(p.New)
		return nil

	case event.TypeFlashPauseToggled:
		var p event.FlashPauseToggled
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.paused = p.New
		return nil

	default:
		return fmt.Errorf("flash: cannot replay event type %s", t)
	}
}

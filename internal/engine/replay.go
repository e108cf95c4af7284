package engine

import (
	"encoding/json"
	"fmt"
	"math/big"

	"pusdledger/internal/event"
)

// Apply re-applies a logged event's recorded deltas to engine and token
// state during recovery. No checks rerun: the event already passed them
// when it was first applied, and prices may have moved since. Outstanding
// allowances are not reconstructed; clients re-approve after recovery.
func (e *Engine) Apply(t event.Type, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch t {
	case event.TypeCollateralDeposited:
		var p event.CollateralDeposited
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		pos := e.position(p.Recipient)
		pos.collateral[p.Asset] = new(big.Int).Add(pos.collateralOf(p.Asset), p.Amount)
		return e.bank.Transfer(p.Asset, p.Caller, e.self, p.Amount)

	case event.TypeDebtMinted:
		var p event.DebtMinted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		pos := e.position(p.User)
		pos.debt = new(big.Int).Add(pos.debt, p.Amount)
		return e.pusd.Mint(p.User, p.Amount)

	case event.TypeCollateralWithdrawn:
		var p event.CollateralWithdrawn
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		pos := e.position(p.User)
		pos.collateral[p.Asset] = new(big.Int).Sub(pos.collateralOf(p.Asset), p.Amount)
		return e.bank.Transfer(p.Asset, e.self, p.User, p.Amount)

	case event.TypeDebtBurned:
		var p event.DebtBurned
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		pos := e.position(p.User)
		pos.debt = new(big.Int).Sub(pos.debt, p.Amount)
		return e.pusd.Burn(p.User, p.Amount)

	case event.TypeLiquidationExecuted:
		var p event.LiquidationExecuted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		pos := e.position(p.User)
		pos.collateral[p.Asset] = new(big.Int).Sub(pos.collateralOf(p.Asset), p.CollateralSeized)
		pos.debt = new(big.Int).Sub(pos.debt, p.DebtRepaid)
		if err := e.bank.Transfer(p.Asset, e.self, p.Liquidator, p.CollateralSeized); err != nil {
			return err
		}
		return e.pusd.Burn(p.Liquidator, p.DebtRepaid)

	case event.TypeFlashMintExecuted:
		// A completed flash mint nets out to the fee moving from the
		// receiver to the fee recipient.
		var p event.FlashMintExecuted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p.Fee.Sign() == 0 {
			return nil
		}
		return e.pusd.Transfer(p.Receiver, p.FeeRecipient, p.Fee)

	case event.TypeFlashLoanExecuted:
		var p event.FlashLoanExecuted
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p.Fee.Sign() == 0 {
			return nil
		}
		return e.bank.Transfer(p.Asset, p.Receiver, p.FeeRecipient, p.Fee)

	default:
		return fmt.Errorf("engine: cannot replay event type %s", t)
	}
}

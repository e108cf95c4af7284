package engine

import (
	"math/big"

	"pusdledger/internal/fixedpoint"
)

// RiskParams are the protocol constants governing solvency checks and
// liquidation. All ratios are wad-scaled (parts per 1e18).
type RiskParams struct {
	// MinHealthFactor is the threshold below which mint/withdraw are
	// refused and liquidation becomes permitted.
	MinHealthFactor *big.Int

	// CloseFactorThreshold splits partial from full liquidation: positions
	// at or above it may only be liquidated up to LiquidationFraction of
	// their debt. Only consulted when PartialLiquidation is set.
	CloseFactorThreshold *big.Int

	// LiquidationFraction is the share of debt repayable in one partial
	// liquidation (0.5e18 = 50%).
	LiquidationFraction *big.Int

	// LiquidationBonus is the extra collateral granted to the liquidator
	// on top of the repaid value (0.05e18 = 5%).
	LiquidationBonus *big.Int

	// PartialLiquidation enables close-factor clamping. When false every
	// liquidation may repay the full debt.
	PartialLiquidation bool
}

// ConservativeRiskParams is the single-collateral-variant parameter set:
// 2.0 minimum health factor, full liquidation only.
func ConservativeRiskParams() RiskParams {
	return RiskParams{
		MinHealthFactor:  new(big.Int).Mul(big.NewInt(2), fixedpoint.Wad),
		LiquidationBonus: big.NewInt(5e16),
	}
}

// StandardRiskParams enables partial liquidation: 1.5 minimum health
// factor, 1.35 close factor, 50% default liquidation fraction, 5% bonus.
func StandardRiskParams() RiskParams {
	return RiskParams{
		MinHealthFactor:      big.NewInt(15e17),
		CloseFactorThreshold: big.NewInt(135e16),
		LiquidationFraction:  big.NewInt(5e17),
		LiquidationBonus:     big.NewInt(5e16),
		PartialLiquidation:   true,
	}
}

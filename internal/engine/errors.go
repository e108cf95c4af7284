package engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount                 = errors.New("engine: invalid amount")
	ErrNotAllowedCollateral          = errors.New("engine: collateral not allowed")
	ErrMintFailed                    = errors.New("engine: token mint failed")
	ErrBurnExceedsDebt               = errors.New("engine: burn exceeds debt")
	ErrInsufficientCollateralBalance = errors.New("engine: insufficient collateral balance")
)

// BelowMinHealthFactorError reports the health factor that would result
// from the refused mint or withdraw.
type BelowMinHealthFactorError struct {
	Factor *big.Int
}

func (e *BelowMinHealthFactorError) Error() string {
	return fmt.Sprintf("engine: health factor %s below minimum", e.Factor)
}

// InvalidLiquidationError covers both rejection modes: the target was
// healthy, or the liquidation failed to strictly improve its health.
type InvalidLiquidationError struct {
	User common.Address
}

func (e *InvalidLiquidationError) Error() string {
	return fmt.Sprintf("engine: invalid liquidation of %s", e.User.Hex())
}

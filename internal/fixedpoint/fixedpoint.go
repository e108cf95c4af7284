package fixedpoint

import (
	"fmt"
	"math/big"
)

// All USD values and debt amounts in the system are wad-scaled (18 decimals).
// Collateral amounts stay in their native decimal count and are normalized
// here, and only here. Every conversion rounds down: repeated round-trips
// must never manufacture value.

const (
	// WadDecimals is the fixed-point precision for debt and USD values.
	WadDecimals = 18

	// OracleDecimals is the decimal count of validated oracle prices.
	OracleDecimals = 8

	// MaxAssetDecimals bounds the native precision a collateral asset may declare.
	MaxAssetDecimals = 18
)

var (
	// Wad is 1e18, the fixed-point scale.
	Wad = pow10(WadDecimals)

	zero = big.NewInt(0)
)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// scaleUpFactor returns 10^(18-decimals) for normalizing a native amount to wad.
func scaleUpFactor(decimals uint8) *big.Int {
	return pow10(WadDecimals - decimals)
}

// ToWad normalizes an amount with the given native decimal count to 18 decimals.
func ToWad(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil {
		return nil, fmt.Errorf("fixedpoint: nil amount")
	}
	if decimals > MaxAssetDecimals {
		return nil, fmt.Errorf("fixedpoint: unsupported decimals %d", decimals)
	}
	return new(big.Int).Mul(amount, scaleUpFactor(decimals)), nil
}

// FromWad rescales an 18-decimal amount down to the given native decimal
// count, truncating toward zero.
func FromWad(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil {
		return nil, fmt.Errorf("fixedpoint: nil amount")
	}
	if decimals > MaxAssetDecimals {
		return nil, fmt.Errorf("fixedpoint: unsupported decimals %d", decimals)
	}
	return new(big.Int).Quo(new(big.Int).Set(amount), scaleUpFactor(decimals)), nil
}

// priceToWad scales an oracle price (OracleDecimals) up to 18 decimals.
func priceToWad(price *big.Int) *big.Int {
	return new(big.Int).Mul(price, scaleUpFactor(OracleDecimals))
}

// UsdValue converts a native collateral amount into a wad-scaled USD value
// at the given oracle price. Rounds down.
func UsdValue(amount, price *big.Int, assetDecimals uint8) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("fixedpoint: non-positive price")
	}
	wadAmount, err := ToWad(amount, assetDecimals)
	if err != nil {
		return nil, err
	}
	// value = wadAmount * wadPrice / 1e18
	value := new(big.Int).Mul(wadAmount, priceToWad(price))
	return value.Quo(value, Wad), nil
}

// TokenAmount converts a wad-scaled USD value into a native collateral
// amount at the given oracle price. Rounds down twice (wad division, then
// native rescale) so TokenAmount(UsdValue(x)) <= x always holds.
func TokenAmount(usdValue, price *big.Int, assetDecimals uint8) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("fixedpoint: non-positive price")
	}
	if usdValue == nil {
		return nil, fmt.Errorf("fixedpoint: nil usd value")
	}
	wadPrice := priceToWad(price)
	wadAmount := new(big.Int).Mul(usdValue, Wad)
	wadAmount.Quo(wadAmount, wadPrice)
	return FromWad(wadAmount, assetDecimals)
}

// MulWad multiplies two wad-scaled values, rounding down.
func MulWad(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, Wad)
}

// DivWad divides two wad-scaled values, rounding down. Division by zero
// returns zero; callers guard the zero-debt case explicitly.
func DivWad(a, b *big.Int) *big.Int {
	if b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, Wad)
	return out.Quo(out, b)
}

// ApplyRate applies a parts-per-1e18 rate to an amount, rounding down.
// Used for flash fees and the liquidation bonus.
func ApplyRate(amount, rateWad *big.Int) *big.Int {
	if amount == nil || rateWad == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, rateWad)
	return out.Quo(out, Wad)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Cmp(zero) == 0
}

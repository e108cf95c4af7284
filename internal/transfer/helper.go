package transfer

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrZeroAmount = errors.New("transfer: zero amount")

// Assets is the slice of the token bank the helper needs.
type Assets interface {
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
	BalanceOf(asset, holder common.Address) *big.Int
}

// Helper is the single choke point for collateral and synthetic-token
// movement: push from the engine's own custody account, pull from anyone
// else via allowance. Every money-moving call site routes through Move so
// the push/pull decision lives in exactly one place.
type Helper struct {
	assets Assets
	self   common.Address
}

func NewHelper(assets Assets, self common.Address) *Helper {
	return &Helper{assets: assets, self: self}
}

// Self returns the custody account the helper pushes from.
func (h *Helper) Self() common.Address { return h.self }

// Move transfers amount of asset from `from` to `to`. When `from` is the
// custody account this is a direct push; otherwise the amount is pulled
// via the allowance `from` granted to the custody account.
func (h *Helper) Move(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return ErrZeroAmount
	}
	if from == h.self {
		return h.assets.Transfer(asset, from, to, amount)
	}
	return h.assets.TransferFrom(asset, h.self, from, to, amount)
}

// Pull moves amount of asset from `from` into custody.
func (h *Helper) Pull(asset, from common.Address, amount *big.Int) error {
	return h.Move(asset, from, h.self, amount)
}

// Push moves amount of asset out of custody to `to`.
func (h *Helper) Push(asset, to common.Address, amount *big.Int) error {
	return h.Move(asset, h.self, to, amount)
}

// CustodyBalance returns the custody account's balance of asset.
func (h *Helper) CustodyBalance(asset common.Address) *big.Int {
	return h.assets.BalanceOf(asset, h.self)
}

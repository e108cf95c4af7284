package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownAsset    = errors.New("token: unknown asset")
	ErrAssetRegistered = errors.New("token: asset already registered")
)

// Bank is the registry of fungible-asset ledgers the engine custodies,
// keyed by asset address. One ledger per collateral asset, plus the
// synthetic token's own ledger.
type Bank struct {
	mu      sync.RWMutex
	ledgers map[common.Address]*Ledger
}

func NewBank() *Bank {
	return &Bank{
		ledgers: make(map[common.Address]*Ledger),
	}
}

// Register binds an asset address to its ledger. Append-only.
func (b *Bank) Register(asset common.Address, ledger *Ledger) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ledgers[asset]; ok {
		return fmt.Errorf("%w: %s", ErrAssetRegistered, asset.Hex())
	}
	b.ledgers[asset] = ledger
	return nil
}

// Ledger returns the ledger for an asset.
func (b *Bank) Ledger(asset common.Address) (*Ledger, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.ledgers[asset]
	return l, ok
}

func (b *Bank) mustLedger(asset common.Address) (*Ledger, error) {
	l, ok := b.Ledger(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return l, nil
}

// Transfer moves amount of asset between holders.
func (b *Bank) Transfer(asset, from, to common.Address, amount *big.Int) error {
	l, err := b.mustLedger(asset)
	if err != nil {
		return err
	}
	return l.Transfer(from, to, amount)
}

// TransferFrom moves amount of asset between holders, consuming the
// spender's allowance.
func (b *Bank) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	l, err := b.mustLedger(asset)
	if err != nil {
		return err
	}
	return l.TransferFrom(spender, from, to, amount)
}

// BalanceOf returns holder's balance of asset; zero for unknown assets.
func (b *Bank) BalanceOf(asset, holder common.Address) *big.Int {
	l, ok := b.Ledger(asset)
	if !ok {
		return new(big.Int)
	}
	return l.BalanceOf(holder)
}

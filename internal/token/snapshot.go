package token

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LedgerSnapshot is a ledger's full serializable state. Amounts are
// decimal strings. Allowance keys are "owner:spender" in hex.
type LedgerSnapshot struct {
	Symbol     string            `json:"symbol"`
	Decimals   uint8             `json:"decimals"`
	Supply     string            `json:"supply"`
	Balances   map[string]string `json:"balances"`
	Allowances map[string]string `json:"allowances,omitempty"`
}

// Snapshot captures the ledger state. Zero-value cells are omitted.
func (l *Ledger) Snapshot() *LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &LedgerSnapshot{
		Symbol:     l.symbol,
		Decimals:   l.decimals,
		Supply:     l.supply.Dec(),
		Balances:   make(map[string]string, len(l.balances)),
		Allowances: make(map[string]string, len(l.allowances)),
	}
	for addr, bal := range l.balances {
		if bal.IsZero() {
			continue
		}
		snap.Balances[addr.Hex()] = bal.Dec()
	}
	for key, amount := range l.allowances {
		if amount.IsZero() {
			continue
		}
		snap.Allowances[key.Owner.Hex()+":"+key.Spender.Hex()] = amount.Dec()
	}
	return snap
}

// Restore replaces ledger state with a snapshot. Only called during
// recovery, before the ledger serves traffic.
func (l *Ledger) Restore(snap *LedgerSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	supply, err := uint256.FromDecimal(snap.Supply)
	if err != nil {
		return fmt.Errorf("token: malformed supply %q: %w", snap.Supply, err)
	}

	balances := make(map[common.Address]*uint256.Int, len(snap.Balances))
	for addrHex, raw := range snap.Balances {
		bal, err := uint256.FromDecimal(raw)
		if err != nil {
			return fmt.Errorf("token: malformed balance %q for %s: %w", raw, addrHex, err)
		}
		balances[common.HexToAddress(addrHex)] = bal
	}

	allowances := make(map[allowanceKey]*uint256.Int, len(snap.Allowances))
	for pair, raw := range snap.Allowances {
		owner, spender, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("token: malformed allowance key %q", pair)
		}
		amount, err := uint256.FromDecimal(raw)
		if err != nil {
			return fmt.Errorf("token: malformed allowance %q for %s: %w", raw, pair, err)
		}
		allowances[allowanceKey{
			Owner:   common.HexToAddress(owner),
			Spender: common.HexToAddress(spender),
		}] = amount
	}

	l.symbol = snap.Symbol
	l.decimals = snap.Decimals
	l.supply.Set(supply)
	l.balances = balances
	l.allowances = allowances
	return nil
}

package engine

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PositionSnapshot is one user's serialized position. Amounts are
// decimal strings: big.Int survives JSON without precision loss that way.
type PositionSnapshot struct {
	User       common.Address    `json:"user"`
	Debt       string            `json:"debt"`
	Collateral map[string]string `json:"collateral"`
}

// Snapshot is the engine's full serializable state at a sequence point.
type Snapshot struct {
	Sequence  int64              `json:"sequence"`
	PrevHash  [32]byte           `json:"prev_hash"`
	Positions []PositionSnapshot `json:"positions"`
}

// Snapshot captures current state. Positions are sorted by user address
// so identical state always serializes identically.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Snapshot{
		Positions: make([]PositionSnapshot, 0, len(e.positions)),
	}
	if e.emitter != nil {
		snap.Sequence = e.emitter.Sequence()
		snap.PrevHash = e.emitter.PrevHash()
	}

	for user, pos := range e.positions {
		ps := PositionSnapshot{
			User:       user,
			Debt:       pos.debt.String(),
			Collateral: make(map[string]string, len(pos.collateral)),
		}
		for asset, bal := range pos.collateral {
			if bal.Sign() == 0 {
				continue
			}
			ps.Collateral[asset.Hex()] = bal.String()
		}
		snap.Positions = append(snap.Positions, ps)
	}

	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].User.Cmp(snap.Positions[j].User) < 0
	})

	return snap
}

// Restore replaces engine state with a snapshot and resets the emission
// chain to continue from it. Only called before the engine serves traffic.
func (e *Engine) Restore(snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make(map[common.Address]*position, len(snap.Positions))
	for _, ps := range snap.Positions {
		pos := newPosition()
		debt, ok := new(big.Int).SetString(ps.Debt, 10)
		if !ok {
			return fmt.Errorf("engine: malformed debt %q for %s", ps.Debt, ps.User.Hex())
		}
		pos.debt = debt
		for assetHex, raw := range ps.Collateral {
			bal, ok := new(big.Int).SetString(raw, 10)
			if !ok {
				return fmt.Errorf("engine: malformed balance %q for %s", raw, ps.User.Hex())
			}
			pos.collateral[common.HexToAddress(assetHex)] = bal
		}
		positions[ps.User] = pos
	}

	e.positions = positions
	if e.emitter != nil {
		e.emitter.RestoreChain(snap.Sequence, snap.PrevHash)
	}
	return nil
}

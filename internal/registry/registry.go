package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"pusdledger/internal/fixedpoint"
)

var (
	ErrAlreadyAllowed = errors.New("registry: collateral already allowed")
	ErrAddressZero    = errors.New("registry: zero address")
	ErrArrayMismatch  = errors.New("registry: asset and feed arrays differ in length")
)

// Entry binds a collateral asset to its price feed. Decimals are cached at
// registration time and never re-queried, so every later conversion sees the
// same precision for a given asset.
type Entry struct {
	Asset    common.Address
	Feed     common.Address
	Decimals uint8
}

// Registry is the allow-list of supported collateral assets. Append-only:
// entries are never removed or rebound, and iteration order is registration
// order so valuation sums are deterministic.
type Registry struct {
	entries []Entry
	index   map[common.Address]int
}

// New builds a registry from matching ordered slices. Construction fails
// atomically: a bad entry anywhere leaves no registry behind.
func New(assets, feeds []common.Address, decimals []uint8) (*Registry, error) {
	if len(assets) != len(feeds) || len(assets) != len(decimals) {
		return nil, ErrArrayMismatch
	}

	r := &Registry{index: make(map[common.Address]int, len(assets))}
	for i := range assets {
		if err := r.Allow(assets[i], feeds[i], decimals[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Allow registers a collateral asset with its price feed binding.
func (r *Registry) Allow(asset, feed common.Address, decimals uint8) error {
	if asset == (common.Address{}) || feed == (common.Address{}) {
		return ErrAddressZero
	}
	if _, ok := r.index[asset]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAllowed, asset.Hex())
	}
	if decimals > fixedpoint.MaxAssetDecimals {
		return fmt.Errorf("registry: asset %s declares %d decimals, max %d",
			asset.Hex(), decimals, fixedpoint.MaxAssetDecimals)
	}

	r.index[asset] = len(r.entries)
	r.entries = append(r.entries, Entry{Asset: asset, Feed: feed, Decimals: decimals})
	return nil
}

// IsAllowed reports whether the asset is registered collateral.
func (r *Registry) IsAllowed(asset common.Address) bool {
	_, ok := r.index[asset]
	return ok
}

// Get returns the registry entry for an asset.
func (r *Registry) Get(asset common.Address) (Entry, bool) {
	i, ok := r.index[asset]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// List returns the full ordered set of entries (registration order).
func (r *Registry) List() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered assets.
func (r *Registry) Len() int {
	return len(r.entries)
}

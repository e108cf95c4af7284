package engine

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// userDigestLocked builds canonical bytes for one user's position:
// address || debt || (asset || balance)* with assets in address order.
// Feeds the state-hash chain; must stay byte-stable across versions.
func (e *Engine) userDigestLocked(user common.Address) []byte {
	digest := make([]byte, 0, 128)
	digest = append(digest, user.Bytes()...)

	pos, ok := e.positions[user]
	if !ok {
		return digest
	}

	digest = appendBig(digest, pos.debt.Bytes())

	assets := make([]common.Address, 0, len(pos.collateral))
	for asset := range pos.collateral {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].Cmp(assets[j]) < 0
	})

	for _, asset := range assets {
		digest = append(digest, asset.Bytes()...)
		digest = appendBig(digest, pos.collateral[asset].Bytes())
	}
	return digest
}

// appendBig length-prefixes a big-endian integer encoding so adjacent
// fields cannot alias.
func appendBig(buf, word []byte) []byte {
	buf = append(buf, byte(len(word)))
	return append(buf, word...)
}

package oracle

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoundSnapshot is a serializable feed round. The answer is a decimal
// string so arbitrary precision survives JSON.
type RoundSnapshot struct {
	RoundID         uint64 `json:"round_id"`
	Answer          string `json:"answer"`
	UpdatedAtUs     int64  `json:"updated_at_us"`
	AnsweredInRound uint64 `json:"answered_in_round"`
}

// Snapshot returns the latest round per feed, keyed by feed hex.
func (c *FeedCache) Snapshot() map[string]RoundSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]RoundSnapshot, len(c.rounds))
	for feed, round := range c.rounds {
		out[feed.Hex()] = RoundSnapshot{
			RoundID:         round.RoundID,
			Answer:          round.Answer.String(),
			UpdatedAtUs:     round.UpdatedAt.UnixMicro(),
			AnsweredInRound: round.AnsweredInRound,
		}
	}
	return out
}

// Restore replaces the cache contents with a snapshot.
func (c *FeedCache) Restore(rounds map[string]RoundSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	restored := make(map[common.Address]RoundData, len(rounds))
	for feedHex, rs := range rounds {
		answer, ok := new(big.Int).SetString(rs.Answer, 10)
		if !ok {
			return fmt.Errorf("oracle: malformed answer %q for feed %s", rs.Answer, feedHex)
		}
		restored[common.HexToAddress(feedHex)] = RoundData{
			RoundID:         rs.RoundID,
			Answer:          answer,
			UpdatedAt:       time.UnixMicro(rs.UpdatedAtUs),
			AnsweredInRound: rs.AnsweredInRound,
		}
	}
	c.rounds = restored
	return nil
}

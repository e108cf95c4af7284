package ingestion

import (
	"encoding/json"
	"errors"
	"time"

	"pusdledger/internal/event"
	"pusdledger/internal/oracle"
)

// ApplyPriceRound restores one logged price round into the feed cache
// during recovery, so valuation resumes from the prices the engine last
// saw rather than an empty cache.
func ApplyPriceRound(cache *oracle.FeedCache, payload []byte) error {
	var p event.PriceRoundStored
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	err := cache.Store(p.Feed, oracle.RoundData{
		RoundID:         p.RoundID,
		Answer:          p.Answer,
		UpdatedAt:       time.UnixMicro(p.UpdatedAtUs),
		AnsweredInRound: p.AnsweredInRound,
	})
	if errors.Is(err, oracle.ErrStaleRound) {
		// Snapshot already carried a newer round for this feed.
		return nil
	}
	return err
}

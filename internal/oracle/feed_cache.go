package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownFeed = errors.New("oracle: unknown feed")
	ErrStaleRound  = errors.New("oracle: round id not monotonic")
)

// FeedCache is an in-memory PriceFeed fed by the price-round subscriber.
// Round IDs must be strictly increasing per feed; late or replayed rounds
// are rejected so a delayed message can never roll a price backwards.
type FeedCache struct {
	mu     sync.RWMutex
	rounds map[common.Address]RoundData
}

func NewFeedCache() *FeedCache {
	return &FeedCache{
		rounds: make(map[common.Address]RoundData),
	}
}

// Store records a new round for a feed.
func (c *FeedCache) Store(feed common.Address, round RoundData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.rounds[feed]; ok && round.RoundID <= prev.RoundID {
		return fmt.Errorf("%w: feed %s round %d <= %d",
			ErrStaleRound, feed.Hex(), round.RoundID, prev.RoundID)
	}

	c.rounds[feed] = round
	return nil
}

// LatestRound implements PriceFeed.
func (c *FeedCache) LatestRound(feed common.Address) (RoundData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	round, ok := c.rounds[feed]
	if !ok {
		return RoundData{}, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	return round, nil
}

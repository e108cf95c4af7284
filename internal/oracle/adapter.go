package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StalenessTimeout is the maximum age of a price round before it is
// treated as invalid.
const StalenessTimeout = 2 * time.Hour

var ErrInvalidPrice = errors.New("oracle: invalid price")

// RoundData is the raw reading from an external price feed.
type RoundData struct {
	RoundID         uint64
	Answer          *big.Int // signed, OracleDecimals precision
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// PriceFeed is the external price source surface: a "latest round" query
// per feed identifier.
type PriceFeed interface {
	LatestRound(feed common.Address) (RoundData, error)
}

// Adapter validates raw feed rounds before any price enters valuation
// math. It is the single chokepoint against zero, negative, stale, or
// round-inconsistent readings.
type Adapter struct {
	feed      PriceFeed
	staleness time.Duration
	now       func() time.Time
}

func NewAdapter(feed PriceFeed) *Adapter {
	return &Adapter{
		feed:      feed,
		staleness: StalenessTimeout,
		now:       time.Now,
	}
}

// NewAdapterAt builds an adapter with an injected clock and staleness
// window, for deterministic tests.
func NewAdapterAt(feed PriceFeed, staleness time.Duration, now func() time.Time) *Adapter {
	return &Adapter{feed: feed, staleness: staleness, now: now}
}

// Price returns a validated positive USD price at OracleDecimals precision,
// or ErrInvalidPrice.
func (a *Adapter) Price(feed common.Address) (*big.Int, error) {
	round, err := a.feed.LatestRound(feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}

	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer for feed %s", ErrInvalidPrice, feed.Hex())
	}
	if round.UpdatedAt.IsZero() || round.UpdatedAt.Unix() == 0 {
		return nil, fmt.Errorf("%w: zero update timestamp for feed %s", ErrInvalidPrice, feed.Hex())
	}
	if round.AnsweredInRound < round.RoundID {
		return nil, fmt.Errorf("%w: incomplete round for feed %s (answered_in=%d, round=%d)",
			ErrInvalidPrice, feed.Hex(), round.AnsweredInRound, round.RoundID)
	}
	if a.now().Sub(round.UpdatedAt) > a.staleness {
		return nil, fmt.Errorf("%w: stale price for feed %s (updated %s)",
			ErrInvalidPrice, feed.Hex(), round.UpdatedAt.Format(time.RFC3339))
	}

	return new(big.Int).Set(round.Answer), nil
}

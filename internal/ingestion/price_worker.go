package ingestion

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"pusdledger/internal/engine"
	"pusdledger/internal/event"
	"pusdledger/internal/observability"
	"pusdledger/internal/oracle"
)

// PriceWorker drains raw price messages, parses them, stores rounds in
// the feed cache, and appends a PriceRoundStored event so replays see
// the same prices the engine saw.
type PriceWorker struct {
	input   <-chan RawEvent
	cache   *oracle.FeedCache
	emitter *engine.Emitter
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewPriceWorker(
	input <-chan RawEvent,
	cache *oracle.FeedCache,
	emitter *engine.Emitter,
	metrics *observability.Metrics,
) *PriceWorker {
	return &PriceWorker{
		input:   input,
		cache:   cache,
		emitter: emitter,
		metrics: metrics,
		log:     observability.NewLogger("price-worker"),
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (w *PriceWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-w.input:
			if !ok {
				return nil
			}
			w.handle(raw)
		}
	}
}

func (w *PriceWorker) handle(raw RawEvent) {
	if w.metrics != nil {
		w.metrics.IngestEventsTotal.WithLabelValues("price_round").Inc()
		w.metrics.NATSPullLatency.WithLabelValues("price_round").
			Observe(time.Since(raw.Timestamp).Seconds())
	}

	pr, err := ParsePriceRound(raw.Data)
	if err != nil {
		// Malformed payloads never become valid; ACK so JetStream
		// does not redeliver them.
		if w.metrics != nil {
			w.metrics.IngestParseErrors.WithLabelValues("price_round").Inc()
		}
		w.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed price round")
		raw.AckFunc()
		return
	}

	if err := w.cache.Store(pr.Feed, pr.Round); err != nil {
		if errors.Is(err, oracle.ErrStaleRound) {
			// Redelivery or out-of-order producer; already applied
			// or superseded either way.
			raw.AckFunc()
			return
		}
		w.log.Error().Err(err).Str("feed", pr.Feed.Hex()).Msg("feed cache store failed")
		raw.NakFunc()
		return
	}

	payload := &event.PriceRoundStored{
		Feed:            pr.Feed,
		RoundID:         pr.Round.RoundID,
		Answer:          pr.Round.Answer,
		UpdatedAtUs:     pr.Round.UpdatedAt.UnixMicro(),
		AnsweredInRound: pr.Round.AnsweredInRound,
	}
	if _, err := w.emitter.Emit(payload, w.now(), priceDigest(pr)); err != nil {
		w.log.Error().Err(err).Str("feed", pr.Feed.Hex()).Msg("emit price round failed")
		raw.NakFunc()
		return
	}

	if w.metrics != nil {
		w.metrics.PriceRoundsStored.WithLabelValues(pr.Feed.Hex()).Inc()
	}
	raw.AckFunc()
}

// priceDigest builds canonical bytes for the state-hash chain entry.
func priceDigest(pr PriceRound) []byte {
	digest := make([]byte, 0, 64)
	digest = append(digest, pr.Feed.Bytes()...)
	digest = binary.BigEndian.AppendUint64(digest, pr.Round.RoundID)
	word := pr.Round.Answer.Bytes()
	digest = append(digest, byte(len(word)))
	return append(digest, word...)
}

package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"pusdledger/internal/engine"
	"pusdledger/internal/observability"
)

const EventStreamName = "PUSD_EVENTS"

// publishedEvent is the outbound wire format. The payload is the same
// JSON stored in the event log.
type publishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      []byte          `json:"state_hash"`
	TimestampUs    int64           `json:"timestamp_us"`
}

// Publisher fans applied events out to NATS for downstream consumers
// (keepers, dashboards). Its input channel is non-blocking with drop on
// the engine side; consumers needing completeness read the event log.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan engine.Output
	log   zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan engine.Output) *Publisher {
	return &Publisher{
		js:    js,
		input: input,
		log:   observability.NewLogger("publisher"),
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.log.Warn().Err(err).
					Int64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

// Subjects follow pusd.events.{event_type}.
func (p *Publisher) publish(ctx context.Context, out engine.Output) error {
	env := out.Envelope
	data, err := json.Marshal(publishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.Type.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		TimestampUs:    env.Timestamp.UnixMicro(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("pusd.events.%s", env.Type.String())
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureEventStream creates the outbound stream if missing.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStreamName,
		Subjects:  []string{"pusd.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", EventStreamName, err)
	}
	return nil
}

package projection

import (
	"fmt"
	"time"

	"pusdledger/internal/engine"
	"pusdledger/internal/event"
)

// RawEvent is a persisted event row as the rebuild path consumes it.
// Keeping the type here avoids a projection -> persistence dependency;
// the orchestrator adapts storage rows into this.
type RawEvent struct {
	Sequence    int64
	EventType   string
	Payload     []byte
	TimestampUs int64
}

// ToOutput reconstructs the engine emission the row was written from.
func (r RawEvent) ToOutput() (engine.Output, error) {
	t := event.TypeFromString(r.EventType)
	if t == event.TypeUnknown {
		return engine.Output{}, fmt.Errorf("projection: unknown event type %q at seq %d", r.EventType, r.Sequence)
	}
	return engine.Output{
		Envelope: &event.Envelope{
			Sequence:  r.Sequence,
			Type:      t,
			Timestamp: time.UnixMicro(r.TimestampUs),
			Payload:   r.Payload,
		},
	}, nil
}

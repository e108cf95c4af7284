package engine

import (
	"encoding/json"
	"sync"
	"time"

	"pusdledger/internal/event"
	"pusdledger/internal/observability"
)

// Output is what the engine hands downstream after applying an operation.
type Output struct {
	Envelope *event.Envelope
	Event    event.Event

	// Canonical bytes of the state affected by this event
	StateDelta []byte
}

// Emitter assigns sequences, chains state hashes, and fans outputs out to
// the persistence and projection channels. It is shared by the position
// engine and the flash engine so both write into one ordered event log.
type Emitter struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher

	persistChan    chan<- Output
	projectionChan chan<- Output
	publishChan    chan<- Output
	metrics        *observability.Metrics
}

func NewEmitter(startSequence int64, persistChan, projectionChan, publishChan chan<- Output, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		publishChan:    publishChan,
		metrics:        metrics,
	}
}

// Emit seals a payload into an envelope and sends it downstream. The
// persist channel uses a BLOCKING send (backpressure stalls the engine,
// no event is ever lost); the projection channel uses a NON-BLOCKING
// send with drop, projections rebuild from the event log if they lag.
func (em *Emitter) Emit(payload event.Event, ts time.Time, stateDigest []byte) (*event.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	em.mu.Lock()

	hashStart := time.Now()
	prevHash := em.hasher.GetPrevHash()
	stateHash := em.hasher.ComputeHash(em.sequence, stateDigest)

	envelope := &event.Envelope{
		Sequence:       em.sequence,
		IdempotencyKey: payload.IdempotencyKey(),
		Type:           payload.Type(),
		Timestamp:      ts,
		Payload:        raw,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	em.sequence++
	sequence := em.sequence
	em.mu.Unlock()

	if em.metrics != nil {
		em.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		em.metrics.EngineSequence.Set(float64(sequence))
	}

	output := Output{Envelope: envelope, Event: payload, StateDelta: stateDigest}

	if em.persistChan != nil {
		em.persistChan <- output
	}

	if em.projectionChan != nil {
		select {
		case em.projectionChan <- output:
		default:
			// Dropped — projection catches up via rebuild
			if em.metrics != nil {
				em.metrics.ProjectionDrops.WithLabelValues(payload.Type().String()).Inc()
			}
		}
	}

	if em.publishChan != nil {
		select {
		case em.publishChan <- output:
		default:
			// Dropped — subscribers fall back to the event log
			if em.metrics != nil {
				em.metrics.PublishDrops.Inc()
			}
		}
	}

	return envelope, nil
}

// Sequence returns the next sequence to be assigned.
func (em *Emitter) Sequence() int64 {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.sequence
}

// RestoreChain resets the sequence counter and hash-chain tip, used when
// resuming from a snapshot.
func (em *Emitter) RestoreChain(sequence int64, prevHash [32]byte) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.sequence = sequence
	em.hasher.SetPrevHash(prevHash)
}

// PrevHash returns the current chain tip.
func (em *Emitter) PrevHash() [32]byte {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.hasher.GetPrevHash()
}

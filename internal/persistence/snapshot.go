package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pusdledger/internal/engine"
	"pusdledger/internal/oracle"
	"pusdledger/internal/token"
)

// SnapshotData is the full serializable system state at one sequence
// point: engine positions, every token ledger keyed by asset hex, and
// the latest oracle round per feed.
type SnapshotData struct {
	Sequence  int64                            `json:"sequence"`
	PrevHash  []byte                           `json:"prev_hash"`
	Engine    *engine.Snapshot                 `json:"engine"`
	Ledgers   map[string]*token.LedgerSnapshot `json:"ledgers"`
	Rounds    map[string]oracle.RoundSnapshot  `json:"rounds"`
	CreatedAt time.Time                        `json:"created_at"`
}

// SnapshotManager stores and loads recovery snapshots. Warm restart is
// load latest snapshot, restore engine and ledgers, then replay events
// with sequence greater than the snapshot's.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// Save persists a snapshot. Re-snapshotting the same sequence replaces
// the stored copy.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO pusd.snapshots
			(snapshot_id, sequence, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $4
	`, uuid.New(), snap.Sequence, data, len(data), snap.CreatedAt)
	return err
}

// LoadLatest returns the most recent snapshot, or (nil, nil) when none
// exists and recovery must replay the log from the start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM pusd.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all snapshots older than the newest keep copies.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM pusd.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM pusd.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	return err
}

// Package metastore records every ring the coordinator commits, so the
// history of membership changes survives a coordinator restart.
package metastore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSnapshot is returned by Latest on an empty journal.
var ErrNoSnapshot = errors.New("no ring snapshot recorded")

// Reason tells why a ring was committed.
type Reason string

const (
	ReasonJoin     Reason = "join"
	ReasonLeave    Reason = "leave"
	ReasonLost     Reason = "lost"
	ReasonTransfer Reason = "transfer"
)

// Snapshot is one committed ring.
type Snapshot struct {
	Version     int64     `json:"version"`
	OperationID string    `json:"operation_id"`
	Reason      Reason    `json:"reason"`
	Node        string    `json:"node"`
	Ring        string    `json:"ring"`
	Members     int       `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
}

// RingJournal is an append-only log of ring snapshots.
type RingJournal interface {
	Record(ctx context.Context, snap Snapshot) error
	Latest(ctx context.Context) (*Snapshot, error)
	History(ctx context.Context, limit int) ([]Snapshot, error)
	Close()
}

// MemoryJournal keeps snapshots in process.
type MemoryJournal struct {
	mu        sync.RWMutex
	snapshots []Snapshot
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Record(_ context.Context, snap Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	j.snapshots = append(j.snapshots, snap)
	return nil
}

func (j *MemoryJournal) Latest(context.Context) (*Snapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.snapshots) == 0 {
		return nil, ErrNoSnapshot
	}
	snap := j.snapshots[len(j.snapshots)-1]
	return &snap, nil
}

// History returns up to limit snapshots, newest first.
func (j *MemoryJournal) History(_ context.Context, limit int) ([]Snapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Snapshot, 0, limit)
	for i := len(j.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.snapshots[i])
	}
	return out, nil
}

func (j *MemoryJournal) Close() {}

// Package repository holds the metadata index: one row per accepted chunk
// plus the single versioned active-network row. All durable dispatcher and
// ingest state lives here; request handlers keep no mutable state of their
// own.
package repository

import (
	"context"
	"time"
)

// Status is the lifecycle state of an index entry. Transitions are one-way:
// pending -> committed -> orphaned -> tombstoned. A tombstoned entry is never
// resurrected.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusOrphaned   Status = "orphaned"
	StatusTombstoned Status = "tombstoned"
)

// validTransitions maps a status to the statuses it may move to.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusCommitted},
	StatusCommitted:  {StatusOrphaned},
	StatusOrphaned:   {StatusTombstoned},
	StatusTombstoned: {},
}

// TransitionAllowed reports whether from -> to is a legal status change.
func TransitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IndexEntry is one metadata-index row referencing a chunk in the object
// store.
type IndexEntry struct {
	ID         string
	SessionID  string
	Version    uint32
	StorageKey string
	DedupToken string
	CreatedAt  time.Time
	Status     Status
	// OrphanReason records the mismatch kind found by the reconciler
	// (missing, wrong-length, version-mismatched, undecodable). Empty
	// unless Status is orphaned or tombstoned.
	OrphanReason string
}

// NetworkInfo is the single versioned "current best network" row. It is read
// on every dispatcher request rather than cached without a freshness check.
type NetworkInfo struct {
	// ID is the sha256 hex digest of the active network weights.
	ID string
	// SessionID changes whenever the active network or its generation
	// parameters change; uploads echo it and stale ones are rejected.
	SessionID string
	// Revision increments on every SetActiveNetwork.
	Revision int64
	// MinClientVersion is the oldest client version still accepted.
	MinClientVersion int
	UpdatedAt        time.Time
}

// IndexRepository is the metadata index. Implementations serialize concurrent
// writers through their own concurrency control (row locks or a mutex); no
// application-level locking is layered on top.
type IndexRepository interface {
	// InsertCommitted inserts a fresh committed entry. Returns
	// *griderrors.ErrAlreadyExists if the dedup token was seen before.
	InsertCommitted(ctx context.Context, entry *IndexEntry) error

	// DedupSeen reports whether a dedup token has been recorded. A cheap
	// pre-check only; InsertCommitted's uniqueness guarantee is
	// authoritative.
	DedupSeen(ctx context.Context, token string) (bool, error)

	// Get returns *griderrors.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*IndexEntry, error)

	// ListByStatus returns up to limit entries with the given status,
	// oldest first. limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*IndexEntry, error)

	// ReferencedKeys returns every storage key referenced by any
	// non-tombstoned entry. The reconciler diffs this against the store.
	ReferencedKeys(ctx context.Context) (map[string]bool, error)

	// MarkOrphaned transitions a committed entry to orphaned, recording
	// the mismatch kind. Idempotent for already-orphaned entries.
	MarkOrphaned(ctx context.Context, id string, reason string) error

	// MarkTombstoned transitions an orphaned entry to tombstoned.
	MarkTombstoned(ctx context.Context, id string) error

	// PurgeTombstoned deletes tombstoned rows and returns them so the
	// caller can delete the referenced objects.
	PurgeTombstoned(ctx context.Context) ([]*IndexEntry, error)

	// CountByStatus returns entry counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// CommittedSince counts committed entries created after since. The
	// dispatcher uses it as its backlog probe.
	CommittedSince(ctx context.Context, since time.Time) (int64, error)

	GetActiveNetwork(ctx context.Context) (*NetworkInfo, error)
	SetActiveNetwork(ctx context.Context, info *NetworkInfo) error
}

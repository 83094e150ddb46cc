package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/traingrid/traingrid/internal/common/griderrors"
)

// InMemoryIndexRepository implements IndexRepository with mutex-guarded maps.
// Used by tests and single-node development runs; semantics match the
// postgres implementation exactly.
type InMemoryIndexRepository struct {
	mu          sync.Mutex
	entries     map[string]*IndexEntry
	dedupTokens map[string]bool
	network     *NetworkInfo
}

func NewInMemoryIndexRepository() *InMemoryIndexRepository {
	return &InMemoryIndexRepository{
		entries:     map[string]*IndexEntry{},
		dedupTokens: map[string]bool{},
	}
}

func (r *InMemoryIndexRepository) InsertCommitted(_ context.Context, entry *IndexEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.DedupToken != "" && r.dedupTokens[entry.DedupToken] {
		return errors.WithStack(&griderrors.ErrAlreadyExists{
			Type:  "dedup token",
			Value: entry.DedupToken,
		})
	}
	if _, exists := r.entries[entry.ID]; exists {
		return errors.WithStack(&griderrors.ErrAlreadyExists{
			Type:  "index entry",
			Value: entry.ID,
		})
	}

	stored := *entry
	stored.Status = StatusCommitted
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.entries[entry.ID] = &stored
	if entry.DedupToken != "" {
		r.dedupTokens[entry.DedupToken] = true
	}
	return nil
}

func (r *InMemoryIndexRepository) DedupSeen(_ context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dedupTokens[token], nil
}

func (r *InMemoryIndexRepository) Get(_ context.Context, id string) (*IndexEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "index entry", Value: id})
	}
	copied := *entry
	return &copied, nil
}

func (r *InMemoryIndexRepository) ListByStatus(_ context.Context, status Status, limit int) ([]*IndexEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := []*IndexEntry{}
	for _, entry := range r.entries {
		if entry.Status == status {
			copied := *entry
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *InMemoryIndexRepository) ReferencedKeys(_ context.Context) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := map[string]bool{}
	for _, entry := range r.entries {
		if entry.Status != StatusTombstoned {
			keys[entry.StorageKey] = true
		}
	}
	return keys, nil
}

func (r *InMemoryIndexRepository) MarkOrphaned(_ context.Context, id string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "index entry", Value: id})
	}
	if entry.Status == StatusOrphaned {
		return nil
	}
	if !TransitionAllowed(entry.Status, StatusOrphaned) {
		return errors.WithStack(&griderrors.ErrInvalidStatusTransition{
			ID:   id,
			From: string(entry.Status),
			To:   string(StatusOrphaned),
		})
	}
	entry.Status = StatusOrphaned
	entry.OrphanReason = reason
	return nil
}

func (r *InMemoryIndexRepository) MarkTombstoned(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "index entry", Value: id})
	}
	if entry.Status == StatusTombstoned {
		return nil
	}
	if !TransitionAllowed(entry.Status, StatusTombstoned) {
		return errors.WithStack(&griderrors.ErrInvalidStatusTransition{
			ID:   id,
			From: string(entry.Status),
			To:   string(StatusTombstoned),
		})
	}
	entry.Status = StatusTombstoned
	return nil
}

func (r *InMemoryIndexRepository) PurgeTombstoned(_ context.Context) ([]*IndexEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := []*IndexEntry{}
	for id, entry := range r.entries {
		if entry.Status == StatusTombstoned {
			copied := *entry
			purged = append(purged, &copied)
			delete(r.entries, id)
		}
	}
	return purged, nil
}

func (r *InMemoryIndexRepository) CountByStatus(_ context.Context) (map[Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[Status]int64{}
	for _, entry := range r.entries {
		counts[entry.Status]++
	}
	return counts, nil
}

func (r *InMemoryIndexRepository) CommittedSince(_ context.Context, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for _, entry := range r.entries {
		if entry.Status == StatusCommitted && entry.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *InMemoryIndexRepository) GetActiveNetwork(_ context.Context) (*NetworkInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.network == nil {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "network", Value: "active"})
	}
	copied := *r.network
	return &copied, nil
}

func (r *InMemoryIndexRepository) SetActiveNetwork(_ context.Context, info *NetworkInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *info
	if r.network != nil {
		copied.Revision = r.network.Revision + 1
	} else {
		copied.Revision = 1
	}
	copied.UpdatedAt = time.Now()
	r.network = &copied
	return nil
}

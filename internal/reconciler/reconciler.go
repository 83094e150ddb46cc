// Package reconciler repairs the drift between the metadata index and the
// object store that the ingest path's two independent writes can produce.
// Zombie objects (stored, unindexed) are deleted after a grace window; ghost
// entries (committed, object missing or invalid) are marked orphaned, never
// deleted, so consumers can skip them and operators can audit them.
package reconciler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/server/objectstore"
	"github.com/traingrid/traingrid/internal/server/repository"
	"github.com/traingrid/traingrid/pkg/codec"
)

// Mismatch kinds recorded on orphaned entries.
const (
	MismatchMissing     = "missing"
	MismatchWrongLength = "wrong-length"
	MismatchVersion     = "version-mismatched"
	MismatchUndecodable = "undecodable"
)

var (
	zombiesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_reconciler_zombies_deleted_total",
		Help: "Unindexed objects deleted by the zombie sweep",
	})
	ghostsOrphaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traingrid_reconciler_ghosts_orphaned_total",
		Help: "Committed entries marked orphaned by the ghost sweep, by mismatch kind",
	}, []string{"kind"})
)

type Config struct {
	// Interval between sweep cycles.
	Interval time.Duration
	// GraceWindow protects young objects from the zombie sweep so an
	// in-flight ingest between its two writes is never raced.
	GraceWindow time.Duration
	// DeepVerify additionally decodes the first record of each verified
	// object. Costs a read per entry.
	DeepVerify bool
}

type Reconciler struct {
	index repository.IndexRepository
	store objectstore.ObjectStore
	cfg   Config
}

func New(index repository.IndexRepository, store objectstore.ObjectStore, cfg Config) *Reconciler {
	return &Reconciler{index: index, store: store, cfg: cfg}
}

// RunOnce performs one full cycle: zombie sweep then ghost sweep. Sweep
// errors are logged and the loop continues; a failing store must not wedge
// the reconciler.
func (r *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()

	deleted, err := r.SweepZombies(ctx)
	if err != nil {
		log.WithError(err).Warn("zombie sweep finished with errors")
	}
	orphaned, err := r.SweepGhosts(ctx)
	if err != nil {
		log.WithError(err).Warn("ghost sweep finished with errors")
	}

	log.Infof("reconciliation cycle finished in %s: %d zombies deleted, %d ghosts orphaned",
		time.Since(start), deleted, orphaned)
}

// SweepZombies deletes stored objects that no index entry references,
// skipping anything younger than the grace window. Idempotent: a second run
// with no intervening writes deletes nothing.
func (r *Reconciler) SweepZombies(ctx context.Context) (int, error) {
	keys, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	referenced, err := r.index.ReferencedKeys(ctx)
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	deleted := 0
	cutoff := time.Now().Add(-r.cfg.GraceWindow)
	for _, key := range keys {
		if referenced[key] {
			continue
		}
		info, err := r.store.Head(ctx, key)
		if err != nil {
			var notFound *griderrors.ErrNotFound
			if errors.As(err, &notFound) {
				// Deleted since List; nothing to do.
				continue
			}
			result = multierror.Append(result, err)
			continue
		}
		if info.ModTime.After(cutoff) {
			// Possibly an ingest between its object write and index
			// insert; leave it for a later sweep.
			continue
		}
		if err := r.store.Delete(ctx, key); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		zombiesDeleted.Inc()
		deleted++
		log.Infof("deleted zombie object %s (age %s)", key, time.Since(info.ModTime).Round(time.Second))
	}
	return deleted, result.ErrorOrNil()
}

// SweepGhosts verifies every committed entry's object and marks failures
// orphaned with the specific mismatch kind. Never deletes anything.
// Idempotent: verified entries stay committed, orphaned entries are not
// revisited.
func (r *Reconciler) SweepGhosts(ctx context.Context) (int, error) {
	entries, err := r.index.ListByStatus(ctx, repository.StatusCommitted, 0)
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	orphaned := 0
	for _, entry := range entries {
		kind, err := r.verify(ctx, entry)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if kind == "" {
			continue
		}
		log.Warnf("index entry %s failed verification (%s), marking orphaned", entry.ID, kind)
		if err := r.index.MarkOrphaned(ctx, entry.ID, kind); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		ghostsOrphaned.WithLabelValues(kind).Inc()
		orphaned++
	}
	return orphaned, result.ErrorOrNil()
}

// verify returns the mismatch kind for a committed entry, or "" when the
// referenced object checks out. A non-nil error means verification itself
// failed (e.g. the store was unreachable) and nothing should be concluded.
func (r *Reconciler) verify(ctx context.Context, entry *repository.IndexEntry) (string, error) {
	size, err := codec.RecordSize(entry.Version)
	if err != nil {
		return MismatchVersion, nil
	}

	info, err := r.store.Head(ctx, entry.StorageKey)
	if err != nil {
		var notFound *griderrors.ErrNotFound
		if errors.As(err, &notFound) {
			return MismatchMissing, nil
		}
		return "", err
	}
	if info.Size == 0 || info.Size%int64(size) != 0 {
		return MismatchWrongLength, nil
	}

	if r.cfg.DeepVerify {
		data, err := r.store.Get(ctx, entry.StorageKey)
		if err != nil {
			var notFound *griderrors.ErrNotFound
			if errors.As(err, &notFound) {
				return MismatchMissing, nil
			}
			return "", err
		}
		record, err := codec.Decode(data[:size])
		if err != nil {
			return MismatchUndecodable, nil
		}
		if record.Version != entry.Version {
			return MismatchVersion, nil
		}
	}
	return "", nil
}

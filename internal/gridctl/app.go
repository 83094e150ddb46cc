// Package gridctl implements the operator tool behind the gridctl binary. It
// talks straight to the chunk index and the stores; there is no control-plane
// API on the server.
package gridctl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/server/objectstore"
	"github.com/traingrid/traingrid/internal/server/repository"
)

type Params struct {
	// Postgres is the chunk index connection string.
	Postgres string
	// ObjectStoreDir is the chunk object store root, needed by purge.
	ObjectStoreDir string
	// NetworkDir holds distributable network weights files, needed by
	// set-network.
	NetworkDir string
}

type App struct {
	Params *Params
	Out    io.Writer

	// Index overrides the postgres connection; useful for testing.
	Index repository.IndexRepository
}

func New() *App {
	return &App{Params: &Params{}, Out: os.Stdout}
}

// Stats prints entry counts per index status.
func (a *App) Stats(ctx context.Context) error {
	index, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	counts, err := index.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []repository.Status{
		repository.StatusPending,
		repository.StatusCommitted,
		repository.StatusOrphaned,
		repository.StatusTombstoned,
	} {
		fmt.Fprintf(a.Out, "%-12s %d\n", status, counts[status])
	}
	return nil
}

// ListOrphans prints entries the reconciler has flagged, with the mismatch
// that got them flagged.
func (a *App) ListOrphans(ctx context.Context, limit int) error {
	index, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	entries, err := index.ListByStatus(ctx, repository.StatusOrphaned, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "no orphaned entries")
		return nil
	}
	fmt.Fprintf(a.Out, "%-38s %-22s %-20s %s\n", "ID", "REASON", "CREATED", "SESSION")
	for _, entry := range entries {
		fmt.Fprintf(a.Out, "%-38s %-22s %-20s %s\n",
			entry.ID, entry.OrphanReason, entry.CreatedAt.Format("2006-01-02 15:04:05"), entry.SessionID)
	}
	return nil
}

// TombstoneOrphans moves orphaned entries to tombstoned, the terminal state
// ahead of purge. Orphans are kept around for inspection until an operator
// decides their data is not recoverable.
func (a *App) TombstoneOrphans(ctx context.Context) error {
	index, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	entries, err := index.ListByStatus(ctx, repository.StatusOrphaned, 0)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := index.MarkTombstoned(ctx, entry.ID); err != nil {
			return err
		}
	}
	fmt.Fprintf(a.Out, "tombstoned %d entries\n", len(entries))
	return nil
}

// Purge removes tombstoned index entries and whatever remains of their
// objects.
func (a *App) Purge(ctx context.Context) error {
	index, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	store, err := objectstore.NewFilesystemStore(a.Params.ObjectStoreDir)
	if err != nil {
		return err
	}

	purged, err := index.PurgeTombstoned(ctx)
	if err != nil {
		return err
	}
	for _, entry := range purged {
		if err := store.Delete(ctx, entry.StorageKey); err != nil {
			var notFound *griderrors.ErrNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return err
		}
	}
	fmt.Fprintf(a.Out, "purged %d entries\n", len(purged))
	return nil
}

// SetNetwork installs a weights file as the active network and rolls the
// generation session. Workers pick the new network up on their next task
// request; uploads for the old session are rejected from this point on.
func (a *App) SetNetwork(ctx context.Context, weightsPath, sessionID string, minClientVersion int) error {
	index, closeIndex, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	weights, err := os.ReadFile(weightsPath)
	if err != nil {
		return errors.WithStack(err)
	}
	sum := sha256.Sum256(weights)
	networkID := hex.EncodeToString(sum[:])

	networks, err := objectstore.NewFilesystemStore(a.Params.NetworkDir)
	if err != nil {
		return err
	}
	if err := networks.Put(ctx, networkID, weights); err != nil {
		var exists *griderrors.ErrAlreadyExists
		if !errors.As(err, &exists) {
			return err
		}
	}

	if err := index.SetActiveNetwork(ctx, &repository.NetworkInfo{
		ID:               networkID,
		SessionID:        sessionID,
		MinClientVersion: minClientVersion,
	}); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "active network %s, session %s\n", networkID, sessionID)
	return nil
}

func (a *App) openIndex(ctx context.Context) (repository.IndexRepository, func(), error) {
	if a.Index != nil {
		return a.Index, func() {}, nil
	}
	if a.Params.Postgres == "" {
		return nil, nil, errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "postgres",
			Value:   "",
			Message: "a connection string is required",
		})
	}
	db, err := pgxpool.Connect(ctx, a.Params.Postgres)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	index, err := repository.NewPostgresIndexRepository(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return index, db.Close, nil
}

package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traingrid/traingrid/internal/server/objectstore"
	"github.com/traingrid/traingrid/internal/server/repository"
	"github.com/traingrid/traingrid/pkg/codec"
)

func TestZombieSweepDeletesOnlyUnreferencedObjects(t *testing.T) {
	index, store, rec := newReconciler(t, Config{GraceWindow: 0})
	ctx := context.Background()

	commitChunk(t, index, store, "chunk-1", 2)
	// A zombie: stored but never indexed, as left by a crash between the
	// object write and the index insert.
	require.NoError(t, store.Put(ctx, "zombie-1", encodeRecords(t, 1)))

	deleted, err := rec.SweepZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "zombie-1")
	assert.Error(t, err)

	// The referenced object is untouched.
	_, err = store.Get(ctx, "chunk-1")
	assert.NoError(t, err)
}

func TestZombieSweepHonorsGraceWindow(t *testing.T) {
	_, store, rec := newReconciler(t, Config{GraceWindow: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "young-zombie", encodeRecords(t, 1)))

	deleted, err := rec.SweepZombies(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = store.Get(ctx, "young-zombie")
	assert.NoError(t, err)
}

func TestGhostSweepMarksMissingObjectOrphaned(t *testing.T) {
	index, store, rec := newReconciler(t, Config{})
	ctx := context.Background()

	commitChunk(t, index, store, "chunk-1", 1)
	commitChunk(t, index, store, "chunk-2", 1)
	require.NoError(t, store.Delete(ctx, "chunk-2"))

	orphaned, err := rec.SweepGhosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphaned)

	entry := getEntry(t, index, "chunk-2")
	assert.Equal(t, repository.StatusOrphaned, entry.Status)
	assert.Equal(t, MismatchMissing, entry.OrphanReason)

	// The healthy entry is untouched.
	assert.Equal(t, repository.StatusCommitted, getEntry(t, index, "chunk-1").Status)
}

func TestGhostSweepMismatchKinds(t *testing.T) {
	tests := map[string]struct {
		corrupt  func(t *testing.T, index *repository.InMemoryIndexRepository, store *objectstore.FilesystemStore)
		expected string
	}{
		"wrong length": {
			corrupt: func(t *testing.T, index *repository.InMemoryIndexRepository, store *objectstore.FilesystemStore) {
				require.NoError(t, store.Delete(context.Background(), "chunk-1"))
				require.NoError(t, store.Put(context.Background(), "chunk-1", []byte("short")))
			},
			expected: MismatchWrongLength,
		},
		"version unknown to codec": {
			corrupt: func(t *testing.T, index *repository.InMemoryIndexRepository, store *objectstore.FilesystemStore) {
				require.NoError(t, index.InsertCommitted(context.Background(), &repository.IndexEntry{
					ID:         "chunk-99",
					SessionID:  "session-1",
					Version:    99,
					StorageKey: "chunk-1",
					DedupToken: "token-99",
				}))
			},
			expected: MismatchVersion,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			index, store, rec := newReconciler(t, Config{})
			commitChunk(t, index, store, "chunk-1", 1)
			tc.corrupt(t, index, store)

			_, err := rec.SweepGhosts(context.Background())
			require.NoError(t, err)

			orphans, err := index.ListByStatus(context.Background(), repository.StatusOrphaned, 0)
			require.NoError(t, err)
			require.Len(t, orphans, 1)
			assert.Equal(t, tc.expected, orphans[0].OrphanReason)
		})
	}
}

func TestDeepVerifyCatchesUndecodableObjects(t *testing.T) {
	index, store, rec := newReconciler(t, Config{DeepVerify: true})
	ctx := context.Background()

	commitChunk(t, index, store, "chunk-1", 1)
	// Same length as a valid record, wrong version tag inside.
	size, err := codec.RecordSize(codec.VersionV6)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "chunk-1"))
	require.NoError(t, store.Put(ctx, "chunk-1", make([]byte, size)))

	orphaned, err := rec.SweepGhosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphaned)
	assert.Equal(t, MismatchUndecodable, getEntry(t, index, "chunk-1").OrphanReason)
}

func TestSweepsAreIdempotent(t *testing.T) {
	index, store, rec := newReconciler(t, Config{GraceWindow: 0})
	ctx := context.Background()

	commitChunk(t, index, store, "chunk-1", 1)
	commitChunk(t, index, store, "chunk-2", 1)
	require.NoError(t, store.Put(ctx, "zombie-1", encodeRecords(t, 1)))
	require.NoError(t, store.Delete(ctx, "chunk-2"))

	deleted, err := rec.SweepZombies(ctx)
	require.NoError(t, err)
	orphaned, err := rec.SweepGhosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, orphaned)

	// Second cycle with no intervening writes changes nothing.
	deleted, err = rec.SweepZombies(ctx)
	require.NoError(t, err)
	orphaned, err = rec.SweepGhosts(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Zero(t, orphaned)
}

func newReconciler(t *testing.T, cfg Config) (*repository.InMemoryIndexRepository, *objectstore.FilesystemStore, *Reconciler) {
	index := repository.NewInMemoryIndexRepository()
	store, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return index, store, New(index, store, cfg)
}

// commitChunk emulates a successful ingest: object written, then committed
// index entry inserted.
func commitChunk(t *testing.T, index repository.IndexRepository, store objectstore.ObjectStore, id string, records int) {
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, id, encodeRecords(t, records)))
	require.NoError(t, index.InsertCommitted(ctx, &repository.IndexEntry{
		ID:         id,
		SessionID:  "session-1",
		Version:    codec.VersionV6,
		StorageKey: id,
		DedupToken: "token-" + id,
	}))
}

func encodeRecords(t *testing.T, n int) []byte {
	var buf []byte
	for i := 0; i < n; i++ {
		record := &codec.TrainingRecord{Version: codec.VersionV6, Rule50: uint8(i)}
		encoded, err := codec.Encode(record)
		require.NoError(t, err)
		buf = append(buf, encoded...)
	}
	return buf
}

func getEntry(t *testing.T, index repository.IndexRepository, id string) *repository.IndexEntry {
	entry, err := index.Get(context.Background(), id)
	require.NoError(t, err)
	return entry
}

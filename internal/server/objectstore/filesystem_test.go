package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traingrid/traingrid/internal/common/griderrors"
)

func TestPutGetHead(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	data := []byte("chunk bytes")
	require.NoError(t, store.Put(ctx, "abcdef", data))

	got, err := store.Get(ctx, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := store.Head(ctx, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.False(t, info.ModTime.IsZero())
}

func TestPutIsWriteOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "abcdef", []byte("one")))

	err := store.Put(ctx, "abcdef", []byte("two"))
	var alreadyExists *griderrors.ErrAlreadyExists
	require.ErrorAs(t, err, &alreadyExists)

	// The original object is untouched.
	got, err := store.Get(ctx, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
}

func TestMissingKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var notFound *griderrors.ErrNotFound
	_, err := store.Get(ctx, "missing")
	assert.ErrorAs(t, err, &notFound)
	_, err = store.Head(ctx, "missing")
	assert.ErrorAs(t, err, &notFound)
	err = store.Delete(ctx, "missing")
	assert.ErrorAs(t, err, &notFound)
}

func TestInvalidKeys(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "a/b", "a\\b", ".."} {
		err := store.Put(ctx, key, []byte("x"))
		var invalid *griderrors.ErrInvalidArgument
		assert.ErrorAs(t, err, &invalid, "key %q", key)
	}
}

func TestListAndDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "aa11", []byte("one")))
	require.NoError(t, store.Put(ctx, "ab22", []byte("two")))
	require.NoError(t, store.Put(ctx, "zz33", []byte("three")))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aa11", "ab22", "zz33"}, keys)

	require.NoError(t, store.Delete(ctx, "ab22"))
	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aa11", "zz33"}, keys)
}

func newStore(t *testing.T) *FilesystemStore {
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return store
}

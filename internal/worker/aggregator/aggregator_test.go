package aggregator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traingrid/traingrid/pkg/codec"
)

func TestAppendAndSeal(t *testing.T) {
	agg := newAggregator(t, Config{FlushRecords: 100})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 2), "1. e4 e5 *"))
	require.NoError(t, agg.Append(encodedRecords(t, 1), "1. d4 d5 *"))

	chunk, err := agg.Seal()
	require.NoError(t, err)
	assert.Equal(t, "session-1", chunk.Meta.SessionID)
	assert.Equal(t, "aabbcc", chunk.Meta.NetworkID)

	records, err := chunk.Records()
	require.NoError(t, err)
	size, err := codec.RecordSize(codec.VersionV6)
	require.NoError(t, err)
	assert.Len(t, records, 3*size)

	pgn, err := chunk.PGN()
	require.NoError(t, err)
	assert.Contains(t, pgn, "1. e4 e5 *")
	assert.Contains(t, pgn, "1. d4 d5 *")
}

func TestFlushThresholds(t *testing.T) {
	agg := newAggregator(t, Config{FlushRecords: 2})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	assert.False(t, agg.ShouldFlush())

	require.NoError(t, agg.Append(encodedRecords(t, 1), ""))
	assert.False(t, agg.ShouldFlush())

	require.NoError(t, agg.Append(encodedRecords(t, 1), ""))
	assert.True(t, agg.ShouldFlush())
}

func TestFlushAge(t *testing.T) {
	agg := newAggregator(t, Config{FlushRecords: 100, FlushAge: time.Millisecond})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 1), ""))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, agg.ShouldFlush())
}

func TestAbortDiscardsOpenChunkOnly(t *testing.T) {
	agg := newAggregator(t, Config{FlushRecords: 100})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 2), ""))
	sealed, err := agg.Seal()
	require.NoError(t, err)

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 1), ""))
	agg.Abort()

	records, err := sealed.Records()
	require.NoError(t, err)
	size, err := codec.RecordSize(codec.VersionV6)
	require.NoError(t, err)
	assert.Len(t, records, 2*size)

	_, err = agg.Seal()
	assert.Error(t, err)
}

func TestSealedChunksSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	agg := newAggregatorAt(t, dir, Config{FlushRecords: 100})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 2), "1. e4 *"))
	sealed, err := agg.Seal()
	require.NoError(t, err)
	require.NoError(t, agg.Close())

	restarted := newAggregatorAt(t, dir, Config{FlushRecords: 100})
	chunks, err := restarted.Recover()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, sealed.ID, chunks[0].ID)
	assert.Equal(t, "session-1", chunks[0].Meta.SessionID)

	records, err := chunks[0].Records()
	require.NoError(t, err)
	size, err := codec.RecordSize(codec.VersionV6)
	require.NoError(t, err)
	assert.Len(t, records, 2*size)
}

func TestRecoverSalvagesCompleteRecordsFromOpenChunk(t *testing.T) {
	dir := t.TempDir()
	agg := newAggregatorAt(t, dir, Config{FlushRecords: 100})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 2), ""))

	// Simulate a torn write from a crash mid-append.
	f, err := os.OpenFile(filepath.Join(agg.openDir, recordsFile), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, agg.Close())

	restarted := newAggregatorAt(t, dir, Config{FlushRecords: 100})
	chunks, err := restarted.Recover()
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	records, err := chunks[0].Records()
	require.NoError(t, err)
	size, err := codec.RecordSize(codec.VersionV6)
	require.NoError(t, err)
	assert.Len(t, records, 2*size)
}

func TestRecoverDiscardsEmptyOpenChunk(t *testing.T) {
	dir := t.TempDir()
	agg := newAggregatorAt(t, dir, Config{FlushRecords: 100})
	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Close())

	restarted := newAggregatorAt(t, dir, Config{FlushRecords: 100})
	chunks, err := restarted.Recover()
	require.NoError(t, err)
	assert.Empty(t, chunks)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, entry.IsDir(), "chunk directory %s should have been discarded", entry.Name())
	}
}

func TestRemoveDeletesSealedChunk(t *testing.T) {
	dir := t.TempDir()
	agg := newAggregatorAt(t, dir, Config{FlushRecords: 100})

	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))
	require.NoError(t, agg.Append(encodedRecords(t, 1), ""))
	sealed, err := agg.Seal()
	require.NoError(t, err)
	require.NoError(t, agg.Remove(sealed))

	chunks, err := agg.Recover()
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSecondInstanceIsRejected(t *testing.T) {
	dir := t.TempDir()
	agg := newAggregatorAt(t, dir, Config{FlushRecords: 100})
	defer agg.Close()

	_, err := New(Config{Dir: dir, FlushRecords: 100})
	assert.Error(t, err)
}

func TestAppendRejectsPartialRecord(t *testing.T) {
	agg := newAggregator(t, Config{FlushRecords: 100})
	require.NoError(t, agg.Open("session-1", "aabbcc", codec.VersionV6))

	err := agg.Append([]byte{1, 2, 3}, "")
	assert.Error(t, err)
}

func newAggregator(t *testing.T, cfg Config) *Aggregator {
	return newAggregatorAt(t, t.TempDir(), cfg)
}

func newAggregatorAt(t *testing.T, dir string, cfg Config) *Aggregator {
	cfg.Dir = dir
	agg, err := New(cfg)
	require.NoError(t, err)
	return agg
}

func encodedRecords(t *testing.T, n int) []byte {
	record := &codec.TrainingRecord{
		Version:     codec.VersionV6,
		InputFormat: 1,
	}
	encoded, err := codec.Encode(record)
	require.NoError(t, err)

	out := []byte{}
	for i := 0; i < n; i++ {
		out = append(out, encoded...)
	}
	return out
}

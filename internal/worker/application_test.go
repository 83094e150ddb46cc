package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/worker/configuration"
	"github.com/traingrid/traingrid/internal/worker/engine"
	"github.com/traingrid/traingrid/pkg/api"
	"github.com/traingrid/traingrid/pkg/codec"
)

func TestRunUploadsChunkThenStopsOnUpgrade(t *testing.T) {
	grid := newFakeGrid(t)
	grid.upgradeAfterUploads = 1
	defer grid.Close()

	app := newApplication(t, grid, engine.NewSimulatedEngine(codec.VersionV6, 1))
	defer app.Close()

	err := app.Run(context.Background())
	require.Error(t, err)
	var upgrade *griderrors.ErrUpgradeRequired
	assert.ErrorAs(t, err, &upgrade)

	uploads := grid.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "session-1", uploads[0].sessionID)
	assert.Equal(t, grid.networkID, uploads[0].networkID)
	assert.NotEmpty(t, uploads[0].dedupToken)

	// Work sealed after the upgrade demand stays buffered for the next run.
	sealed := 0
	entries, err := os.ReadDir(app.cfg.BufferDir)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.IsDir() {
			sealed++
		}
	}
	assert.Equal(t, 1, sealed)
}

func TestRunStopsImmediatelyOnUpgradeDemand(t *testing.T) {
	grid := newFakeGrid(t)
	grid.upgradeNow = true
	defer grid.Close()

	app := newApplication(t, grid, engine.NewSimulatedEngine(codec.VersionV6, 1))
	defer app.Close()

	err := app.Run(context.Background())
	require.Error(t, err)
	var upgrade *griderrors.ErrUpgradeRequired
	assert.ErrorAs(t, err, &upgrade)

	assert.Empty(t, grid.Uploads())
	assert.Equal(t, 1, grid.Requests(), "no request may follow an upgrade demand")
}

func TestEngineFailureDiscardsOpenChunk(t *testing.T) {
	grid := newFakeGrid(t)
	defer grid.Close()

	ctx, cancel := context.WithCancel(context.Background())
	failing := &failOnceEngine{after: cancel}
	app := newApplication(t, grid, failing)
	defer app.Close()

	err := app.Run(ctx)
	require.NoError(t, err)

	assert.Empty(t, grid.Uploads())
	assertBufferEmpty(t, app)
}

func TestRecoveredChunkIsUploadedBeforeNewWork(t *testing.T) {
	grid := newFakeGrid(t)
	grid.upgradeAfterUploads = 1
	defer grid.Close()

	cfg := workerConfig(t, grid)
	seedBufferedChunk(t, cfg)

	app, err := NewApplication(cfg, engine.NewSimulatedEngine(codec.VersionV6, 1))
	require.NoError(t, err)
	defer app.Close()

	err = app.Run(context.Background())
	require.Error(t, err)

	uploads := grid.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "buffered-token", uploads[0].dedupToken,
		"the buffered chunk must go out before any new work is generated")
}

func TestRejectedChunkIsDroppedAndLoopContinues(t *testing.T) {
	grid := newFakeGrid(t)
	grid.rejectUploads = true
	defer grid.Close()

	ctx, cancel := context.WithCancel(context.Background())
	grid.onUpload = cancel

	app := newApplication(t, grid, engine.NewSimulatedEngine(codec.VersionV6, 1))
	defer app.Close()

	err := app.Run(ctx)
	require.NoError(t, err)
	assertBufferEmpty(t, app)
}

type uploadSeen struct {
	sessionID  string
	networkID  string
	dedupToken string
}

type fakeGrid struct {
	t         *testing.T
	server    *httptest.Server
	weights   []byte
	networkID string

	upgradeAfterUploads int
	rejectUploads       bool
	onUpload            func()

	mu         sync.Mutex
	upgradeNow bool
	requests   int
	uploads    []uploadSeen
}

func newFakeGrid(t *testing.T) *fakeGrid {
	weights := []byte("network weights")
	sum := sha256.Sum256(weights)
	grid := &fakeGrid{
		t:         t,
		weights:   weights,
		networkID: hex.EncodeToString(sum[:]),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/task", grid.handleTask)
	mux.HandleFunc("/api/v1/upload", grid.handleUpload)
	mux.HandleFunc("/api/v1/networks/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(grid.weights)
	})
	grid.server = httptest.NewServer(mux)
	return grid
}

func (g *fakeGrid) Close() { g.server.Close() }

func (g *fakeGrid) Uploads() []uploadSeen {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uploadSeen{}, g.uploads...)
}

func (g *fakeGrid) Requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

func (g *fakeGrid) handleTask(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.requests++
	upgrade := g.upgradeNow
	g.mu.Unlock()

	if upgrade {
		writeResponse(w, http.StatusUpgradeRequired, &api.UploadResponse{
			UpgradeRequired: true,
			Message:         "please upgrade",
		})
		return
	}
	writeResponse(w, http.StatusOK, &api.UploadResponse{NextTask: g.task()})
}

func (g *fakeGrid) handleUpload(w http.ResponseWriter, r *http.Request) {
	if g.onUpload != nil {
		defer g.onUpload()
	}

	g.mu.Lock()
	if g.upgradeNow {
		g.mu.Unlock()
		writeResponse(w, http.StatusUpgradeRequired, &api.UploadResponse{
			UpgradeRequired: true,
			Message:         "please upgrade",
		})
		return
	}
	g.mu.Unlock()

	if g.rejectUploads {
		writeResponse(w, http.StatusGone, &api.UploadResponse{Message: "session is no longer active"})
		return
	}

	require.NoError(g.t, r.ParseMultipartForm(64<<20))
	seen := uploadSeen{
		sessionID:  r.FormValue(api.FieldSession),
		networkID:  r.FormValue(api.FieldNetwork),
		dedupToken: r.FormValue(api.FieldDedupToken),
	}

	g.mu.Lock()
	g.uploads = append(g.uploads, seen)
	if g.upgradeAfterUploads > 0 && len(g.uploads) >= g.upgradeAfterUploads {
		g.upgradeNow = true
	}
	g.mu.Unlock()

	writeResponse(w, http.StatusOK, &api.UploadResponse{NextTask: g.task()})
}

func (g *fakeGrid) task() *api.TaskDescriptor {
	return &api.TaskDescriptor{
		TaskClass: api.TaskClassTrain,
		NetworkID: g.networkID,
		SessionID: "session-1",
	}
}

func writeResponse(w http.ResponseWriter, status int, response *api.UploadResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

type failOnceEngine struct {
	after func()
}

func (e *failOnceEngine) Play(ctx context.Context, networkPath string, params api.Params) (*engine.GameResult, error) {
	if e.after != nil {
		defer e.after()
	}
	return nil, errors.New("engine crashed")
}

func workerConfig(t *testing.T, grid *fakeGrid) configuration.WorkerConfig {
	return configuration.WorkerConfig{
		ServerURL:       grid.server.URL,
		ClientVersion:   21,
		MaxCodec:        codec.VersionV6,
		BufferDir:       t.TempDir(),
		NetworkCacheDir: t.TempDir(),
		FlushRecords:    1,
		RequestTimeout:  5 * time.Second,
		RetryBase:       time.Millisecond,
		MaxAttempts:     2,
		IdlePause:       time.Millisecond,
	}
}

func newApplication(t *testing.T, grid *fakeGrid, eng engine.Engine) *Application {
	app, err := NewApplication(workerConfig(t, grid), eng)
	require.NoError(t, err)
	return app
}

// seedBufferedChunk leaves a sealed chunk in the buffer directory, as if a
// previous run was interrupted before uploading it.
func seedBufferedChunk(t *testing.T, cfg configuration.WorkerConfig) {
	dir := filepath.Join(cfg.BufferDir, "sealed-buffered")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	meta, err := json.Marshal(map[string]interface{}{
		"session_id":    "session-1",
		"network_id":    "aabbcc",
		"codec_version": codec.VersionV6,
		"dedup_token":   "buffered-token",
		"created_at":    time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644))

	record, err := codec.Encode(&codec.TrainingRecord{Version: codec.VersionV6, InputFormat: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records.bin"), record, 0o644))
}

func assertBufferEmpty(t *testing.T, app *Application) {
	entries, err := os.ReadDir(app.cfg.BufferDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, entry.IsDir(), "buffer should hold no chunks, found %s", entry.Name())
	}
}

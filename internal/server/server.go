// Package server wires the dispatcher, ingest service and network
// distribution endpoint into one HTTP process. Handlers keep no mutable
// state; everything durable lives in the index and the object store, which
// serialize concurrent writers themselves.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/server/configuration"
	"github.com/traingrid/traingrid/internal/server/dispatcher"
	"github.com/traingrid/traingrid/internal/server/ingest"
	"github.com/traingrid/traingrid/internal/server/objectstore"
	"github.com/traingrid/traingrid/internal/server/repository"
	"github.com/traingrid/traingrid/pkg/api"
	"github.com/traingrid/traingrid/pkg/codec"
)

type Server struct {
	cfg        configuration.ServerConfig
	dispatcher *dispatcher.Dispatcher
	ingest     *ingest.Service
	networks   objectstore.ObjectStore
}

func New(cfg configuration.ServerConfig, index repository.IndexRepository) (*Server, error) {
	store, err := objectstore.NewFilesystemStore(cfg.ObjectStoreDir)
	if err != nil {
		return nil, err
	}
	var games objectstore.ObjectStore
	if cfg.GameStoreDir != "" {
		gameStore, err := objectstore.NewFilesystemStore(cfg.GameStoreDir)
		if err != nil {
			return nil, err
		}
		games = gameStore
	}
	networks, err := objectstore.NewFilesystemStore(cfg.NetworkDir)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher.New(index, cfg.Dispatcher),
		ingest:     ingest.NewService(index, store, games, cfg.MaxChunkBytes),
		networks:   networks,
	}, nil
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/task", s.handleTask)
	mux.HandleFunc("/api/v1/upload", s.handleUpload)
	mux.HandleFunc("/api/v1/networks/", s.handleNetwork)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ListenAndServe starts the API server. The returned shutdown function
// closes the listener.
func (s *Server) ListenAndServe() (*http.Server, func()) {
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(int(s.cfg.Port)),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("api server failed")
		}
	}()
	return httpServer, func() {
		if err := httpServer.Close(); err != nil {
			log.WithError(err).Warn("api server didn't close down cleanly")
		}
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request api.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "malformed task request", http.StatusBadRequest)
		return
	}

	task, err := s.dispatcher.NextTask(r.Context(), &request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &api.UploadResponse{NextTask: task})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	upload, request, err := s.parseUpload(r)
	if err != nil {
		log.WithError(err).Info("rejecting malformed upload")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.ingest.HandleUpload(r.Context(), upload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Duplicate {
		log.Infof("duplicate upload for token %s discarded", upload.DedupToken)
	}

	// Piggyback the next task on the acknowledgment to save a round trip.
	task, err := s.dispatcher.NextTask(r.Context(), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &api.UploadResponse{NextTask: task})
}

func (s *Server) parseUpload(r *http.Request) (*ingest.Upload, *api.TaskRequest, error) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return nil, nil, errors.Wrap(err, "parsing multipart body")
	}

	file, _, err := r.FormFile(api.FieldChunk)
	if err != nil {
		return nil, nil, errors.Wrap(err, "missing chunk field")
	}
	defer file.Close()
	chunk, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading chunk field")
	}

	clientVersion, err := strconv.Atoi(r.FormValue(api.FieldClientVersion))
	if err != nil {
		return nil, nil, errors.Errorf("malformed %s field", api.FieldClientVersion)
	}
	codecVersion, err := strconv.ParseUint(r.FormValue(api.FieldCodecVersion), 10, 32)
	if err != nil {
		return nil, nil, errors.Errorf("malformed %s field", api.FieldCodecVersion)
	}

	upload := &ingest.Upload{
		PGN:           r.FormValue(api.FieldPGN),
		Chunk:         chunk,
		SessionID:     r.FormValue(api.FieldSession),
		NetworkID:     r.FormValue(api.FieldNetwork),
		DedupToken:    r.FormValue(api.FieldDedupToken),
		ClientVersion: clientVersion,
		CodecVersion:  uint32(codecVersion),
	}
	request := &api.TaskRequest{
		ClientVersion: clientVersion,
		MaxCodec:      uint32(codecVersion),
		Fingerprint:   r.FormValue(api.FieldFingerprint),
	}
	return upload, request, nil
}

// handleNetwork serves network weights by content-addressed id. The worker
// verifies the digest after download, so integrity does not depend on this
// endpoint.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/networks/")
	data, err := s.networks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		log.WithError(err).Debugf("client dropped network download %s", id)
	}
}

// writeError maps the error taxonomy onto the wire: upgrade-required as the
// fatal body marker, stale identifiers as 410, format errors as 400,
// everything else as 500 so the client retries.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var upgrade *griderrors.ErrUpgradeRequired
	if errors.As(err, &upgrade) {
		writeJSON(w, http.StatusUpgradeRequired, &api.UploadResponse{
			UpgradeRequired: true,
			Message:         upgrade.Error(),
		})
		return
	}
	var stale *griderrors.ErrStaleVersion
	if errors.As(err, &stale) {
		http.Error(w, stale.Error(), http.StatusGone)
		return
	}
	var formatErr *codec.FormatError
	var unsupported *codec.UnsupportedVersionError
	var invalid *griderrors.ErrInvalidArgument
	if errors.As(err, &formatErr) || errors.As(err, &unsupported) || errors.As(err, &invalid) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var notFound *griderrors.ErrNotFound
	if errors.As(err, &notFound) {
		http.Error(w, notFound.Error(), http.StatusNotFound)
		return
	}
	log.WithError(err).Error("internal error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Debug("writing response body")
	}
}

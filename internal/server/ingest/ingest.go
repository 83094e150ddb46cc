// Package ingest implements the server side of the chunk upload path:
// receive -> validate -> write object -> insert index, in that order.
//
// The ordering is deliberate. Object storage is written first, so a crash
// between the two writes leaves a stored-but-unindexed object (a zombie:
// wasted space, harmless, swept later) instead of an indexed-but-missing
// entry (a ghost, which would break readers). No transaction spanning the two
// stores is attempted.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/compress"
	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/server/objectstore"
	"github.com/traingrid/traingrid/internal/server/repository"
	"github.com/traingrid/traingrid/pkg/codec"
)

var (
	acceptedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_ingest_chunks_accepted_total",
		Help: "Chunks accepted and committed to the index",
	})
	rejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traingrid_ingest_chunks_rejected_total",
		Help: "Chunks rejected before any write, by reason",
	}, []string{"reason"})
	duplicateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_ingest_chunks_duplicate_total",
		Help: "Uploads discarded because their dedup token was already seen",
	})
	recordsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_ingest_records_total",
		Help: "Training records accepted",
	})
)

// Upload is one parsed upload request. The transport layer extracts it from
// the multipart body; the service is transport-free.
type Upload struct {
	// PGN is the human-readable game record kept for audit and display.
	PGN string
	// Chunk is the gzip-wrapped concatenation of fixed-size records.
	Chunk []byte
	// SessionID and NetworkID echo the task descriptor's identifiers.
	SessionID string
	NetworkID string
	// DedupToken makes retried uploads idempotent.
	DedupToken string
	// ClientVersion is the worker's capability fingerprint.
	ClientVersion int
	// CodecVersion is the record format version of Chunk.
	CodecVersion uint32
}

// Result reports what a successful upload produced. Duplicate is set when
// the dedup token had been seen before; nothing was written in that case.
type Result struct {
	Entry     *repository.IndexEntry
	Records   int
	Duplicate bool
}

// defaultMaxChunkBytes bounds the decompressed chunk size when the caller
// does not. Generous for any sane flush interval, small enough that a
// malicious body cannot exhaust memory.
const defaultMaxChunkBytes = 256 << 20

// Service validates and persists uploaded chunks.
type Service struct {
	index repository.IndexRepository
	store objectstore.ObjectStore
	// games receives PGN audit records; it is a separate store root that
	// the reconciler does not sweep. May be nil to drop PGNs.
	games objectstore.ObjectStore

	maxChunkBytes int64
	decompressors sync.Pool
}

// NewService builds an ingest service. maxChunkBytes caps the decompressed
// chunk size; zero or negative selects a built-in ceiling. Chunks are never
// inflated without a bound: the compressed body is client-controlled and a
// tiny gzip stream can expand by orders of magnitude.
func NewService(index repository.IndexRepository, store objectstore.ObjectStore, games objectstore.ObjectStore, maxChunkBytes int64) *Service {
	if maxChunkBytes <= 0 {
		maxChunkBytes = defaultMaxChunkBytes
	}
	return &Service{
		index:         index,
		store:         store,
		games:         games,
		maxChunkBytes: maxChunkBytes,
		decompressors: sync.Pool{
			New: func() interface{} { return compress.NewBoundedGzipDecompressor(maxChunkBytes) },
		},
	}
}

// HandleUpload runs the full ingest protocol for one upload.
//
// Validation failures are returned before anything is written anywhere:
// stale session/network identifiers as *griderrors.ErrStaleVersion, outdated
// clients as *griderrors.ErrUpgradeRequired, malformed chunks as codec
// format errors.
func (s *Service) HandleUpload(ctx context.Context, upload *Upload) (*Result, error) {
	network, err := s.index.GetActiveNetwork(ctx)
	if err != nil {
		return nil, err
	}

	// Step 1: validate. Nothing below this block may precede a write.
	if upload.ClientVersion < network.MinClientVersion {
		rejectedCounter.WithLabelValues("upgrade_required").Inc()
		return nil, errors.WithStack(&griderrors.ErrUpgradeRequired{
			ClientVersion: upload.ClientVersion,
			MinVersion:    network.MinClientVersion,
		})
	}
	if upload.SessionID != network.SessionID {
		rejectedCounter.WithLabelValues("stale_session").Inc()
		return nil, errors.WithStack(&griderrors.ErrStaleVersion{
			Field:   "session",
			Got:     upload.SessionID,
			Current: network.SessionID,
		})
	}
	if upload.NetworkID != network.ID {
		rejectedCounter.WithLabelValues("stale_network").Inc()
		return nil, errors.WithStack(&griderrors.ErrStaleVersion{
			Field:   "network",
			Got:     upload.NetworkID,
			Current: network.ID,
		})
	}

	raw, err := s.decompress(upload.Chunk)
	if err != nil {
		var tooLarge *compress.MaxSizeExceededError
		if errors.As(err, &tooLarge) {
			rejectedCounter.WithLabelValues("too_large").Inc()
			return nil, errors.WithStack(&griderrors.ErrInvalidArgument{
				Name:    "chunk",
				Value:   len(upload.Chunk),
				Message: tooLarge.Error(),
			})
		}
		rejectedCounter.WithLabelValues("bad_compression").Inc()
		return nil, err
	}
	records, err := codec.SplitChunk(raw, upload.CodecVersion)
	if err != nil {
		rejectedCounter.WithLabelValues("bad_format").Inc()
		return nil, err
	}

	// Cheap duplicate check; the insert's unique constraint is the
	// authoritative one and closes the race.
	if upload.DedupToken != "" {
		seen, err := s.index.DedupSeen(ctx, upload.DedupToken)
		if err != nil {
			return nil, err
		}
		if seen {
			duplicateCounter.Inc()
			return &Result{Duplicate: true}, nil
		}
	}

	id := uuid.NewString()
	entry := &repository.IndexEntry{
		ID:         id,
		SessionID:  upload.SessionID,
		Version:    upload.CodecVersion,
		StorageKey: id,
		DedupToken: upload.DedupToken,
		CreatedAt:  time.Now(),
	}

	// Step 2: object storage first.
	if err := s.store.Put(ctx, entry.StorageKey, raw); err != nil {
		return nil, err
	}

	// Step 3: index insert. On failure the object above becomes a zombie
	// and is swept by the reconciler; it is never referenced.
	if err := s.index.InsertCommitted(ctx, entry); err != nil {
		var alreadyExists *griderrors.ErrAlreadyExists
		if errors.As(err, &alreadyExists) {
			// A concurrent retry of the same upload won. Drop our
			// unindexed object; if the delete fails too, the zombie
			// sweep picks it up.
			if deleteErr := s.store.Delete(ctx, entry.StorageKey); deleteErr != nil {
				log.WithError(deleteErr).Warnf("could not remove duplicate object %s, leaving it for the zombie sweep", entry.StorageKey)
			}
			duplicateCounter.Inc()
			return &Result{Duplicate: true}, nil
		}
		return nil, err
	}

	s.storeGameRecord(ctx, id, upload.PGN)

	acceptedCounter.Inc()
	recordsCounter.Add(float64(len(records)))
	log.WithField("chunk", id).Infof("accepted %d records of version %d from session %s",
		len(records), upload.CodecVersion, upload.SessionID)
	return &Result{Entry: entry, Records: len(records)}, nil
}

// storeGameRecord persists the PGN audit record. Failures are logged, not
// returned: the chunk is already committed and the audit copy is best effort.
func (s *Service) storeGameRecord(ctx context.Context, id string, pgn string) {
	if s.games == nil || pgn == "" {
		return
	}
	if err := s.games.Put(ctx, id+".pgn", []byte(pgn)); err != nil {
		log.WithError(err).Warnf("could not store game record for chunk %s", id)
	}
}

func (s *Service) decompress(chunk []byte) ([]byte, error) {
	d := s.decompressors.Get().(*compress.GzipDecompressor)
	defer s.decompressors.Put(d)
	return d.Decompress(chunk)
}

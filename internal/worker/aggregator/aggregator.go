// Package aggregator is the worker's local chunk buffer. Completed records
// are appended to an open chunk on disk; the chunk is sealed for upload when
// it reaches a size threshold or an age threshold. Sealed chunks survive
// process restarts and are re-queued on startup, so an upload outage never
// loses completed work. Aborting a task discards only the open chunk.
package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/pkg/codec"
)

const (
	openPrefix   = "open-"
	sealedPrefix = "sealed-"

	metaFile    = "meta.json"
	recordsFile = "records.bin"
	pgnFile     = "games.pgn"
)

type Config struct {
	// Dir is the buffer directory, exclusive to one worker instance.
	Dir string
	// FlushRecords seals the open chunk once it holds this many records.
	FlushRecords int
	// FlushAge seals the open chunk once it is this old, so a slow trickle
	// of games still gets uploaded.
	FlushAge time.Duration
}

// Meta is the envelope stored next to each chunk's records.
type Meta struct {
	SessionID    string    `json:"session_id"`
	NetworkID    string    `json:"network_id"`
	CodecVersion uint32    `json:"codec_version"`
	DedupToken   string    `json:"dedup_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chunk is a sealed chunk ready for upload.
type Chunk struct {
	ID   string
	Meta Meta
	dir  string
}

// Records reads the chunk's raw record bytes.
func (c *Chunk) Records() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, recordsFile))
	return data, errors.WithStack(err)
}

// PGN reads the chunk's accumulated game records.
func (c *Chunk) PGN() (string, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, pgnFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	return string(data), errors.WithStack(err)
}

type Aggregator struct {
	cfg  Config
	lock *flock.Flock

	openDir     string
	openMeta    Meta
	openRecords int
}

// New acquires the buffer directory. A second worker instance pointed at the
// same directory fails fast instead of corrupting the buffer.
func New(cfg Config) (*Aggregator, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	lock := flock.New(filepath.Join(cfg.Dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !locked {
		return nil, errors.WithStack(&griderrors.ErrAlreadyExists{
			Type:    "buffer directory lock",
			Value:   cfg.Dir,
			Message: "another worker instance is using this buffer",
		})
	}
	return &Aggregator{cfg: cfg, lock: lock}, nil
}

func (a *Aggregator) Close() error {
	return errors.WithStack(a.lock.Unlock())
}

// Recover scans the buffer after a restart. Sealed chunks are returned for
// upload. An open chunk left behind by a crash is salvaged: complete records
// survive (a torn tail write is truncated away), empty chunks are discarded.
func (a *Aggregator) Recover() ([]*Chunk, error) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	chunks := []*Chunk{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, sealedPrefix):
			chunk, err := a.loadChunk(name)
			if err != nil {
				log.WithError(err).Warnf("discarding unreadable sealed chunk %s", name)
				a.discard(name)
				continue
			}
			chunks = append(chunks, chunk)
		case strings.HasPrefix(name, openPrefix):
			salvaged, err := a.salvageOpen(name)
			if err != nil {
				log.WithError(err).Warnf("discarding unsalvageable open chunk %s", name)
				a.discard(name)
				continue
			}
			if salvaged != nil {
				chunks = append(chunks, salvaged)
			}
		}
	}
	return chunks, nil
}

// Open starts a fresh open chunk for a task. Only one open chunk exists at a
// time.
func (a *Aggregator) Open(sessionID, networkID string, codecVersion uint32) error {
	if a.openDir != "" {
		return errors.WithStack(&griderrors.ErrAlreadyExists{
			Type:  "open chunk",
			Value: a.openDir,
		})
	}
	id := uuid.NewString()
	dir := filepath.Join(a.cfg.Dir, openPrefix+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	meta := Meta{
		SessionID:    sessionID,
		NetworkID:    networkID,
		CodecVersion: codecVersion,
		DedupToken:   id,
		CreatedAt:    time.Now(),
	}
	if err := writeMeta(dir, &meta); err != nil {
		return err
	}
	a.openDir = dir
	a.openMeta = meta
	a.openRecords = 0
	return nil
}

// Append adds completed records (and their game's PGN) to the open chunk.
// records must be whole encoded records of the chunk's codec version.
func (a *Aggregator) Append(records []byte, pgn string) error {
	if a.openDir == "" {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "open chunk", Value: "append"})
	}
	size, err := codec.RecordSize(a.openMeta.CodecVersion)
	if err != nil {
		return err
	}
	if len(records) == 0 || len(records)%size != 0 {
		return errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "records",
			Value:   len(records),
			Message: "must be a positive multiple of the record size",
		})
	}

	if err := appendFile(filepath.Join(a.openDir, recordsFile), records); err != nil {
		return err
	}
	if pgn != "" {
		if err := appendFile(filepath.Join(a.openDir, pgnFile), []byte(pgn+"\n")); err != nil {
			return err
		}
	}
	a.openRecords += len(records) / size
	return nil
}

// ShouldFlush reports whether the open chunk has hit its size or age
// threshold.
func (a *Aggregator) ShouldFlush() bool {
	if a.openDir == "" || a.openRecords == 0 {
		return false
	}
	if a.cfg.FlushRecords > 0 && a.openRecords >= a.cfg.FlushRecords {
		return true
	}
	return a.cfg.FlushAge > 0 && time.Since(a.openMeta.CreatedAt) >= a.cfg.FlushAge
}

// Seal atomically promotes the open chunk to a sealed one ready for upload.
func (a *Aggregator) Seal() (*Chunk, error) {
	if a.openDir == "" || a.openRecords == 0 {
		return nil, errors.WithStack(&griderrors.ErrNotFound{Type: "open chunk", Value: "seal"})
	}
	id := strings.TrimPrefix(filepath.Base(a.openDir), openPrefix)
	sealedDir := filepath.Join(a.cfg.Dir, sealedPrefix+id)
	if err := os.Rename(a.openDir, sealedDir); err != nil {
		return nil, errors.WithStack(err)
	}
	chunk := &Chunk{ID: id, Meta: a.openMeta, dir: sealedDir}
	a.reset()
	return chunk, nil
}

// Abort discards the open chunk, e.g. after the generation process exited
// abnormally. Sealed chunks are unaffected.
func (a *Aggregator) Abort() {
	if a.openDir == "" {
		return
	}
	if err := os.RemoveAll(a.openDir); err != nil {
		log.WithError(err).Warnf("could not remove aborted chunk %s", a.openDir)
	}
	a.reset()
}

// Remove deletes a sealed chunk once its upload has been acknowledged.
func (a *Aggregator) Remove(chunk *Chunk) error {
	return errors.WithStack(os.RemoveAll(chunk.dir))
}

func (a *Aggregator) reset() {
	a.openDir = ""
	a.openMeta = Meta{}
	a.openRecords = 0
}

func (a *Aggregator) discard(name string) {
	if err := os.RemoveAll(filepath.Join(a.cfg.Dir, name)); err != nil {
		log.WithError(err).Warnf("could not remove chunk directory %s", name)
	}
}

func (a *Aggregator) loadChunk(name string) (*Chunk, error) {
	dir := filepath.Join(a.cfg.Dir, name)
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	id := strings.TrimPrefix(name, sealedPrefix)
	return &Chunk{ID: id, Meta: *meta, dir: dir}, nil
}

// salvageOpen turns a crashed open chunk into a sealed one, keeping only
// whole records. Returns nil when nothing worth uploading survived.
func (a *Aggregator) salvageOpen(name string) (*Chunk, error) {
	dir := filepath.Join(a.cfg.Dir, name)
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	size, err := codec.RecordSize(meta.CodecVersion)
	if err != nil {
		return nil, err
	}

	recordsPath := filepath.Join(dir, recordsFile)
	stat, err := os.Stat(recordsPath)
	if os.IsNotExist(err) || (err == nil && stat.Size() < int64(size)) {
		a.discard(name)
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if torn := stat.Size() % int64(size); torn != 0 {
		log.Warnf("truncating %d torn bytes from recovered chunk %s", torn, name)
		if err := os.Truncate(recordsPath, stat.Size()-torn); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	id := strings.TrimPrefix(name, openPrefix)
	sealedDir := filepath.Join(a.cfg.Dir, sealedPrefix+id)
	if err := os.Rename(dir, sealedDir); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Chunk{ID: id, Meta: *meta, dir: sealedDir}, nil
}

func writeMeta(dir string, meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(filepath.Join(dir, metaFile), data, 0o644))
}

func readMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.WithStack(err)
	}
	return &meta, nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

package configuration

import (
	"time"

	"github.com/traingrid/traingrid/internal/server/dispatcher"
)

type PostgresConfig struct {
	// ConnectionString is a pgx connection string. Empty selects the
	// in-memory index, which is only suitable for development.
	ConnectionString string
}

type ServerConfig struct {
	// Port the API listens on.
	Port uint16
	// MetricsPort serves prometheus metrics.
	MetricsPort uint16
	// ReadTimeout and WriteTimeout bound every request; stalled transfers
	// are cut off and retried by the client rather than awaited.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxUploadBytes caps the multipart body size.
	MaxUploadBytes int64
	// MaxChunkBytes caps a chunk after gzip inflation. The compressed body
	// is client-controlled, so the decompressed size must be bounded too.
	// Zero selects the ingest service's built-in ceiling.
	MaxChunkBytes int64

	// ObjectStoreDir is the chunk object store root.
	ObjectStoreDir string
	// GameStoreDir receives PGN audit records. Empty disables them.
	GameStoreDir string
	// NetworkDir holds distributable network weights files keyed by their
	// sha256 hex digest.
	NetworkDir string

	Postgres   PostgresConfig
	Dispatcher dispatcher.Config
}

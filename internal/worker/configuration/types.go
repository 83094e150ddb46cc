package configuration

import (
	"time"
)

type WorkerConfig struct {
	MetricsPort uint16

	// ServerURL is the grid server base URL.
	ServerURL string
	// ClientVersion is reported on every request; the server refuses
	// versions below the active network's minimum.
	ClientVersion int
	// MaxCodec is the training record format version this worker emits.
	MaxCodec uint32
	// TrainOnly excludes the worker from match assignments.
	TrainOnly bool
	// Fingerprint identifies the worker for cohort assignment. Generated
	// from the hostname when empty.
	Fingerprint string

	// BufferDir holds chunks between generation and upload.
	BufferDir string
	// NetworkCacheDir holds downloaded network weights.
	NetworkCacheDir string
	// FlushRecords seals a chunk once it holds this many records.
	FlushRecords int
	// FlushAge seals a chunk once it is this old.
	FlushAge time.Duration

	RequestTimeout time.Duration
	RetryBase      time.Duration
	MaxAttempts    uint

	// IdlePause is slept after a failed task request before asking again.
	IdlePause time.Duration

	Engine EngineConfig
}

type EngineConfig struct {
	// Simulated plays pseudo-random games in process instead of running a
	// search binary. Used for tests and load generation.
	Simulated bool
	Seed      int64
}

// Package engine abstracts the self-play generation process. The grid only
// cares that an engine turns a task and a weights file into encoded training
// records plus a game record for auditing.
package engine

import (
	"context"

	"github.com/traingrid/traingrid/pkg/api"
)

// GameResult is the output of one completed game.
type GameResult struct {
	// Records holds the game's positions as whole encoded training records.
	Records []byte
	// PGN is the game's move record for the audit store.
	PGN string
}

// Engine plays one game at a time. Implementations wrap an external search
// binary or, for testing, simulate play in process.
type Engine interface {
	// Play runs a single game using the weights at networkPath. A non-nil
	// error means the engine exited abnormally and nothing from the game
	// is usable.
	Play(ctx context.Context, networkPath string, params api.Params) (*GameResult, error)
}

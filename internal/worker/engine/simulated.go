package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/traingrid/traingrid/pkg/api"
	"github.com/traingrid/traingrid/pkg/codec"
)

// SimulatedEngine plays pseudo-random games in process. It exists for tests,
// dry runs, and load generation against a grid server; the records it emits
// are structurally valid but carry no real chess content.
type SimulatedEngine struct {
	version uint32

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedEngine(version uint32, seed int64) *SimulatedEngine {
	return &SimulatedEngine{
		version: version,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (e *SimulatedEngine) Play(ctx context.Context, networkPath string, params api.Params) (*GameResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	moves := int(params.GetNumber("simulated_moves", 8))
	if moves < 1 {
		moves = 1
	}

	result := int8(e.rng.Intn(3) - 1)
	records := []byte{}
	for move := 0; move < moves; move++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		encoded, err := codec.Encode(e.record(result, move))
		if err != nil {
			return nil, err
		}
		records = append(records, encoded...)
	}

	return &GameResult{Records: records, PGN: e.pgn(result, moves)}, nil
}

func (e *SimulatedEngine) record(result int8, move int) *codec.TrainingRecord {
	record := &codec.TrainingRecord{
		Version:     e.version,
		InputFormat: 1,
		Result:      result,
		RootQ:       e.rng.Float32()*2 - 1,
		BestQ:       e.rng.Float32()*2 - 1,
	}
	for i := range record.Policy {
		record.Policy[i] = e.rng.Float32()
	}
	for i := range record.Planes {
		record.Planes[i] = e.rng.Uint64()
	}
	if e.version >= codec.VersionV5 {
		record.PliesLeft = float32(2 * (8 - move))
	}
	if e.version >= codec.VersionV6 {
		record.Visits = uint32(e.rng.Intn(800) + 1)
		record.ResultQ = float32(result)
	}
	return record
}

func (e *SimulatedEngine) pgn(result int8, moves int) string {
	tag := map[int8]string{1: "1-0", 0: "1/2-1/2", -1: "0-1"}[result]
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Result \"%s\"]\n\n", tag)
	for i := 0; i < moves; i++ {
		fmt.Fprintf(&sb, "%d. Nf3 Nf6 ", i+1)
	}
	sb.WriteString(tag)
	return sb.String()
}

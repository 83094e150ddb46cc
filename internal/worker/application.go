// Package worker drives the volunteer generation loop: request a task, fetch
// the network, play games into the local buffer, seal and upload chunks, and
// start over with the piggybacked next task.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/worker/aggregator"
	"github.com/traingrid/traingrid/internal/worker/configuration"
	"github.com/traingrid/traingrid/internal/worker/engine"
	"github.com/traingrid/traingrid/internal/worker/netcache"
	"github.com/traingrid/traingrid/internal/worker/uploader"
	"github.com/traingrid/traingrid/pkg/api"
)

var (
	gamesPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_worker_games_played_total",
		Help: "Number of games completed by the generation engine.",
	})
	chunksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_worker_chunks_uploaded_total",
		Help: "Number of chunks acknowledged by the server.",
	})
	chunksAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_worker_chunks_abandoned_total",
		Help: "Number of uploads abandoned after exhausting retries. The chunk stays buffered.",
	})
	chunksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_worker_chunks_rejected_total",
		Help: "Number of chunks the server permanently rejected.",
	})
	chunksDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traingrid_worker_chunks_discarded_total",
		Help: "Number of open chunks discarded after an abnormal engine exit.",
	})
)

type Application struct {
	cfg    configuration.WorkerConfig
	engine engine.Engine
	client *uploader.Client
	agg    *aggregator.Aggregator
	cache  *netcache.Cache
}

func NewApplication(cfg configuration.WorkerConfig, eng engine.Engine) (*Application, error) {
	agg, err := aggregator.New(aggregator.Config{
		Dir:          cfg.BufferDir,
		FlushRecords: cfg.FlushRecords,
		FlushAge:     cfg.FlushAge,
	})
	if err != nil {
		return nil, err
	}
	cache, err := netcache.New(cfg.NetworkCacheDir)
	if err != nil {
		agg.Close()
		return nil, err
	}
	client := uploader.New(
		uploader.Config{
			ServerURL:      cfg.ServerURL,
			RequestTimeout: cfg.RequestTimeout,
			RetryBase:      cfg.RetryBase,
			MaxAttempts:    cfg.MaxAttempts,
		},
		&api.TaskRequest{
			ClientVersion: cfg.ClientVersion,
			MaxCodec:      cfg.MaxCodec,
			TrainOnly:     cfg.TrainOnly,
			Fingerprint:   fingerprint(cfg.Fingerprint),
		})
	return &Application{
		cfg:    cfg,
		engine: eng,
		client: client,
		agg:    agg,
		cache:  cache,
	}, nil
}

func (app *Application) Close() error {
	return app.agg.Close()
}

// Run drives the task loop until ctx is cancelled or the server demands a
// client upgrade. An upgrade demand is fatal: the returned error carries the
// server's message and the loop makes no further requests.
func (app *Application) Run(ctx context.Context) error {
	if err := app.drainBuffered(ctx); err != nil {
		return err
	}

	var next *api.TaskDescriptor
	for ctx.Err() == nil {
		task := next
		next = nil
		if task == nil {
			var err error
			task, err = app.client.RequestTask(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if fatal(err) {
					return err
				}
				log.WithError(err).Warn("task request failed")
				app.pause(ctx)
				continue
			}
		}

		log.WithField("network", task.NetworkID).Infof("starting %s task", task.TaskClass)
		var err error
		next, err = app.runTask(ctx, task)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal(err) {
				return err
			}
			log.WithError(err).Warn("task failed")
			app.pause(ctx)
		}
	}
	return nil
}

// drainBuffered uploads chunks left over from a previous run before any new
// generation starts.
func (app *Application) drainBuffered(ctx context.Context) error {
	chunks, err := app.agg.Recover()
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		log.Infof("uploading recovered chunk %s", chunk.ID)
		if _, err := app.uploadChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (app *Application) runTask(ctx context.Context, task *api.TaskDescriptor) (*api.TaskDescriptor, error) {
	networkPath, err := app.cache.Fetch(ctx, task.NetworkID, app.networkURL(task))
	if err != nil {
		return nil, err
	}

	if err := app.agg.Open(task.SessionID, task.NetworkID, app.cfg.MaxCodec); err != nil {
		return nil, err
	}
	for !app.agg.ShouldFlush() {
		if err := ctx.Err(); err != nil {
			// The open chunk stays on disk; the next run salvages it.
			return nil, err
		}
		result, err := app.engine.Play(ctx, networkPath, task.Params)
		if err != nil {
			app.agg.Abort()
			chunksDiscarded.Inc()
			return nil, errors.Wrap(err, "generation engine exited abnormally")
		}
		if err := app.agg.Append(result.Records, result.PGN); err != nil {
			app.agg.Abort()
			return nil, err
		}
		gamesPlayed.Inc()
	}

	chunk, err := app.agg.Seal()
	if err != nil {
		app.agg.Abort()
		return nil, err
	}
	return app.uploadChunk(ctx, chunk)
}

// uploadChunk sends a sealed chunk. Abandoned uploads leave the chunk
// buffered for a later attempt; permanent rejections drop it.
func (app *Application) uploadChunk(ctx context.Context, chunk *aggregator.Chunk) (*api.TaskDescriptor, error) {
	records, err := chunk.Records()
	if err != nil {
		return nil, err
	}
	pgn, err := chunk.PGN()
	if err != nil {
		return nil, err
	}

	next, err := app.client.UploadChunk(ctx, &uploader.Payload{
		PGN:          pgn,
		Chunk:        records,
		SessionID:    chunk.Meta.SessionID,
		NetworkID:    chunk.Meta.NetworkID,
		DedupToken:   chunk.Meta.DedupToken,
		CodecVersion: chunk.Meta.CodecVersion,
	})
	if err != nil {
		var abandoned *griderrors.ErrUploadAbandoned
		if errors.As(err, &abandoned) {
			chunksAbandoned.Inc()
			log.WithError(err).Warnf("keeping chunk %s buffered for a later attempt", chunk.ID)
			return nil, nil
		}
		if uploader.IsRejected(err) {
			chunksRejected.Inc()
			log.WithError(err).Warnf("dropping rejected chunk %s", chunk.ID)
			if err := app.agg.Remove(chunk); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}

	if err := app.agg.Remove(chunk); err != nil {
		return nil, err
	}
	chunksUploaded.Inc()
	log.Infof("uploaded chunk %s", chunk.ID)
	return next, nil
}

func (app *Application) networkURL(task *api.TaskDescriptor) string {
	if task.NetworkURL == "" || task.NetworkURL[0] == '/' {
		url := task.NetworkURL
		if url == "" {
			url = "/api/v1/networks/" + task.NetworkID
		}
		return app.cfg.ServerURL + url
	}
	return task.NetworkURL
}

func (app *Application) pause(ctx context.Context) {
	pause := app.cfg.IdlePause
	if pause <= 0 {
		pause = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(pause):
	}
}

// fatal reports errors that must stop the loop, i.e. the server demanding a
// newer client.
func fatal(err error) bool {
	var upgrade *griderrors.ErrUpgradeRequired
	return errors.As(err, &upgrade)
}

func fingerprint(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

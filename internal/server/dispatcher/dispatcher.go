// Package dispatcher answers "what should I do next" requests from workers.
// Strictly pull-based: workers poll, the server never opens a connection to a
// worker, and every response is a complete instruction set. Handlers are
// stateless; the current network is read from its versioned index row on
// every request.
package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/traingrid/traingrid/internal/common/griderrors"
	"github.com/traingrid/traingrid/internal/server/repository"
	"github.com/traingrid/traingrid/pkg/api"
)

var tasksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "traingrid_dispatcher_tasks_total",
	Help: "Tasks handed out, by task class",
}, []string{"class"})

// Variant is one parameter variant for cohort-split validation runs.
type Variant struct {
	// Key names the variant in the task descriptor's CohortKey field.
	Key string
	// Params overrides the base parameters for this cohort.
	Params api.Params
}

type Config struct {
	// NetworkURLPrefix is prepended to the network id to form the fetch
	// URL handed to workers.
	NetworkURLPrefix string
	// BaseParams are the generation parameters shared by all cohorts.
	BaseParams api.Params
	// BacklogTarget is the number of committed chunks per BacklogWindow at
	// which the train backlog counts as satisfied and match tasks are
	// handed out instead.
	BacklogTarget int64
	BacklogWindow time.Duration
	// Variants, when non-empty, splits workers into cohorts by fingerprint
	// hash, each pinned to one parameter variant.
	Variants []Variant
}

type Dispatcher struct {
	index repository.IndexRepository
	cfg   Config
}

func New(index repository.IndexRepository, cfg Config) *Dispatcher {
	return &Dispatcher{index: index, cfg: cfg}
}

// NextTask builds the task descriptor for one worker request. Returns
// *griderrors.ErrUpgradeRequired for clients below the minimum version; that
// must reach the worker as the fatal upgrade marker, not as a retryable
// failure.
func (d *Dispatcher) NextTask(ctx context.Context, request *api.TaskRequest) (*api.TaskDescriptor, error) {
	network, err := d.index.GetActiveNetwork(ctx)
	if err != nil {
		return nil, err
	}
	if request.ClientVersion < network.MinClientVersion {
		return nil, errors.WithStack(&griderrors.ErrUpgradeRequired{
			ClientVersion: request.ClientVersion,
			MinVersion:    network.MinClientVersion,
		})
	}

	taskClass, err := d.taskClass(ctx, request)
	if err != nil {
		return nil, err
	}

	task := &api.TaskDescriptor{
		TaskClass:  taskClass,
		NetworkID:  network.ID,
		NetworkURL: fmt.Sprintf("%s/%s", strings.TrimSuffix(d.cfg.NetworkURLPrefix, "/"), network.ID),
		SessionID:  network.SessionID,
		Params:     api.Params{},
	}
	for key, value := range d.cfg.BaseParams {
		task.Params[key] = value
	}
	d.applyCohortVariant(request, task)

	tasksCounter.WithLabelValues(taskClass).Inc()
	return task, nil
}

// taskClass prioritizes train work and degrades to match work once the
// recent committed-chunk count says the primary backlog is satisfied.
func (d *Dispatcher) taskClass(ctx context.Context, request *api.TaskRequest) (string, error) {
	if request.TrainOnly || d.cfg.BacklogTarget <= 0 {
		return api.TaskClassTrain, nil
	}
	recent, err := d.index.CommittedSince(ctx, time.Now().Add(-d.cfg.BacklogWindow))
	if err != nil {
		return "", err
	}
	if recent >= d.cfg.BacklogTarget {
		return api.TaskClassMatch, nil
	}
	return api.TaskClassTrain, nil
}

// applyCohortVariant pins a worker to a variant by fingerprint hash, so the
// same worker keeps getting the same parameters without any server state.
func (d *Dispatcher) applyCohortVariant(request *api.TaskRequest, task *api.TaskDescriptor) {
	if len(d.cfg.Variants) == 0 || request.Fingerprint == "" {
		return
	}
	h := fnv.New32a()
	h.Write([]byte(request.Fingerprint))
	variant := d.cfg.Variants[int(h.Sum32())%len(d.cfg.Variants)]

	task.CohortKey = variant.Key
	for key, value := range variant.Params {
		task.Params[key] = value
	}
}

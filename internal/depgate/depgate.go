// Package depgate implements the dependency-gate worker (SPEC_FULL.md
// §4.8): one gate job per `dependsOn` entry, polling the referenced
// dependency job until it resolves and releasing (or fail-fast blocking)
// the parent job accordingly.
//
// Grounded on server/poller.go's ticker-loop shape, generalized from a
// single fixed poll target (agent run status) to per-job polling
// deadlines tracked against each gate's own creation time.
package depgate

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/tracker"
)

const (
	// concurrency bounds how many gate jobs are polled at once, per
	// SPEC_FULL.md §4.8.
	concurrency = 10
	// pollInterval is how often a gate job's dependency status is
	// rechecked once popped.
	pollInterval = 5 * time.Second
	// pollCap is the hard cap on how long a single gate job may poll;
	// past it, requeue stops polling and calls tracker.ResolveGateTimeout,
	// which marks the parent job failed.
	pollCap = 30 * time.Minute
)

// Logger is the minimal structured-logging surface this package depends on.
type Logger interface {
	LogError(msg string, keyValuePairs ...any)
}

// Worker polls dependency-gate jobs from the dep-gates queue.
type Worker struct {
	tracker      *tracker.Tracker
	logger       Logger
	pollInterval time.Duration
}

// New constructs a dependency-gate Worker.
func New(t *tracker.Tracker, logger Logger) *Worker {
	return &Worker{tracker: t, logger: logger, pollInterval: 1 * time.Second}
}

func (w *Worker) logError(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.LogError(msg, kv...)
	}
}

// Run drains the dep-gates queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce pops ready gate jobs and processes up to `concurrency` of them
// at a time.
func (w *Worker) drainOnce(ctx context.Context) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for {
		gate, ok, err := w.tracker.PopGateJob(ctx)
		if err != nil {
			w.logError("failed to pop gate job", "error", err.Error())
			return
		}
		if !ok {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(gate *tracker.GateRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processGate(ctx, gate)
		}(gate)
	}

	wg.Wait()
}

// processGate checks the referenced dependency job once and acts on its
// current status: completed releases the parent, failed fail-fasts it,
// anything else requeues this gate for another poll in pollInterval.
func (w *Worker) processGate(ctx context.Context, gate *tracker.GateRecord) {
	dependency, _, err := w.tracker.FindJobByRunID(ctx, gate.DependencyJobID)
	if err != nil {
		w.logError("failed to resolve dependency job", "gateId", gate.GateID, "dependencyJobId", gate.DependencyJobID, "error", err.Error())
		w.requeue(ctx, gate)
		return
	}

	switch dependency.Status {
	case queue.StatusCompleted:
		if err := w.tracker.ResolveGateSuccess(ctx, gate); err != nil {
			w.logError("failed to resolve gate success", "gateId", gate.GateID, "error", err.Error())
		}
	case queue.StatusFailed, queue.StatusFailedPermanent:
		reason := errors.Errorf("dependency %q failed: %s", gate.DependencyJobID, dependency.Error).Error()
		if err := w.tracker.ResolveGateFailure(ctx, gate, reason); err != nil {
			w.logError("failed to resolve gate failure", "gateId", gate.GateID, "error", err.Error())
		}
	default:
		w.requeue(ctx, gate)
	}
}

func (w *Worker) requeue(ctx context.Context, gate *tracker.GateRecord) {
	if time.Since(gate.CreatedAt) > pollCap {
		reason := errors.Errorf("dependency %q did not resolve within %s", gate.DependencyJobID, pollCap).Error()
		if err := w.tracker.ResolveGateTimeout(ctx, gate, reason); err != nil {
			w.logError("failed to resolve gate timeout", "gateId", gate.GateID, "error", err.Error())
		}
		return
	}
	if err := w.tracker.RequeueGateJob(ctx, gate, time.Now().Add(pollInterval)); err != nil {
		w.logError("failed to requeue gate job", "gateId", gate.GateID, "error", err.Error())
	}
}

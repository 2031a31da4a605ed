// Package orchestrator wires every other internal package into a single
// running process and owns its startup/recovery/shutdown sequence
// (SPEC_FULL.md §4.10), the way server/plugin.go's Plugin struct wires the
// teacher's subsystems together behind OnActivate/OnDeactivate.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrelay/dispatch/internal/approval"
	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/breaker"
	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/depgate"
	"github.com/jobrelay/dispatch/internal/dispatch"
	"github.com/jobrelay/dispatch/internal/dlq"
	"github.com/jobrelay/dispatch/internal/learning"
	"github.com/jobrelay/dispatch/internal/messaging"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/query"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/sessionhost"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
	"github.com/jobrelay/dispatch/internal/worker"
)

// restartRecoveryError is stamped onto every job force-failed by the
// startup recovery scan (SPEC_FULL.md §4.10): an active or announcing job
// found at startup was mid-flight when the previous process died, and its
// true outcome can never be recovered.
const restartRecoveryError = "Gateway restart during execution — job state unknown"

// Logger is the structured-logging surface the orchestrator itself uses.
// Every other package's narrower Logger interface (LogError, or LogDebug
// plus LogError) is satisfied by SlogLogger below, mirroring the teacher's
// single pluginLogger adapter serving every call site in server/.
type Logger interface {
	Debug(msg string, keyValuePairs ...any)
	Info(msg string, keyValuePairs ...any)
	Warn(msg string, keyValuePairs ...any)
	Error(msg string, keyValuePairs ...any)
}

// SlogLogger adapts a *slog.Logger to Logger and to every consuming
// package's narrower interface. No repo in the retrieval pack imports a
// structured-logging library directly (the teacher wraps Mattermost's own
// plugin-api logger, which has no ecosystem equivalent here), so this
// package is built on the standard library's log/slog.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l. A nil l falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (l *SlogLogger) Debug(msg string, kv ...any) { l.logger.Debug(msg, kv...) }
func (l *SlogLogger) Info(msg string, kv ...any)  { l.logger.Info(msg, kv...) }
func (l *SlogLogger) Warn(msg string, kv ...any)  { l.logger.Warn(msg, kv...) }
func (l *SlogLogger) Error(msg string, kv ...any) { l.logger.Error(msg, kv...) }

// LogDebug satisfies internal/worker's and internal/sessionhost's Logger.
func (l *SlogLogger) LogDebug(msg string, kv ...any) { l.logger.Debug(msg, kv...) }

// LogError satisfies internal/dispatch's, internal/approval's,
// internal/dlq's, internal/lifecycle's, and internal/depgate's Logger.
func (l *SlogLogger) LogError(msg string, kv ...any) { l.logger.Error(msg, kv...) }

// Orchestrator is the single service container: one instance per running
// process, constructed once by cmd/jobrelayd and held for the process
// lifetime.
type Orchestrator struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics.Registry

	identity    *authz.Identity
	sessionHost sessionhost.Client
	sender      messaging.Sender
	breaker     *breaker.Breaker

	dispatcher *dispatch.Dispatcher

	mu         sync.RWMutex
	store      *store.Store
	tracker    *tracker.Tracker
	launcher   *worker.Launcher
	approvals  *approval.Service
	learnings  *learning.Store
	query      *query.Service
	dlqAlerter *dlq.Alerter

	workers       map[string]*worker.Worker
	depgateWorker *depgate.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Orchestrator. Nothing here touches the network — the
// store connection and every store-dependent subsystem are resolved by
// Start, so a New'd-but-not-Started Orchestrator is inert and safe to
// discard.
func New(cfg *config.Config, logger Logger, reg *metrics.Registry) *Orchestrator {
	identity := authz.New(cfg.SystemAgentIDs(), cfg.Orchestrators())
	sessionHost := sessionhost.NewHTTPClient(cfg.SessionHostBaseURL, cfg.SessionHostAPIKey, sessionhost.WithLogger(asSessionHostLogger(logger)))

	var sender messaging.Sender
	if cfg.SlackBotToken != "" {
		sender = messaging.NewSlackSender(cfg.SlackBotToken)
	}

	br := breaker.New("dispatch", cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerResetTimeout)

	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		metrics:     reg,
		identity:    identity,
		sessionHost: sessionHost,
		sender:      sender,
		breaker:     br,
		workers:     make(map[string]*worker.Worker),
	}

	o.dispatcher = dispatch.New(sessionHost, identity, nil, br, cfg, asDispatchLogger(logger), reg)

	return o
}

// asSessionHostLogger narrows logger to sessionhost.Logger. A nil logger,
// or one whose concrete type lacks LogDebug, disables debug logging at the
// HTTP client.
func asSessionHostLogger(logger Logger) sessionhost.Logger {
	if logger == nil {
		return nil
	}
	if l, ok := any(logger).(sessionhost.Logger); ok {
		return l
	}
	return nil
}

func asDispatchLogger(logger Logger) dispatch.Logger {
	if logger == nil {
		return nil
	}
	if l, ok := any(logger).(dispatch.Logger); ok {
		return l
	}
	return nil
}

// Dispatcher exposes the dispatch entry point for the dispatch tool's
// external surface (the MCP/HTTP handler layer, out of scope here).
func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher { return o.dispatcher }

// Query exposes the dispatcher-facing read operations. Nil until Start has
// connected to the store.
func (o *Orchestrator) Query() *query.Service {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.query
}

// Approvals exposes the approval service. Nil until Start has connected to
// the store.
func (o *Orchestrator) Approvals() *approval.Service {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.approvals
}

// Learnings exposes the append-only learning store. Nil until Start has
// connected to the store.
func (o *Orchestrator) Learnings() *learning.Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.learnings
}

// Start connects to the shared-state store, recovers from a prior
// process's mid-flight jobs, and launches every worker, per SPEC_FULL.md
// §4.10. A store connection failure never fails Start: the dispatcher
// keeps serving direct-fallback dispatches and Start returns nil, logging
// a warning instead.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	connectCtx, connectCancel := context.WithTimeout(ctx, o.cfg.StoreReadyTimeout)
	defer connectCancel()

	s, err := store.New(connectCtx, store.Options{
		Host:     o.cfg.RedisHost,
		Port:     o.cfg.RedisPort,
		Password: o.cfg.RedisPassword,
		TLS:      o.cfg.RedisTLS,
	})
	if err != nil {
		o.logger.Warn("store not ready within startup timeout, continuing in direct-fallback mode", "error", err.Error())
		return nil
	}

	o.connect(runCtx, s)
	return nil
}

// connect wires every store-dependent subsystem once s is ready, spawns
// the recovery scan, periodic cleanup, and per-agent/depgate workers.
func (o *Orchestrator) connect(ctx context.Context, s *store.Store) {
	tr := tracker.New(s)

	o.mu.Lock()
	o.store = s
	o.tracker = tr
	o.mu.Unlock()

	launcher := worker.NewLauncher(s, tr, o.sessionHost, o.identity, o.cfg, asWorkerLogger(o.logger))
	spawner := &worker.ApprovedSpawner{Launcher: launcher}

	approvals := approval.New(s, o.sender, spawner, o.cfg.ApprovalDiscordChannelID, approvalTTL(o.cfg), o.cfg.AuthorizedApprovers(), asApprovalLogger(o.logger), o.metrics)
	learnings := learning.New(s, learningsTTL(o.cfg))
	queryService := query.New(tr, o.identity, learnings)
	dlqAlerter := dlq.New(o.sender, o.sessionHost, o.cfg.ApprovalDiscordChannelID, asDLQLogger(o.logger), o.metrics)

	o.mu.Lock()
	o.launcher = launcher
	o.approvals = approvals
	o.learnings = learnings
	o.query = queryService
	o.dlqAlerter = dlqAlerter
	o.mu.Unlock()

	o.dispatcher.Handle().Set(s, tr)
	// dispatcher was constructed with approvals=nil in New (before the
	// store existed); rewire it to the now-resolved approval service.
	o.dispatcher.SetApprovals(approvals)

	o.recoverStaleJobs(ctx, tr, dlqAlerter)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		tr.RunPeriodicCleanup(ctx, o.cfg.CleanupInterval, func(err error) {
			o.logger.Warn("periodic stale-index cleanup failed", "error", err.Error())
		})
	}()

	o.startWorkers(ctx, launcher, s, tr)
}

// recoverStaleJobs force-fails every job left active/announcing by a
// previous process instance, since that process's death makes the job's
// true outcome unknowable (SPEC_FULL.md §4.10).
func (o *Orchestrator) recoverStaleJobs(ctx context.Context, tr *tracker.Tracker, dlqAlerter *dlq.Alerter) {
	stale, _, err := tr.ActiveOrAnnouncing(ctx)
	if err != nil {
		o.logger.Warn("restart recovery scan failed", "error", err.Error())
		return
	}
	for _, record := range stale {
		updated, err := tr.UpdateJobStatus(ctx, record.JobID, queue.StatusFailedPermanent, func(r *queue.Record) {
			r.Error = restartRecoveryError
		})
		if err != nil {
			o.logger.Warn("failed to force-fail stale job during restart recovery", "jobId", record.JobID, "error", err.Error())
			continue
		}
		if o.metrics != nil {
			o.metrics.RecordJobFailed(updated.Target)
		}
		if dlqAlerter != nil {
			dlqAlerter.Alert(ctx, updated, restartRecoveryError)
		}
	}
}

// startWorkers spins up one Worker per configured agent plus the
// dependency-gate worker, each in its own goroutine tracked by o.wg.
func (o *Orchestrator) startWorkers(ctx context.Context, launcher *worker.Launcher, s *store.Store, tr *tracker.Tracker) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, agentID := range o.cfg.ConfiguredAgents() {
		w := worker.New(agentID, launcher, s, tr, asWorkerLogger(o.logger))
		o.workers[agentID] = w
		o.wg.Add(1)
		go func(w *worker.Worker) {
			defer o.wg.Done()
			w.Run(ctx)
		}(w)
	}

	o.depgateWorker = depgate.New(tr, asDepgateLogger(o.logger))
	o.wg.Add(1)
	go func(dw *depgate.Worker) {
		defer o.wg.Done()
		dw.Run(ctx)
	}(o.depgateWorker)
}

// Stop shuts the orchestrator down in dependency order: stop accepting
// new work, drain running workers, then close the store connection
// (SPEC_FULL.md §4.10).
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("timed out waiting for workers to drain during shutdown")
	}

	o.mu.RLock()
	s := o.store
	o.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func approvalTTL(cfg *config.Config) time.Duration {
	return time.Duration(cfg.ApprovalTTLDays) * 24 * time.Hour
}

func learningsTTL(cfg *config.Config) time.Duration {
	return time.Duration(cfg.LearningsTTLDays) * 24 * time.Hour
}

func asWorkerLogger(logger Logger) worker.Logger {
	if logger == nil {
		return nil
	}
	if l, ok := any(logger).(worker.Logger); ok {
		return l
	}
	return nil
}

func asApprovalLogger(logger Logger) approval.Logger {
	if logger == nil {
		return nil
	}
	if l, ok := any(logger).(approval.Logger); ok {
		return l
	}
	return nil
}

func asDLQLogger(logger Logger) dlq.Logger {
	if logger == nil {
		return nil
	}
	if l, ok := any(logger).(dlq.Logger); ok {
		return l
	}
	return nil
}

func asDepgateLogger(logger Logger) depgate.Logger {
	if logger == nil {
		return nil
	}
	if l, ok := any(logger).(depgate.Logger); ok {
		return l
	}
	return nil
}

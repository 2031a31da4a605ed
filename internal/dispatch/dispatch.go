// Package dispatch implements the tool entry point every caller goes
// through to hand work to another agent (SPEC_FULL.md §4.7): validation,
// approval routing, rate limiting, queue-depth capping, and the
// breaker-wrapped create-or-fallback call into the tracker.
//
// Grounded on server/plugin.go's lazily-resolved-handle container pattern
// (getCursorClient/setCursorClient under sync.RWMutex) for the
// store-unreachable direct-fallback path, and the Lua counter-script shape
// already established in internal/store for rate limiting.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/approval"
	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/breaker"
	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/resultstatus"
	"github.com/jobrelay/dispatch/internal/sessionhost"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

// ErrRateLimited is returned when the caller has exceeded its per-minute
// dispatch budget. errors.Is(err, ErrRateLimited) matches the concrete
// *rateLimitError the dispatcher actually returns, which carries the exact
// count/limit in its message.
var ErrRateLimited = errors.New("dispatch rate limit exceeded")

// rateLimitError carries the observed count and configured limit so the
// caller sees exactly what tripped the limit rather than a generic message.
type rateLimitError struct {
	count int64
	limit int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded: %d/%d dispatches this minute", e.count, e.limit)
}

func (e *rateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ErrQueueDepthExceeded is returned when the target queue already holds
// too much outstanding work.
var ErrQueueDepthExceeded = errors.New("target queue depth exceeded")

// ErrApprovalChannelUnconfigured is returned when a dispatch requires
// approval routing but no notification channel is configured — rejected
// rather than silently orphaned.
var ErrApprovalChannelUnconfigured = errors.New("approval required but no notification channel is configured")

const fallbackSentinelPrefix = "__fallback__:"

// Params describes one dispatch request.
type Params struct {
	Caller               string
	Target               string
	Task                 string
	Project              string
	Label                string
	Model                string
	ThinkingLevel        string
	SystemPromptAddition string
	Cleanup              queue.Cleanup
	Depth                int
	DependsOn            []string
	DispatcherSessionKey string
	DispatcherDepth      int
	TimeoutMs            int64
	StoreResult          bool
	RequiresApproval     bool
	Reason               string
}

// Result is the structured response returned to the calling agent. Every
// failure path (SPEC_FULL.md §6.1) still returns a non-nil Result, with
// Status set to one of the resultstatus taxonomy values and Error carrying
// the message; Dispatch also returns the original error alongside it so
// callers can match it with errors.Is/As.
type Result struct {
	JobID          string `json:"jobId"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Target         string `json:"target"`
	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallbackReason,omitempty"`
}

// Logger is the minimal structured-logging surface this package depends on.
type Logger interface {
	LogError(msg string, keyValuePairs ...any)
}

// StoreHandle holds the lazily-resolved, possibly-absent store/tracker pairing,
// matching the teacher's null-captured-reference pattern: a dispatch
// arriving before the store connects (or after it has dropped) must still
// be served via direct fallback rather than blocking or erroring out.
type StoreHandle struct {
	mu      sync.RWMutex
	store   *store.Store
	tracker *tracker.Tracker
}

func (h *StoreHandle) get() (*store.Store, *tracker.Tracker) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store, h.tracker
}

// Set installs (or clears, with nils) the resolved store/tracker pair.
// Called by internal/orchestrator on connect/disconnect.
func (h *StoreHandle) Set(s *store.Store, t *tracker.Tracker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = s
	h.tracker = t
}

// Dispatcher is the dispatch tool's entry point.
type Dispatcher struct {
	handle      StoreHandle
	sessionHost sessionhost.Client
	identity    *authz.Identity
	breaker     *breaker.Breaker
	cfg         *config.Config
	logger      Logger
	metrics     *metrics.Registry

	approvalsMu sync.RWMutex
	approvals   *approval.Service
}

// New constructs a Dispatcher. The store/tracker pair may be nil initially
// (store not yet connected); call Handle().Set once connected. approvals
// may also be nil initially for the same reason (the approval service
// itself depends on the store); call SetApprovals once connected. metrics
// may be nil, disabling metric recording.
func New(sessionHost sessionhost.Client, identity *authz.Identity, approvals *approval.Service, br *breaker.Breaker, cfg *config.Config, logger Logger, reg *metrics.Registry) *Dispatcher {
	d := &Dispatcher{
		sessionHost: sessionHost,
		identity:    identity,
		breaker:     br,
		cfg:         cfg,
		logger:      logger,
		metrics:     reg,
	}
	d.approvals = approvals
	return d
}

// SetApprovals installs (or clears, with nil) the resolved approval
// service. Called by internal/orchestrator once the store connects.
func (d *Dispatcher) SetApprovals(approvals *approval.Service) {
	d.approvalsMu.Lock()
	defer d.approvalsMu.Unlock()
	d.approvals = approvals
}

func (d *Dispatcher) getApprovals() *approval.Service {
	d.approvalsMu.RLock()
	defer d.approvalsMu.RUnlock()
	return d.approvals
}

func (d *Dispatcher) recordDispatch(target, status string) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(target, status)
	}
}

// Handle exposes the lazily-resolved store/tracker container so
// internal/orchestrator can install or clear it as the store connects or
// drops.
func (d *Dispatcher) Handle() *StoreHandle {
	return &d.handle
}

func (d *Dispatcher) logError(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.LogError(msg, kv...)
	}
}

// Dispatch runs the full entry-point sequence for params. It never returns
// a nil Result: any failure is classified via resultstatus and folded into
// Result.Status/Result.Error (SPEC_FULL.md §6.1), and the original error is
// returned as well so callers can match it with errors.Is/As.
func (d *Dispatcher) Dispatch(ctx context.Context, params Params) (*Result, error) {
	result, err := d.dispatch(ctx, params)
	if err == nil {
		return result, nil
	}
	return &Result{
		Status: resultstatus.Classify(err),
		Error:  err.Error(),
		Target: params.Target,
	}, err
}

func (d *Dispatcher) dispatch(ctx context.Context, params Params) (*Result, error) {
	s, tr := d.handle.get()

	// Step 1: store-unreachable direct-spawn fallback.
	if s == nil || tr == nil {
		return d.directFallback(ctx, params, "store unreachable")
	}

	// Step 2: parameter validation.
	if len(params.Task) > queue.MaxTaskChars {
		return nil, resultstatus.Wrap(resultstatus.StatusError, errors.Errorf("task exceeds maximum length of %d characters", queue.MaxTaskChars))
	}
	if len(params.DependsOn) > queue.MaxDependsOn {
		return nil, resultstatus.Wrap(resultstatus.StatusError, errors.Errorf("dependsOn exceeds maximum length of %d", queue.MaxDependsOn))
	}

	// Step 3: target/allowlist/system-prompt-addition validation.
	profile := d.cfg.AgentProfile(params.Caller)
	if !authz.AllowedTarget(params.Caller, params.Target, profile.AllowAgents) {
		return nil, resultstatus.Wrap(resultstatus.StatusUnauthorized, errors.Errorf("caller %q is not allowed to dispatch to %q", params.Caller, params.Target))
	}
	if params.SystemPromptAddition != "" && !d.identity.IsSystemAgent(params.Caller) {
		return nil, resultstatus.Wrap(resultstatus.StatusUnauthorized, errors.Errorf("caller %q may not set systemPromptAddition", params.Caller))
	}

	// Step 4: approval routing.
	if params.RequiresApproval || !d.identity.IsOrchestrator(params.Caller) {
		return d.routeToApproval(ctx, params)
	}

	// Step 5: rate limiting.
	limited, count, limit, err := d.isRateLimited(ctx, s, params.Caller)
	if err != nil {
		return nil, err
	}
	if limited {
		return nil, resultstatus.Wrap(resultstatus.StatusRateLimited, &rateLimitError{count: count, limit: limit})
	}

	// Step 6: queue-depth cap.
	depth, err := d.queueDepth(ctx, tr, params.Target)
	if err != nil {
		return nil, err
	}
	if depth >= d.cfg.RateLimitMaxQueueDepth {
		return nil, resultstatus.Wrap(resultstatus.StatusQueueFull, ErrQueueDepthExceeded)
	}

	// Step 7: breaker-wrapped create-or-fallback.
	result, err := d.breaker.Dispatch(
		func() (interface{}, error) {
			return d.createJob(ctx, tr, params)
		},
		func() (interface{}, error) {
			return d.fallbackStart(ctx, params, "circuit breaker open or primary create failed")
		},
	)
	if d.metrics != nil {
		d.metrics.SetBreakerState(d.breaker.Name(), float64(d.breaker.State()))
	}
	if err != nil {
		return nil, err
	}

	// Step 8: shape the response.
	switch r := result.(type) {
	case *queue.Record:
		d.recordDispatch(params.Target, resultstatus.StatusQueued)
		return &Result{JobID: r.JobID, Status: resultstatus.StatusQueued, Target: params.Target}, nil
	case *Result:
		d.recordDispatch(params.Target, r.Status)
		return r, nil
	default:
		return nil, errors.Errorf("unexpected dispatch result type %T", result)
	}
}

func (d *Dispatcher) createJob(ctx context.Context, tr *tracker.Tracker, params Params) (*queue.Record, error) {
	return tr.CreateJob(ctx, tracker.CreateParams{
		Target:               params.Target,
		Task:                 params.Task,
		DispatchedBy:         params.Caller,
		Project:              params.Project,
		Label:                params.Label,
		Model:                params.Model,
		ThinkingLevel:        params.ThinkingLevel,
		SystemPromptAddition: params.SystemPromptAddition,
		Cleanup:              params.Cleanup,
		Depth:                d.resolveDepth(ctx, tr, params),
		DependsOn:            params.DependsOn,
		DispatcherSessionKey: params.DispatcherSessionKey,
		DispatcherAgentID:    params.Caller,
		DispatcherDepth:      params.DispatcherDepth,
		TimeoutMs:            params.TimeoutMs,
		StoreResult:          params.StoreResult,
	})
}

// resolveDepth returns the depth the new job record should carry: an
// explicit params.Depth wins, otherwise it is the caller's own depth plus
// one, falling back to a session-key lookup when the caller did not pass
// dispatcherDepth explicitly — the same callerDepth resolution worker.Launch
// step 3 performs at launch time.
func (d *Dispatcher) resolveDepth(ctx context.Context, tr *tracker.Tracker, params Params) int {
	if params.Depth > 0 {
		return params.Depth
	}
	callerDepth := params.DispatcherDepth
	if callerDepth == 0 && params.DispatcherSessionKey != "" {
		if dispatcherJob, err := tr.FindJobBySessionKey(ctx, params.DispatcherSessionKey); err == nil {
			callerDepth = dispatcherJob.Depth
		}
	}
	return callerDepth + 1
}

// isRateLimited also returns the count it observed and the configured limit,
// so the caller can build an exact "N/limit" rate-limit message rather than
// a generic one.
func (d *Dispatcher) isRateLimited(ctx context.Context, s *store.Store, caller string) (limited bool, count int64, limit int, err error) {
	limit = d.cfg.RateLimitDispatchesPerMinute
	if limit <= 0 {
		limit = 10
	}
	count, err = s.IncrementRateLimitCounter(ctx, store.PrefixRateLimit+caller, 60)
	if err != nil {
		return false, 0, limit, errors.Wrap(err, "failed to increment dispatch rate limit counter")
	}
	return count > int64(limit), count, limit, nil
}

func (d *Dispatcher) queueDepth(ctx context.Context, tr *tracker.Tracker, target string) (int, error) {
	stats, err := tr.GetQueueStats(ctx, target)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read queue stats")
	}
	s := stats[queue.QueueName(target)]
	if d.metrics != nil {
		d.metrics.SetQueueDepth(target, "waiting", float64(s.Waiting))
		d.metrics.SetQueueDepth(target, "active", float64(s.Active))
		d.metrics.SetQueueDepth(target, "delayed", float64(s.Delayed))
	}
	return s.Waiting + s.Active + s.Delayed, nil
}

// routeToApproval creates an approval record instead of a job; the
// approved-agent spawner (internal/approval's configured Spawner) runs the
// actual launch once a human approves.
func (d *Dispatcher) routeToApproval(ctx context.Context, params Params) (*Result, error) {
	approvals := d.getApprovals()
	if approvals == nil {
		return nil, ErrApprovalChannelUnconfigured
	}
	record, err := approvals.Create(ctx, approval.CreateParams{
		Target:               params.Target,
		Task:                 params.Task,
		Project:              params.Project,
		Label:                params.Label,
		Model:                params.Model,
		ThinkingLevel:        params.ThinkingLevel,
		TimeoutMs:            params.TimeoutMs,
		Cleanup:              params.Cleanup,
		Reason:               params.Reason,
		DispatchedBy:         params.Caller,
		DispatcherSessionKey: params.DispatcherSessionKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create approval request")
	}
	d.recordDispatch(params.Target, resultstatus.StatusPendingApproval)
	return &Result{JobID: record.ApprovalID, Status: resultstatus.StatusPendingApproval, Target: params.Target}, nil
}

// directFallback and fallbackStart both call the session host directly,
// bypassing the tracker entirely, and return a synthetic job id:
// directFallback uses "fallback-{unix nanos}", fallbackStart uses
// fallbackSentinelPrefix followed by the session host's run id.
func (d *Dispatcher) directFallback(ctx context.Context, params Params, reason string) (*Result, error) {
	_, err := d.startSession(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "direct fallback session start failed")
	}
	jobID := fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	d.recordDispatch(params.Target, resultstatus.StatusDispatched)
	return &Result{
		JobID:          jobID,
		Status:         resultstatus.StatusDispatched,
		Target:         params.Target,
		Fallback:       true,
		FallbackReason: reason,
	}, nil
}

func (d *Dispatcher) fallbackStart(ctx context.Context, params Params, reason string) (*Result, error) {
	runID, err := d.startSession(ctx, params)
	if err != nil {
		d.logError("fallback session start failed", "target", params.Target, "error", err.Error())
		return nil, err
	}
	return &Result{
		JobID:          fallbackSentinelPrefix + runID,
		Status:         resultstatus.StatusDispatched,
		Target:         params.Target,
		Fallback:       true,
		FallbackReason: reason,
	}, nil
}

func (d *Dispatcher) startSession(ctx context.Context, params Params) (string, error) {
	resp, err := d.sessionHost.StartSession(ctx, sessionhost.StartSessionRequest{
		SessionKey:           queue.QueueName(params.Target) + ":subagent:" + fmt.Sprintf("%d", time.Now().UnixNano()),
		Model:                params.Model,
		ThinkingLevel:        params.ThinkingLevel,
		SystemPromptAddition: params.SystemPromptAddition,
		Task:                 params.Task,
		Deliver:              false,
	})
	if err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// Package worker implements the per-agent-queue worker pool and the
// 14-step child-session launch sequence (SPEC_FULL.md §4.5). A worker's
// job ends the moment the launch sequence returns a child run id — the
// queue then considers the job dispatch-completed. The child session's own
// execution lifecycle continues independently and is observed by
// internal/lifecycle, never by this package.
//
// Grounded on server/hitl.go's launchPlannerAgent/launchImplementerFromWorkflow
// (system-prompt construction, async non-blocking session start, announce
// registration) and server/poller.go's pollSingleAgent idiom of re-reading
// the fresh record before mutating it.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/approval"
	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/sessionhost"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

// UnrecoverableError wraps a launch failure that must not be retried (bad
// configuration, depth/allowlist violations), following the teacher's
// pattern of typed sentinel errors wrapped with pkg/errors.
type UnrecoverableError struct {
	err error
}

func (e *UnrecoverableError) Error() string { return e.err.Error() }
func (e *UnrecoverableError) Unwrap() error { return e.err }

// Unrecoverable wraps err so IsUnrecoverable reports true for it.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{err: err}
}

// IsUnrecoverable reports whether err (or anything it wraps) is an
// UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}

// Logger is the minimal structured-logging surface the worker depends on.
type Logger interface {
	LogDebug(msg string, keyValuePairs ...any)
	LogError(msg string, keyValuePairs ...any)
}

// Launcher performs the 14-step launch sequence against a resolved job
// record. It holds no per-queue state, so a single Launcher is shared by
// every per-agent Worker.
type Launcher struct {
	store       *store.Store
	tracker     *tracker.Tracker
	sessionHost sessionhost.Client
	identity    *authz.Identity
	cfg         *config.Config
	logger      Logger
}

// NewLauncher constructs a Launcher.
func NewLauncher(s *store.Store, t *tracker.Tracker, sh sessionhost.Client, identity *authz.Identity, cfg *config.Config, logger Logger) *Launcher {
	return &Launcher{store: s, tracker: t, sessionHost: sh, identity: identity, cfg: cfg, logger: logger}
}

func (l *Launcher) logDebug(msg string, kv ...any) {
	if l.logger != nil {
		l.logger.LogDebug(msg, kv...)
	}
}

// Launch runs the 14-step sequence for record and returns the child run id.
// Errors returned are either an *UnrecoverableError (no retry) or a plain
// wrapped error (queue-native retry applies per SPEC_FULL.md §4.3).
func (l *Launcher) Launch(ctx context.Context, record *queue.Record) (string, error) {
	// Step 1: parse/coerce. Cleanup defaults to delete; this is the only
	// zero-value default filled here. TimeoutMs is not clamped, neither here
	// nor at CreateJob time.
	if record.Cleanup == "" {
		record.Cleanup = queue.CleanupDelete
	}

	// Step 2: resolve dispatcher-session context. The "internal form" is the
	// raw dispatcherSessionKey used for index lookups; the "display form" is
	// the dispatcher agent id used in notifications and allowlist checks.
	dispatcherSessionKey := record.DispatcherSessionKey
	callerAgentID := record.DispatcherAgentID
	if callerAgentID == "" {
		callerAgentID = record.DispatchedBy
	}

	// Step 3: depth validation.
	callerDepth := record.DispatcherDepth
	if callerDepth == 0 && dispatcherSessionKey != "" {
		if dispatcherJob, err := l.tracker.FindJobBySessionKey(ctx, dispatcherSessionKey); err == nil {
			callerDepth = dispatcherJob.Depth
		}
	}
	if callerDepth >= l.cfg.MaxSpawnDepth {
		return "", Unrecoverable(errors.Errorf("caller depth %d exceeds max spawn depth %d", callerDepth, l.cfg.MaxSpawnDepth))
	}

	// Step 4: fan-out validation.
	activeChildren, err := l.tracker.CountActiveChildren(ctx, callerAgentID)
	if err != nil {
		return "", errors.Wrap(err, "failed to count active children")
	}
	if activeChildren >= l.cfg.MaxChildrenPerAgent {
		return "", errors.Errorf("caller %q has %d active children, at max %d", callerAgentID, activeChildren, l.cfg.MaxChildrenPerAgent)
	}

	// Step 5: allowlist validation.
	profile := l.cfg.AgentProfile(callerAgentID)
	if !authz.AllowedTarget(callerAgentID, record.Target, profile.AllowAgents) {
		return "", Unrecoverable(errors.Errorf("caller %q is not allowed to dispatch to %q", callerAgentID, record.Target))
	}

	// Step 6: allocate child session key and depth.
	childSessionKey := queue.QueueName(record.Target) + ":subagent:" + uuid.NewString()
	childDepth := callerDepth + 1

	// Step 7: resolve model/thinking-level overrides (job > target-agent-
	// subagent > default-subagent > default-primary > platform default).
	model := firstNonEmpty(record.Model, profile.SubagentModel, l.cfg.DefaultSubagentModel, l.cfg.DefaultPrimaryModel)
	thinkingLevel := firstNonEmpty(record.ThinkingLevel, profile.SubagentThinkingLevel, l.cfg.DefaultSubagentThinkingLevel)

	// Step 8: patch the child session with depth and optional model/
	// thinking in a single round trip; on a recoverable model error, retry
	// without the model field.
	patchReq := sessionhost.PatchSessionRequest{
		SessionKey:    childSessionKey,
		Depth:         childDepth,
		Model:         model,
		ThinkingLevel: thinkingLevel,
	}
	if err := l.sessionHost.PatchSession(ctx, patchReq); err != nil {
		l.logDebug("patch session failed, retrying without model", "sessionKey", childSessionKey, "error", err.Error())
		patchReq.Model = ""
		if err := l.sessionHost.PatchSession(ctx, patchReq); err != nil {
			return "", errors.Wrap(err, "failed to patch child session")
		}
	}

	// Step 9: build the subagent system prompt.
	systemPrompt := buildSubagentSystemPrompt(record, l.identity.IsSystemAgent(callerAgentID))

	// Step 10: start the child agent asynchronously, non-blocking, with
	// deliver=false — the announce pipeline handles delivery independently.
	startResp, err := l.sessionHost.StartSession(ctx, sessionhost.StartSessionRequest{
		SessionKey:           childSessionKey,
		Depth:                childDepth,
		Model:                model,
		ThinkingLevel:        thinkingLevel,
		SystemPromptAddition: systemPrompt,
		Task:                 record.Task,
		Deliver:              false,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to start child session")
	}

	// Step 11: register with the announce pipeline so results route back to
	// the caller. The reverse session-key index (step 13) is what the
	// announce/lifecycle hooks use to resolve the owning job; there is no
	// separate registration call in this design.
	l.logDebug("registered subagent run", "runId", startResp.RunID, "sessionKey", childSessionKey, "callerAgentId", callerAgentID)

	// Step 12: update the job record. Depth is re-stamped with the depth this
	// job actually launched at so a dependent's later session-key lookup
	// (step 3 above, run against this job once it becomes someone else's
	// dispatcher) sees the real value rather than whatever CreateJob guessed
	// before the caller's own depth was necessarily known.
	now := time.Now()
	_, err = l.tracker.UpdateJobStatus(ctx, record.JobID, queue.StatusActive, func(r *queue.Record) {
		r.SessionHostRunID = startResp.RunID
		r.SessionHostSessionKey = childSessionKey
		r.StartedAt = &now
		r.Depth = childDepth
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to update job record after launch")
	}

	// Step 13: write the session-key -> job index entry.
	if err := l.tracker.IndexJobBySessionKey(ctx, childSessionKey, record.JobID, queue.QueueName(record.Target)); err != nil {
		return "", errors.Wrap(err, "failed to index job by session key")
	}

	// Step 14: return the child run id.
	return startResp.RunID, nil
}

// ApprovedSpawner adapts a Launcher to internal/approval's Spawner
// interface, so the approval subsystem never needs to know how a child
// session is actually launched.
type ApprovedSpawner struct {
	Launcher *Launcher
}

// SpawnApproved implements approval.Spawner.
func (a *ApprovedSpawner) SpawnApproved(ctx context.Context, record *approval.Record) (string, string, error) {
	return a.Launcher.LaunchApproved(ctx, record)
}

const approvedPreamble = "Kevin has approved the following request:\n\n"

// LaunchApproved runs the simplified approved-agent spawn sequence
// (SPEC_FULL.md §4.9 step 4): caller depth fixed to 0, child depth 1, no
// depth/fan-out/allowlist checks — a human has explicitly approved this
// dispatch. The task is wrapped in a "Kevin has approved" preamble before
// it reaches the child session. The full approval record is honored here,
// not just target/task: model and thinking-level overrides carry through to
// the child session exactly as they would for a non-gated dispatch, and an
// explicit timeoutMs bounds the session-host round trip. record's
// DispatcherSessionKey is the caller's original session, used as the
// announce requester so results route back to whoever asked for the
// approval.
func (l *Launcher) LaunchApproved(ctx context.Context, record *approval.Record) (runID, sessionKey string, err error) {
	childSessionKey := queue.QueueName(record.Target) + ":subagent:" + uuid.NewString()
	const childDepth = 1

	launchCtx := ctx
	if record.TimeoutMs > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, time.Duration(record.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	patchReq := sessionhost.PatchSessionRequest{
		SessionKey:    childSessionKey,
		Depth:         childDepth,
		Model:         record.Model,
		ThinkingLevel: record.ThinkingLevel,
	}
	if err := l.sessionHost.PatchSession(launchCtx, patchReq); err != nil {
		return "", "", errors.Wrap(err, "failed to patch approved child session")
	}

	startResp, err := l.sessionHost.StartSession(launchCtx, sessionhost.StartSessionRequest{
		SessionKey:    childSessionKey,
		Depth:         childDepth,
		Model:         record.Model,
		ThinkingLevel: record.ThinkingLevel,
		Task:          approvedPreamble + record.Task,
		Deliver:       false,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "failed to start approved child session")
	}

	l.logDebug("registered approved subagent run", "runId", startResp.RunID, "sessionKey", childSessionKey,
		"announceSessionKey", record.DispatcherSessionKey, "label", record.Label, "cleanup", string(record.Cleanup))
	return startResp.RunID, childSessionKey, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// buildSubagentSystemPrompt constructs the addition appended to a child
// session's system prompt. systemPromptAddition on the job is honored only
// for system-agent dispatchers, per SPEC_FULL.md §4.7 step 3.
func buildSubagentSystemPrompt(record *queue.Record, callerIsSystemAgent bool) string {
	if !callerIsSystemAgent {
		return ""
	}
	return record.SystemPromptAddition
}

// Worker consumes jobs from one agent queue at concurrency 1.
type Worker struct {
	agentID     string
	queueName   string
	launcher    *Launcher
	store       *store.Store
	tracker     *tracker.Tracker
	logger      Logger
	pollInterval time.Duration
}

// New constructs a Worker for agentID's queue.
func New(agentID string, launcher *Launcher, s *store.Store, t *tracker.Tracker, logger Logger) *Worker {
	return &Worker{
		agentID:      agentID,
		queueName:    queue.QueueName(agentID),
		launcher:     launcher,
		store:        s,
		tracker:      t,
		logger:       logger,
		pollInterval: 1 * time.Second,
	}
}

func (w *Worker) logError(msg string, kv ...any) {
	if w.logger != nil {
		w.logger.LogError(msg, kv...)
	}
}

// Run consumes jobs from the queue until ctx is cancelled. It never
// returns an error; failures are logged and the loop continues, matching
// the teacher's top-level poller-loop resilience.
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

// drainOnce pops and processes jobs from the waiting set until it is empty,
// so a burst of enqueued work is not throttled to one job per poll tick.
func (w *Worker) drainOnce(ctx context.Context) {
	waitingKey := store.QueueKey(w.queueName) + "waiting"
	for {
		jobID, ok, err := w.store.ZPopMinReady(ctx, waitingKey, float64(time.Now().Unix()))
		if err != nil {
			w.logError("failed to pop job from queue", "queue", w.queueName, "error", err.Error())
			return
		}
		if !ok {
			return
		}
		w.processJob(ctx, jobID)
	}
}

func (w *Worker) processJob(ctx context.Context, jobID string) {
	record, _, err := w.tracker.FindJobByRunID(ctx, jobID)
	if err != nil {
		w.logError("launch worker could not resolve job", "jobId", jobID, "error", err.Error())
		return
	}
	if record.Status.Terminal() {
		return
	}

	launchCtx, cancel := context.WithTimeout(ctx, queue.LockDuration)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = queue.LaunchRetryBaseDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= queue.LaunchRetryAttempts; attempt++ {
		_, err := w.launcher.Launch(launchCtx, record)
		if err == nil {
			return
		}
		lastErr = err
		if IsUnrecoverable(err) {
			break
		}
		if attempt < queue.LaunchRetryAttempts {
			select {
			case <-launchCtx.Done():
				break
			case <-time.After(bo.NextBackOff()):
			}
			// Re-read the record before the next attempt: another handler
			// (e.g. a cancellation) may have moved it to a terminal state
			// concurrently, mirroring poller.go's re-read-before-mutate
			// discipline.
			fresh, _, ferr := w.tracker.FindJobByRunID(ctx, jobID)
			if ferr == nil {
				if fresh.Status.Terminal() {
					return
				}
				record = fresh
			}
		}
	}

	w.logError("launch failed permanently", "jobId", jobID, "error", lastErr.Error())
	_, _ = w.tracker.UpdateJobStatus(ctx, jobID, queue.StatusFailed, func(r *queue.Record) {
		r.Error = lastErr.Error()
	})
}

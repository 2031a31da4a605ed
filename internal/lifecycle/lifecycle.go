// Package lifecycle consumes the two events the session host emits for a
// child session's execution lifecycle, distinct from the dispatch-launch
// lifecycle owned by internal/worker (SPEC_FULL.md §4.6).
//
// Grounded on server/poller.go's handleAgentRunning/Finished/Failed/Stopped
// dispatch-by-status functions and publishAgentStatusChange/
// handleWorkflowAgentTerminal notification plumbing — this package keeps
// that function-per-terminal-state shape.
package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/dlq"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/tracker"
)

// Logger is the minimal structured-logging surface this package depends on.
type Logger interface {
	LogError(msg string, keyValuePairs ...any)
}

// AgentEndEvent is the payload the session host sends when a child session
// completes.
type AgentEndEvent struct {
	SessionKey string
	Success    bool
	Error      string
	// LastAssistantMessage is the child's last assistant message, read only
	// when the owning job has StoreResult set.
	LastAssistantMessage string
}

// ToolCallEvent is the payload for a sessions_spawn call observed outside
// dispatch (the backward-compatibility path).
type ToolCallEvent struct {
	ToolName   string
	RunID      string
	SessionKey string
	Target     string
	Task       string
}

// Handler processes lifecycle hook events.
type Handler struct {
	tracker *tracker.Tracker
	alerter *dlq.Alerter
	cfg     *config.Config
	logger  Logger
	metrics *metrics.Registry
}

// New constructs a lifecycle Handler. reg may be nil, disabling job
// completion/failure recording.
func New(t *tracker.Tracker, alerter *dlq.Alerter, cfg *config.Config, logger Logger, reg *metrics.Registry) *Handler {
	return &Handler{
		tracker: t,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
	}
}

func (h *Handler) logError(msg string, kv ...any) {
	if h.logger != nil {
		h.logger.LogError(msg, kv...)
	}
}

// HandleToolCall implements the after_tool_call hook: sessions_spawn
// invocations outside of dispatch create a tracking job so these spawns
// also appear in the queue, for visibility only (no launch is performed —
// the spawn already happened).
func (h *Handler) HandleToolCall(ctx context.Context, event ToolCallEvent) error {
	if event.ToolName != "sessions_spawn" {
		return nil
	}
	record, err := h.tracker.CreateJob(ctx, tracker.CreateParams{
		Target:       event.Target,
		Task:         event.Task,
		DispatchedBy: "sessions_spawn",
	})
	if err != nil {
		return errors.Wrap(err, "failed to create tracking job for direct spawn")
	}
	now := time.Now()
	_, err = h.tracker.UpdateJobStatus(ctx, record.JobID, queue.StatusActive, func(r *queue.Record) {
		r.SessionHostRunID = event.RunID
		r.SessionHostSessionKey = event.SessionKey
		r.StartedAt = &now
	})
	if err != nil {
		return errors.Wrap(err, "failed to activate tracking job")
	}
	return h.tracker.IndexJobBySessionKey(ctx, event.SessionKey, record.JobID, queue.QueueName(event.Target))
}

// HandleAgentEnd implements the agent_end hook.
func (h *Handler) HandleAgentEnd(ctx context.Context, event AgentEndEvent) error {
	record, err := h.tracker.FindJobBySessionKey(ctx, event.SessionKey)
	if err != nil {
		return errors.Wrap(err, "failed to resolve job for ended session")
	}

	if event.Success {
		return h.handleSuccess(ctx, record, event)
	}
	return h.handleFailure(ctx, record, event)
}

func (h *Handler) handleSuccess(ctx context.Context, record *queue.Record, event AgentEndEvent) error {
	now := time.Now()
	_, err := h.tracker.UpdateJobStatus(ctx, record.JobID, queue.StatusCompleted, func(r *queue.Record) {
		r.CompletedAt = &now
		if r.StoreResult {
			r.Result = truncateResult(event.LastAssistantMessage)
		}
	})
	if err == nil && h.metrics != nil {
		h.metrics.RecordJobCompleted(record.Target)
	}
	return err
}

func truncateResult(s string) string {
	runes := []rune(s)
	if len(runes) <= queue.MaxResultChars {
		return s
	}
	return string(runes[:queue.MaxResultChars]) + "…"
}

func (h *Handler) handleFailure(ctx context.Context, record *queue.Record, event AgentEndEvent) error {
	now := time.Now()

	// Every failure first lands on StatusFailed, the one state the
	// documented loop (failed->retrying->queued) and the permanent path
	// both pass through, before branching to whichever follows.
	failed, err := h.tracker.UpdateJobStatus(ctx, record.JobID, queue.StatusFailed, func(r *queue.Record) {
		r.CompletedAt = &now
		r.Error = event.Error
	})
	if err != nil {
		return err
	}

	maxAttempts := h.cfg.RetryAgentFailureAttempts
	if record.RetryCount < maxAttempts-1 {
		return h.retryAgentFailure(ctx, failed, event, now)
	}

	if _, err := h.tracker.UpdateJobStatus(ctx, record.JobID, queue.StatusFailedPermanent, func(r *queue.Record) {
		r.CompletedAt = &now
		r.Error = event.Error
	}); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.RecordJobFailed(record.Target)
	}

	h.notifyTerminalFailure(ctx, record, event.Error)
	return nil
}

// retryAgentFailure enqueues a new job with retryCount+1, sets the failed
// job's status to retrying and retriedByJobId, and the new job's
// originalJobId, delayed by baseDelay·2^retryCount via
// cenkalti/backoff/v4's exponential backoff (distinct from the queue-
// native launch retry in internal/worker).
func (h *Handler) retryAgentFailure(ctx context.Context, record *queue.Record, event AgentEndEvent, now time.Time) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.RetryAgentFailureBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.MaxInterval = time.Duration(math.MaxInt64)
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 0; i < record.RetryCount; i++ {
		delay = bo.NextBackOff()
	}

	originalJobID := record.OriginalJobID
	if originalJobID == "" {
		originalJobID = record.JobID
	}

	retryRecord, err := h.tracker.CreateJob(ctx, tracker.CreateParams{
		Target:               record.Target,
		Task:                 record.Task,
		DispatchedBy:         record.DispatchedBy,
		Project:              record.Project,
		Label:                record.Label,
		Model:                record.Model,
		ThinkingLevel:        record.ThinkingLevel,
		SystemPromptAddition: record.SystemPromptAddition,
		Cleanup:              record.Cleanup,
		Depth:                record.Depth,
		DispatcherSessionKey: record.DispatcherSessionKey,
		DispatcherAgentID:    record.DispatcherAgentID,
		DispatcherDepth:      record.DispatcherDepth,
		DispatcherOrigin:     record.DispatcherOrigin,
		TimeoutMs:            record.TimeoutMs,
		StoreResult:          record.StoreResult,
		ReadyAt:              now.Add(delay),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create retry job")
	}

	_, err = h.tracker.UpdateJobStatus(ctx, retryRecord.JobID, queue.StatusQueued, func(r *queue.Record) {
		r.OriginalJobID = originalJobID
		r.RetryCount = record.RetryCount + 1
	})
	if err != nil {
		return errors.Wrap(err, "failed to stamp retry job lineage")
	}

	_, err = h.tracker.UpdateJobStatus(ctx, record.JobID, queue.StatusRetrying, func(r *queue.Record) {
		r.CompletedAt = &now
		r.Error = event.Error
		r.RetriedByJobID = retryRecord.JobID
	})
	return err
}

// notifyTerminalFailure alerts the dead-letter subsystem once retries are
// exhausted. Intermediate retry records never notify — only the terminal
// failed_permanent job does.
func (h *Handler) notifyTerminalFailure(ctx context.Context, record *queue.Record, failureError string) {
	if h.alerter == nil {
		return
	}
	h.alerter.Alert(ctx, record, failureError)
}

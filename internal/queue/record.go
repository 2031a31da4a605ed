// Package queue defines the per-queue tuning constants and the job record
// schema shared by the tracker, worker, lifecycle, and dispatch packages.
package queue

import (
	"strings"
	"time"
)

// Status is the job lifecycle status. Transitions are one-way except
// queued->active->announcing->completed; failed is reachable from any
// non-terminal state; failed->retrying->queued (a new record) is the only
// loop, via a new JobID with RetryCount incremented.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusActive          Status = "active"
	StatusAnnouncing      Status = "announcing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusFailedPermanent Status = "failed_permanent"
	StatusRetrying        Status = "retrying"
	StatusStalled         Status = "stalled"
)

// Terminal reports whether status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedPermanent
}

// Cleanup controls what happens to a child session after a job finishes.
type Cleanup string

const (
	CleanupDelete Cleanup = "delete"
	CleanupKeep   Cleanup = "keep"
)

// DispatcherOrigin identifies where a dispatch originated, for routing
// results and notifications back to the requester.
type DispatcherOrigin struct {
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	To        string `json:"to,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Record is the durable job record. See SPEC_FULL.md §3 for field
// semantics and invariants.
type Record struct {
	// Identity
	JobID          string `json:"jobId"`
	OriginalJobID  string `json:"originalJobId,omitempty"`
	RetriedByJobID string `json:"retriedByJobId,omitempty"`

	// Dispatch
	Target               string   `json:"target"`
	Task                 string   `json:"task"`
	DispatchedBy         string   `json:"dispatchedBy"`
	Project              string   `json:"project,omitempty"`
	Label                string   `json:"label,omitempty"`
	Model                string   `json:"model,omitempty"`
	ThinkingLevel        string   `json:"thinkingLevel,omitempty"`
	SystemPromptAddition string   `json:"systemPromptAddition,omitempty"`
	Cleanup              Cleanup  `json:"cleanup,omitempty"`
	Depth                int      `json:"depth"`
	DependsOn            []string `json:"dependsOn,omitempty"`

	// Lifecycle
	Status      Status     `json:"status"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Result
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Dispatcher context
	DispatcherSessionKey string           `json:"dispatcherSessionKey,omitempty"`
	DispatcherAgentID    string           `json:"dispatcherAgentId,omitempty"`
	DispatcherDepth      int              `json:"dispatcherDepth"`
	DispatcherOrigin     DispatcherOrigin `json:"dispatcherOrigin,omitempty"`

	// Session-host linkage
	SessionHostRunID      string `json:"sessionHostRunId,omitempty"`
	SessionHostSessionKey string `json:"sessionHostSessionKey,omitempty"`

	// Timeouts/retry
	TimeoutMs   int64 `json:"timeoutMs,omitempty"`
	RetryCount  int   `json:"retryCount"`
	StoreResult bool  `json:"storeResult,omitempty"`
}

// IsRoot reports whether this record is the root of its retry chain.
func (r *Record) IsRoot() bool {
	return r.OriginalJobID == "" || r.OriginalJobID == r.JobID
}

// QueueName returns the canonical per-agent queue name. The distilled spec
// notes the reference implementation used two conflicting forms
// (agent-{id} and agent:{id}); this module settles on the colon form to
// match the teacher's colon-delimited key conventions throughout
// server/store/kvstore (see SPEC_FULL.md §9 open questions).
func QueueName(agentID string) string {
	return "agent:" + agentID
}

// DepGatesQueueName is the single shared queue for dependency-gate jobs.
const DepGatesQueueName = "dep-gates"

// AgentFromQueueName inverts QueueName, stripping the "agent:" prefix.
func AgentFromQueueName(queueName string) string {
	return strings.TrimPrefix(queueName, "agent:")
}

// Tuning constants. These are the design's key safety guarantees and must
// not be lowered by an implementer (SPEC_FULL.md §4.3).
const (
	// LockDuration is how long a worker holds its lock on a job while
	// performing the launch sequence. The unit of work (a child session
	// launch) runs long; a shorter lock causes false stalls and
	// double-launches.
	LockDuration = 5 * time.Minute

	// StallCheckInterval is how often the stall-detector sweeps for
	// workers that have not renewed their lock.
	StallCheckInterval = 3 * time.Minute

	// MaxStalledCount is the number of times a job may be detected
	// stalled before it is dead-lettered.
	MaxStalledCount = 2

	// LaunchRetryAttempts is the number of queue-native retries for
	// launch failures (distinct from the agent-level retry path in
	// internal/lifecycle).
	LaunchRetryAttempts = 3

	// LaunchRetryBaseDelay is the exponential backoff base for launch
	// retries.
	LaunchRetryBaseDelay = 5 * time.Second

	// CompletedRetentionAge / CompletedRetentionCount bound completed-job
	// retention, whichever limit is hit first.
	CompletedRetentionAge   = 7 * 24 * time.Hour
	CompletedRetentionCount = 1000

	// FailedRetentionAge / FailedRetentionCount bound failed-job
	// retention, whichever limit is hit first.
	FailedRetentionAge   = 30 * 24 * time.Hour
	FailedRetentionCount = 5000

	// AgentQueueConcurrency is the worker concurrency per agent queue.
	// Parallelism is across queues, not within one.
	AgentQueueConcurrency = 1

	// DepGateConcurrency is the worker concurrency for the shared
	// dependency-gate queue.
	DepGateConcurrency = 10

	// DepGatePollInterval / DepGatePollCap bound how long a gate worker
	// polls a referenced dependency job before giving up (recoverable).
	DepGatePollInterval = 5 * time.Second
	DepGatePollCap      = 30 * time.Minute

	// DepGateLockDuration must strictly exceed DepGatePollCap plus buffer.
	DepGateLockDuration = 35 * time.Minute

	// MaxDependsOn bounds the dependsOn list length.
	MaxDependsOn = 20

	// MaxTaskChars bounds task text length.
	MaxTaskChars = 50000

	// MaxResultChars bounds captured result length.
	MaxResultChars = 5000
)

// RecoveryErrorMessage is the literal error recorded on jobs force-marked
// failed during restart recovery (SPEC_FULL.md §4.10). The literal string
// is part of the contract tested by TESTABLE PROPERTIES scenario 6.
const RecoveryErrorMessage = "Gateway restart during execution — job state unknown"

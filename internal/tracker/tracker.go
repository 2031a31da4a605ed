// Package tracker owns the queue instances' durable job records, the two
// reverse indexes (jobId->queue, sessionKey->job), dependency-flow
// creation, and periodic stale-index cleanup (SPEC_FULL.md §4.4).
package tracker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/store"
)

func marshalIndexEntry(e sessionIndexEntry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal session index entry")
	}
	return string(data), nil
}

func unmarshalIndexEntry(raw string, e *sessionIndexEntry) error {
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		return errors.Wrap(err, "failed to unmarshal session index entry")
	}
	return nil
}

// ErrJobNotFound is returned when a job id or session key does not
// resolve to an existing job record — including by CreateJob when a
// dependsOn id does not resolve.
var ErrJobNotFound = errors.New("job not found")

// CreateParams describes a new job to enqueue.
type CreateParams struct {
	Target               string
	Task                 string
	DispatchedBy         string
	Project              string
	Label                string
	Model                string
	ThinkingLevel        string
	SystemPromptAddition string
	Cleanup              queue.Cleanup
	Depth                int
	DependsOn            []string
	DispatcherSessionKey string
	DispatcherAgentID    string
	DispatcherDepth      int
	DispatcherOrigin     queue.DispatcherOrigin
	TimeoutMs            int64
	StoreResult          bool
	// ReadyAt delays the job's visibility to workers until this time (used
	// by the agent-level retry path's exponential backoff delay). Zero
	// value means immediately ready.
	ReadyAt time.Time
}

// QueueStats mirrors BullMQ-style per-queue counters.
type QueueStats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    int
}

// sessionIndexEntry is the JSON value stored in the sessionKey->job hash.
type sessionIndexEntry struct {
	JobID     string `json:"jobId"`
	QueueName string `json:"queueName"`
}

// Tracker is the job tracker described in SPEC_FULL.md §4.4.
type Tracker struct {
	store *store.Store
}

// New constructs a Tracker over store.
func New(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

func jobKey(queueName, jobID string) string {
	return store.QueueKey(queueName) + "job:" + jobID
}

// CreateJob creates a new job record in queue agent-{target} (canonical
// form agent:{target}, see internal/queue.QueueName). If DependsOn is
// empty, the record, its index entry and its waiting-set entry are written
// as separate commands; the three writes are not atomic. If non-empty,
// every referenced job is first verified to exist; the new job is held in
// a waiting-children state (status queued, but never transitions to active
// until all dependencies complete — enforced by internal/depgate) and one
// dependency-gate child job is created per dependency on the dep-gates
// queue.
func (t *Tracker) CreateJob(ctx context.Context, params CreateParams) (*queue.Record, error) {
	if len(params.DependsOn) > queue.MaxDependsOn {
		return nil, errors.Errorf("dependsOn exceeds max of %d", queue.MaxDependsOn)
	}
	if len(params.Task) > queue.MaxTaskChars {
		return nil, errors.Errorf("task exceeds max of %d chars", queue.MaxTaskChars)
	}

	for _, dep := range params.DependsOn {
		if _, _, err := t.FindJobByRunID(ctx, dep); err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return nil, errors.Wrapf(ErrJobNotFound, "dependency %q", dep)
			}
			return nil, err
		}
	}

	queueName := queue.QueueName(params.Target)
	jobID := uuid.NewString()

	record := &queue.Record{
		JobID:                jobID,
		Target:               params.Target,
		Task:                 params.Task,
		DispatchedBy:         params.DispatchedBy,
		Project:              params.Project,
		Label:                params.Label,
		Model:                params.Model,
		ThinkingLevel:        params.ThinkingLevel,
		SystemPromptAddition: params.SystemPromptAddition,
		Cleanup:              params.Cleanup,
		Depth:                params.Depth,
		DependsOn:            params.DependsOn,
		Status:               queue.StatusQueued,
		QueuedAt:             time.Now(),
		DispatcherSessionKey: params.DispatcherSessionKey,
		DispatcherAgentID:    params.DispatcherAgentID,
		DispatcherDepth:      params.DispatcherDepth,
		DispatcherOrigin:     params.DispatcherOrigin,
		TimeoutMs:            params.TimeoutMs,
		StoreResult:          params.StoreResult,
	}

	if err := t.persist(ctx, queueName, record); err != nil {
		return nil, err
	}

	if len(params.DependsOn) == 0 {
		readyAt := record.QueuedAt
		if !params.ReadyAt.IsZero() {
			readyAt = params.ReadyAt
		}
		if err := t.store.ZAdd(ctx, store.QueueKey(queueName)+"waiting", float64(readyAt.Unix()), jobID); err != nil {
			return nil, err
		}
	} else {
		// A job with dependencies never enters its own queue's waiting set
		// directly — internal/depgate releases it once every dependency
		// gate resolves (ResolveGateSuccess).
		for _, dep := range params.DependsOn {
			if err := t.createGateJob(ctx, jobID, dep, params.Target); err != nil {
				return nil, err
			}
		}
	}

	return record, nil
}

func (t *Tracker) createGateJob(ctx context.Context, parentJobID, dependencyJobID, parentTarget string) error {
	gateID := uuid.NewString()
	gate := &GateRecord{
		GateID:          gateID,
		ParentJobID:     parentJobID,
		DependencyJobID: dependencyJobID,
		ParentTarget:    parentTarget,
		CreatedAt:       time.Now(),
	}
	key := store.QueueKey(queue.DepGatesQueueName) + "gate:" + gateID
	if err := t.store.SetJSON(ctx, key, gate, 0); err != nil {
		return errors.Wrap(err, "failed to persist gate job")
	}
	if err := t.store.HSet(ctx, store.PrefixGatesPending+parentJobID, dependencyJobID, gateID); err != nil {
		return errors.Wrap(err, "failed to register pending dependency")
	}
	return t.store.ZAdd(ctx, store.QueueKey(queue.DepGatesQueueName)+"waiting", float64(gate.CreatedAt.Unix()), gateID)
}

// GateRecord is the dependency-gate job payload (SPEC_FULL.md §4.8).
type GateRecord struct {
	GateID          string    `json:"gateId"`
	ParentJobID     string    `json:"parentJobId"`
	DependencyJobID string    `json:"dependencyJobId"`
	ParentTarget    string    `json:"parentTarget"`
	CreatedAt       time.Time `json:"createdAt"`
}

func gateKey(gateID string) string {
	return store.QueueKey(queue.DepGatesQueueName) + "gate:" + gateID
}

// PopGateJob pops the next ready dependency-gate job from the dep-gates
// queue. ok is false if none is currently ready.
func (t *Tracker) PopGateJob(ctx context.Context) (*GateRecord, bool, error) {
	gateID, ok, err := t.store.ZPopMinReady(ctx, store.QueueKey(queue.DepGatesQueueName)+"waiting", float64(time.Now().Unix()))
	if err != nil || !ok {
		return nil, ok, err
	}
	var gate GateRecord
	found, err := t.store.GetJSON(ctx, gateKey(gateID), &gate)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &gate, true, nil
}

// RequeueGateJob re-enqueues gate to be polled again at readyAt — the
// dependency-gate worker's 5 s poll interval (SPEC_FULL.md §4.8).
func (t *Tracker) RequeueGateJob(ctx context.Context, gate *GateRecord, readyAt time.Time) error {
	return t.store.ZAdd(ctx, store.QueueKey(queue.DepGatesQueueName)+"waiting", float64(readyAt.Unix()), gate.GateID)
}

// ResolveGateSuccess clears gate's dependency from the parent's pending
// set. Once every dependency has resolved, the parent job is released onto
// its target queue's waiting set.
func (t *Tracker) ResolveGateSuccess(ctx context.Context, gate *GateRecord) error {
	pendingKey := store.PrefixGatesPending + gate.ParentJobID
	if err := t.store.HDel(ctx, pendingKey, gate.DependencyJobID); err != nil {
		return errors.Wrap(err, "failed to clear resolved dependency")
	}
	if err := t.store.Delete(ctx, gateKey(gate.GateID)); err != nil {
		return errors.Wrap(err, "failed to delete completed gate record")
	}

	remaining, err := t.store.HKeys(ctx, pendingKey)
	if err != nil {
		return errors.Wrap(err, "failed to read remaining dependencies")
	}
	if len(remaining) > 0 {
		return nil
	}

	record, _, err := t.FindJobByRunID(ctx, gate.ParentJobID)
	if err != nil {
		return err
	}
	if record.Status != queue.StatusQueued {
		// Parent already moved on — e.g. a sibling gate already fail-fast
		// failed it. Do not resurrect it onto the waiting set.
		return nil
	}
	return t.store.ZAdd(ctx, store.QueueKey(queue.QueueName(gate.ParentTarget))+"waiting", float64(time.Now().Unix()), gate.ParentJobID)
}

// ResolveGateFailure fail-fasts the parent job: a dependency it waited on
// failed, so the parent is marked permanently failed rather than unlocked
// (SPEC_FULL.md §4.8 — "parent remains permanently blocked").
func (t *Tracker) ResolveGateFailure(ctx context.Context, gate *GateRecord, reason string) error {
	now := time.Now()
	if _, err := t.UpdateJobStatus(ctx, gate.ParentJobID, queue.StatusFailedPermanent, func(r *queue.Record) {
		r.CompletedAt = &now
		r.Error = reason
	}); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, store.PrefixGatesPending+gate.ParentJobID); err != nil {
		return errors.Wrap(err, "failed to clear pending dependency index")
	}
	return t.store.Delete(ctx, gateKey(gate.GateID))
}

// ResolveGateTimeout marks the parent job recoverably failed when its gate
// exceeded DepGatePollCap without the dependency resolving. Unlike
// ResolveGateFailure this uses StatusFailed, not StatusFailedPermanent, so
// the job stays retryable through jobrelayctl retry or a future dependency
// re-dispatch rather than being written off for good.
func (t *Tracker) ResolveGateTimeout(ctx context.Context, gate *GateRecord, reason string) error {
	now := time.Now()
	if _, err := t.UpdateJobStatus(ctx, gate.ParentJobID, queue.StatusFailed, func(r *queue.Record) {
		r.CompletedAt = &now
		r.Error = reason
	}); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, store.PrefixGatesPending+gate.ParentJobID); err != nil {
		return errors.Wrap(err, "failed to clear pending dependency index")
	}
	return t.store.Delete(ctx, gateKey(gate.GateID))
}

func (t *Tracker) persist(ctx context.Context, queueName string, record *queue.Record) error {
	if err := t.store.SetJSON(ctx, jobKey(queueName, record.JobID), record, 0); err != nil {
		return errors.Wrap(err, "failed to persist job record")
	}
	if err := t.store.HSet(ctx, store.PrefixJobIndex, record.JobID, queueName); err != nil {
		return errors.Wrap(err, "failed to write job index")
	}
	return nil
}

// UpdateJobStatus updates status and any extras on the job, index-hit
// first, falling back to a full scan with index repair if the index entry
// is missing or stale.
func (t *Tracker) UpdateJobStatus(ctx context.Context, jobID string, status queue.Status, mutate func(*queue.Record)) (*queue.Record, error) {
	record, queueName, err := t.FindJobByRunID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	record.Status = status
	if mutate != nil {
		mutate(record)
	}
	if err := t.persist(ctx, queueName, record); err != nil {
		return nil, err
	}
	return record, nil
}

// FindJobByRunID resolves a job via the jobId->queue index, falling back
// to a scan across known queues (via the index's value set) with index
// repair if the direct hash lookup misses.
func (t *Tracker) FindJobByRunID(ctx context.Context, jobID string) (*queue.Record, string, error) {
	queueName, ok, err := t.store.HGet(ctx, store.PrefixJobIndex, jobID)
	if err != nil {
		return nil, "", err
	}
	if ok {
		var record queue.Record
		found, err := t.store.GetJSON(ctx, jobKey(queueName, jobID), &record)
		if err != nil {
			return nil, "", err
		}
		if found {
			return &record, queueName, nil
		}
		// Stale index entry: the job record is gone but the index still
		// points at it. Repair by removing the index entry before falling
		// through to the scan fallback.
		_ = t.store.HDel(ctx, store.PrefixJobIndex, jobID)
	}

	queueNames, err := t.knownQueueNames(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, qn := range queueNames {
		var record queue.Record
		found, err := t.store.GetJSON(ctx, jobKey(qn, jobID), &record)
		if err != nil {
			return nil, "", err
		}
		if found {
			_ = t.store.HSet(ctx, store.PrefixJobIndex, jobID, qn)
			return &record, qn, nil
		}
	}

	return nil, "", errors.Wrapf(ErrJobNotFound, "job %q", jobID)
}

// FindJobBySessionKey resolves a job via the sessionKey->job reverse
// index, following the same O(1)-index-path contract as FindJobByRunID.
func (t *Tracker) FindJobBySessionKey(ctx context.Context, sessionKey string) (*queue.Record, error) {
	raw, ok, err := t.store.HGet(ctx, store.PrefixSessionIndex, sessionKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "session key %q", sessionKey)
	}
	var entry sessionIndexEntry
	if err := unmarshalIndexEntry(raw, &entry); err != nil {
		return nil, err
	}
	record, _, err := t.FindJobByRunID(ctx, entry.JobID)
	return record, err
}

// IndexJobBySessionKey writes the reverse index after the worker learns
// the child session key, per SPEC_FULL.md §4.5 step 13.
func (t *Tracker) IndexJobBySessionKey(ctx context.Context, sessionKey, jobID, queueName string) error {
	raw, err := marshalIndexEntry(sessionIndexEntry{JobID: jobID, QueueName: queueName})
	if err != nil {
		return err
	}
	return t.store.HSet(ctx, store.PrefixSessionIndex, sessionKey, raw)
}

// knownQueueNames returns the distinct queue names currently referenced by
// the job index, used as the scan-fallback search space.
func (t *Tracker) knownQueueNames(ctx context.Context) ([]string, error) {
	fields, err := t.store.HKeys(ctx, store.PrefixJobIndex)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var names []string
	for _, jobID := range fields {
		qn, ok, err := t.store.HGet(ctx, store.PrefixJobIndex, jobID)
		if err != nil || !ok {
			continue
		}
		if _, dup := seen[qn]; !dup {
			seen[qn] = struct{}{}
			names = append(names, qn)
		}
	}
	return names, nil
}

// GetQueueStats returns per-queue counters for the given agent, or across
// all known queues if agentID is empty.
func (t *Tracker) GetQueueStats(ctx context.Context, agentID string) (map[string]QueueStats, error) {
	result := map[string]QueueStats{}

	fields, err := t.store.HKeys(ctx, store.PrefixJobIndex)
	if err != nil {
		return nil, err
	}

	for _, jobID := range fields {
		qn, ok, err := t.store.HGet(ctx, store.PrefixJobIndex, jobID)
		if err != nil || !ok {
			continue
		}
		if agentID != "" && qn != queue.QueueName(agentID) {
			continue
		}
		var record queue.Record
		found, err := t.store.GetJSON(ctx, jobKey(qn, jobID), &record)
		if err != nil || !found {
			continue
		}
		stats := result[qn]
		switch record.Status {
		case queue.StatusQueued:
			stats.Waiting++
		case queue.StatusActive, queue.StatusAnnouncing:
			stats.Active++
		case queue.StatusCompleted:
			stats.Completed++
		case queue.StatusFailed, queue.StatusFailedPermanent:
			stats.Failed++
		case queue.StatusRetrying:
			stats.Delayed++
		}
		result[qn] = stats
	}

	return result, nil
}

// CountActiveChildren counts jobs currently active or announcing whose
// DispatcherAgentID is callerAgentID, used by the worker's fan-out
// validation step (SPEC_FULL.md §4.5 step 4).
func (t *Tracker) CountActiveChildren(ctx context.Context, callerAgentID string) (int, error) {
	fields, err := t.store.HKeys(ctx, store.PrefixJobIndex)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, jobID := range fields {
		record, _, err := t.FindJobByRunID(ctx, jobID)
		if err != nil {
			continue
		}
		if record.DispatcherAgentID != callerAgentID {
			continue
		}
		if record.Status == queue.StatusActive || record.Status == queue.StatusAnnouncing {
			count++
		}
	}
	return count, nil
}

// ListFilter narrows ListJobs results. Zero-value fields are unfiltered.
type ListFilter struct {
	Agent   string
	Status  queue.Status
	Project string
	Limit   int
}

// ListJobs scans the job index for records matching filter, newest first,
// capped at filter.Limit (default 20, max 100).
func (t *Tracker) ListJobs(ctx context.Context, filter ListFilter) ([]*queue.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	fields, err := t.store.HKeys(ctx, store.PrefixJobIndex)
	if err != nil {
		return nil, err
	}

	var matched []*queue.Record
	for _, jobID := range fields {
		record, _, err := t.FindJobByRunID(ctx, jobID)
		if err != nil {
			continue
		}
		if filter.Agent != "" && record.Target != filter.Agent {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.Project != "" && record.Project != filter.Project {
			continue
		}
		matched = append(matched, record)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].QueuedAt.After(matched[j].QueuedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// WaitingForDependencies reports whether jobID still has unresolved
// dependency gates.
func (t *Tracker) WaitingForDependencies(ctx context.Context, jobID string) (bool, error) {
	fields, err := t.store.HKeys(ctx, store.PrefixGatesPending+jobID)
	if err != nil {
		return false, err
	}
	return len(fields) > 0, nil
}

// CleanupStaleIndexEntries scans both indexes; for each entry it resolves
// the underlying job and removes the entry if the job is gone. Processes
// in batches of 50 to avoid long-running single operations.
func (t *Tracker) CleanupStaleIndexEntries(ctx context.Context) (removed int, err error) {
	const batchSize = 50

	jobFields, err := t.store.HKeys(ctx, store.PrefixJobIndex)
	if err != nil {
		return 0, err
	}
	for i := 0; i < len(jobFields); i += batchSize {
		end := min(i+batchSize, len(jobFields))
		for _, jobID := range jobFields[i:end] {
			qn, ok, err := t.store.HGet(ctx, store.PrefixJobIndex, jobID)
			if err != nil {
				return removed, err
			}
			if !ok {
				continue
			}
			var record queue.Record
			found, err := t.store.GetJSON(ctx, jobKey(qn, jobID), &record)
			if err != nil {
				return removed, err
			}
			if !found {
				if err := t.store.HDel(ctx, store.PrefixJobIndex, jobID); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}

	sessionFields, err := t.store.HKeys(ctx, store.PrefixSessionIndex)
	if err != nil {
		return removed, err
	}
	for i := 0; i < len(sessionFields); i += batchSize {
		end := min(i+batchSize, len(sessionFields))
		for _, sessionKey := range sessionFields[i:end] {
			raw, ok, err := t.store.HGet(ctx, store.PrefixSessionIndex, sessionKey)
			if err != nil {
				return removed, err
			}
			if !ok {
				continue
			}
			var entry sessionIndexEntry
			if err := unmarshalIndexEntry(raw, &entry); err != nil {
				continue
			}
			if _, _, err := t.FindJobByRunID(ctx, entry.JobID); err != nil {
				if err := t.store.HDel(ctx, store.PrefixSessionIndex, sessionKey); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}

	return removed, nil
}

// RunPeriodicCleanup runs CleanupStaleIndexEntries every interval until ctx
// is cancelled, swallowing and logging failures (SPEC_FULL.md §4.4: "every
// 1h, non-blocking, failures logged and swallowed").
func (t *Tracker) RunPeriodicCleanup(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.CleanupStaleIndexEntries(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// ActiveOrAnnouncing returns every job record across all queues whose
// status is active or announcing, used by the restart-recovery scan
// (SPEC_FULL.md §4.10).
func (t *Tracker) ActiveOrAnnouncing(ctx context.Context) ([]*queue.Record, string, error) {
	fields, err := t.store.HKeys(ctx, store.PrefixJobIndex)
	if err != nil {
		return nil, "", err
	}
	var records []*queue.Record
	for _, jobID := range fields {
		record, qn, err := t.FindJobByRunID(ctx, jobID)
		if err != nil {
			continue
		}
		if record.Status == queue.StatusActive || record.Status == queue.StatusAnnouncing {
			records = append(records, record)
			_ = qn
		}
	}
	return records, "", nil
}

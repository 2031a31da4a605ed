// Package approval implements the store-backed human-approval mini-
// workflow for gated dispatches (SPEC_FULL.md §4.9): create, approve,
// reject, and reaction-triggered approve/reject, all funneled through the
// same atomic compare-and-swap primitive.
//
// Grounded on server/hitl.go's acceptPlan/rejectWorkflow/
// handlePossibleWorkflowReply/postBotReplyInThread/updatePostWithAttachment
// control flow, including the "re-read the record before acting"
// discipline poller.go teaches elsewhere. The CAS script itself reuses
// internal/store's script.Run(ctx, client, keys, args...).Result() shape.
package approval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/messaging"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/sanitize"
	"github.com/jobrelay/dispatch/internal/store"
)

// Status is an approval record's lifecycle state.
type Status string

const (
	StatusPending             Status = "pending"
	StatusApproved            Status = "approved"
	StatusApprovedSpawnFailed Status = "approved_spawn_failed"
	StatusRejected            Status = "rejected"
	StatusExpired             Status = "expired"
)

const maxNotificationChars = 500

// Record is a durable approval record. It carries the full dispatch
// parameters of the gated request (SPEC_FULL.md §3 "Approval record") so
// approving it reproduces exactly what the caller asked for, not a subset.
type Record struct {
	ApprovalID           string    `json:"approvalId"`
	Status               Status    `json:"status"`
	Target               string    `json:"target"`
	Task                 string    `json:"task"`
	Project              string    `json:"project,omitempty"`
	Label                string    `json:"label,omitempty"`
	Model                string    `json:"model,omitempty"`
	ThinkingLevel        string    `json:"thinkingLevel,omitempty"`
	TimeoutMs            int64     `json:"timeoutMs,omitempty"`
	Cleanup              queue.Cleanup `json:"cleanup,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	DispatchedBy         string    `json:"dispatchedBy"`
	DispatcherSessionKey string    `json:"dispatcherSessionKey,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	ExpiresAt            time.Time `json:"expiresAt"`
	ApprovedAt           *time.Time `json:"approvedAt,omitempty"`
	RejectedAt           *time.Time `json:"rejectedAt,omitempty"`
	ExpiredAt            *time.Time `json:"expiredAt,omitempty"`
	NotificationMessageID string   `json:"notificationMessageId,omitempty"`
	SpawnedRunID         string    `json:"spawnedRunId,omitempty"`
	SpawnedSessionKey    string    `json:"spawnedSessionKey,omitempty"`
}

func key(approvalID string) string {
	return store.PrefixApproval + approvalID
}

// remainingTTL returns the time left until record's original expiry, floored
// at one second. Every later persist of a terminal record must reuse this
// instead of a bare zero TTL, which go-redis and the CAS script both treat
// as "never expire" — silently promoting a 7-day-TTL approval record to
// permanent the moment it transitions.
func remainingTTL(record *Record) time.Duration {
	remaining := time.Until(record.ExpiresAt)
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

func remainingTTLSeconds(record *Record) int64 {
	return int64(remainingTTL(record).Seconds())
}

// Spawner performs the simplified worker-launch used once a request is
// approved: caller depth fixed to 0, child depth 1, no depth/fan-out/
// allowlist checks (a human explicitly approved), the caller's original
// session as the announce requester.
type Spawner interface {
	SpawnApproved(ctx context.Context, record *Record) (runID, sessionKey string, err error)
}

// Logger is the minimal structured-logging surface this package depends on.
type Logger interface {
	LogError(msg string, keyValuePairs ...any)
}

// Service implements the approval create/approve/reject/reaction flows.
type Service struct {
	store     *store.Store
	sender    messaging.Sender
	spawner   Spawner
	sanitizer *sanitize.Sanitizer
	channel   string
	ttl       time.Duration
	approvers []string
	logger    Logger
	metrics   *metrics.Registry
}

// New constructs an approval Service. channel is the notification channel
// (e.g. a Slack channel id); ttl bounds how long a pending approval lives;
// approvers is the fail-secure authorized-approver allowlist. reg may be
// nil, disabling outcome recording.
func New(s *store.Store, sender messaging.Sender, spawner Spawner, channel string, ttl time.Duration, approvers []string, logger Logger, reg *metrics.Registry) *Service {
	return &Service{
		store:     s,
		sender:    sender,
		spawner:   spawner,
		sanitizer: sanitize.NewSanitizer(),
		channel:   channel,
		ttl:       ttl,
		approvers: approvers,
		logger:    logger,
		metrics:   reg,
	}
}

func (s *Service) logError(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.LogError(msg, kv...)
	}
}

func (s *Service) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordApprovalOutcome(outcome)
	}
}

// CreateParams describes a dispatch awaiting approval.
type CreateParams struct {
	Target               string
	Task                 string
	Project              string
	Label                string
	Model                string
	ThinkingLevel        string
	TimeoutMs            int64
	Cleanup              queue.Cleanup
	Reason               string
	DispatchedBy         string
	DispatcherSessionKey string
}

// Create runs the approval create path (SPEC_FULL.md §4.9 steps 1-5). If
// the channel is not configured, it returns an error rather than orphaning
// a record nobody can act on.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Record, error) {
	if s.channel == "" {
		return nil, errors.New("approval channel is not configured")
	}

	now := time.Now()
	record := &Record{
		ApprovalID:           uuid.NewString(),
		Status:               StatusPending,
		Target:               params.Target,
		Task:                 params.Task,
		Project:              params.Project,
		Label:                params.Label,
		Model:                params.Model,
		ThinkingLevel:        params.ThinkingLevel,
		TimeoutMs:            params.TimeoutMs,
		Cleanup:              params.Cleanup,
		Reason:               params.Reason,
		DispatchedBy:         params.DispatchedBy,
		DispatcherSessionKey: params.DispatcherSessionKey,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.ttl),
	}

	notification := s.sanitizer.SanitizeNotification(params.Task, maxNotificationChars)
	messageID, err := s.sender.Send(ctx, s.channel, params.Target, notification, record.ApprovalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send approval notification")
	}
	record.NotificationMessageID = messageID

	if err := s.store.SetJSON(ctx, key(record.ApprovalID), record, s.ttl); err != nil {
		return nil, errors.Wrap(err, "failed to persist approval record")
	}
	if err := s.store.ZAdd(ctx, store.PrefixApprovalsPending, float64(now.Unix()), record.ApprovalID); err != nil {
		return nil, errors.Wrap(err, "failed to index pending approval")
	}
	if params.Project != "" {
		if err := s.store.ZAdd(ctx, store.PrefixApprovalsProject+params.Project, float64(now.Unix()), record.ApprovalID); err != nil {
			return nil, errors.Wrap(err, "failed to index project approval")
		}
	}
	if messageID != "" {
		if err := s.store.HSet(ctx, store.PrefixApprovalsMsg, messageID, record.ApprovalID); err != nil {
			return nil, errors.Wrap(err, "failed to index approval by message id")
		}
	}

	return record, nil
}

// ResolveID resolves a (possibly abbreviated) id against the pending set: a
// full UUID resolves directly; otherwise it prefix-matches against pending
// approval ids — a single match proceeds, zero or multiple matches reject.
func (s *Service) ResolveID(ctx context.Context, input string) (string, error) {
	if _, err := uuid.Parse(input); err == nil {
		return input, nil
	}

	pending, err := s.store.ZRangeByScore(ctx, store.PrefixApprovalsPending, "-inf", "+inf")
	if err != nil {
		return "", errors.Wrap(err, "failed to list pending approvals")
	}
	var matches []string
	for _, id := range pending {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", errors.Errorf("no pending approval matches %q", input)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("ambiguous approval id %q matches %d pending approvals", input, len(matches))
	}
}

func (s *Service) get(ctx context.Context, approvalID string) (*Record, error) {
	var record Record
	found, err := s.store.GetJSON(ctx, key(approvalID), &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("approval %q not found", approvalID)
	}
	return &record, nil
}

// Approve runs the approve path: pre-read expiry check, atomic CAS from
// {pending, approved_spawn_failed} to approved, spawn, and cleanup.
func (s *Service) Approve(ctx context.Context, approvalID string) (*Record, error) {
	record, err := s.get(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if time.Now().After(record.ExpiresAt) && record.Status == StatusPending {
		return s.expire(ctx, record)
	}

	result, err := s.store.CompareAndSwapStatus(ctx, key(approvalID),
		[]string{string(StatusPending), string(StatusApprovedSpawnFailed)}, string(StatusApproved), remainingTTLSeconds(record))
	if err != nil {
		return nil, errors.Wrap(err, "approval cas failed")
	}
	if result.Missing {
		return nil, errors.Errorf("approval %q not found", approvalID)
	}
	if result.Malformed {
		return nil, errors.Errorf("approval %q record is malformed", approvalID)
	}
	if !result.Applied {
		// Idempotent: already in a terminal/approved state.
		record.Status = Status(result.CurrentStatus)
		return record, nil
	}

	record, err = s.get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	approvedAt := time.Now()
	record.ApprovedAt = &approvedAt
	if err := s.store.SetJSON(ctx, key(approvalID), record, remainingTTL(record)); err != nil {
		return nil, errors.Wrap(err, "failed to persist approval timestamp")
	}

	runID, sessionKey, spawnErr := s.spawner.SpawnApproved(ctx, record)
	if spawnErr != nil {
		s.logError("approved spawn failed", "approvalId", approvalID, "error", spawnErr.Error())
		_, casErr := s.store.CompareAndSwapStatus(ctx, key(approvalID), []string{string(StatusApproved)}, string(StatusApprovedSpawnFailed), remainingTTLSeconds(record))
		if casErr != nil {
			return nil, errors.Wrap(casErr, "failed to record spawn failure")
		}
		record.Status = StatusApprovedSpawnFailed
		s.recordOutcome(string(StatusApprovedSpawnFailed))
		return record, errors.Wrap(spawnErr, "approved spawn failed")
	}

	record.SpawnedRunID = runID
	record.SpawnedSessionKey = sessionKey
	if err := s.store.SetJSON(ctx, key(approvalID), record, remainingTTL(record)); err != nil {
		return nil, errors.Wrap(err, "failed to persist spawn linkage")
	}
	s.cleanupIndexes(ctx, record)
	s.recordOutcome(string(StatusApproved))

	return record, nil
}

// Reject runs the reject path: atomic CAS from pending only, never
// overwriting approved/approved_spawn_failed/rejected (prevents a
// near-simultaneous approve/reject race).
func (s *Service) Reject(ctx context.Context, approvalID string) (*Record, error) {
	record, err := s.get(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	result, err := s.store.CompareAndSwapStatus(ctx, key(approvalID), []string{string(StatusPending)}, string(StatusRejected), remainingTTLSeconds(record))
	if err != nil {
		return nil, errors.Wrap(err, "reject cas failed")
	}
	if result.Missing {
		return nil, errors.Errorf("approval %q not found", approvalID)
	}
	if result.Malformed {
		return nil, errors.Errorf("approval %q record is malformed", approvalID)
	}

	record, err = s.get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		rejectedAt := time.Now()
		record.RejectedAt = &rejectedAt
		if err := s.store.SetJSON(ctx, key(approvalID), record, remainingTTL(record)); err != nil {
			return nil, errors.Wrap(err, "failed to persist rejection timestamp")
		}
		s.cleanupIndexes(ctx, record)
		s.recordOutcome(string(StatusRejected))
	}
	return record, nil
}

func (s *Service) expire(ctx context.Context, record *Record) (*Record, error) {
	result, err := s.store.CompareAndSwapStatus(ctx, key(record.ApprovalID), []string{string(StatusPending)}, string(StatusExpired), remainingTTLSeconds(record))
	if err != nil {
		return nil, errors.Wrap(err, "expire cas failed")
	}
	if result.Applied {
		expiredAt := time.Now()
		record.Status = StatusExpired
		record.ExpiredAt = &expiredAt
		if err := s.store.SetJSON(ctx, key(record.ApprovalID), record, remainingTTL(record)); err != nil {
			return nil, errors.Wrap(err, "failed to persist expiry timestamp")
		}
		s.cleanupIndexes(ctx, record)
		s.recordOutcome(string(StatusExpired))
	}
	return record, errors.Errorf("approval %q has expired", record.ApprovalID)
}

func (s *Service) cleanupIndexes(ctx context.Context, record *Record) {
	_ = s.store.ZRem(ctx, store.PrefixApprovalsPending, record.ApprovalID)
	if record.Project != "" {
		_ = s.store.ZRem(ctx, store.PrefixApprovalsProject+record.Project, record.ApprovalID)
	}
}

// ReactionEvent describes a platform reaction against an approval's
// notification message.
type ReactionEvent struct {
	Channel     string
	MessageID   string
	Emoji       string
	ReactorID   string
	IsBotOrigin bool
}

const (
	emojiApprove = "white_check_mark"
	emojiReject  = "x"
)

// HandleReaction runs the reaction handler: channel/bot-origin/emoji/
// authorized-approver gates, then routes to Approve/Reject, cleaning up
// the opposing emoji on success and the approver's own emoji on
// spawn-failure so they can re-react to retry.
func (s *Service) HandleReaction(ctx context.Context, event ReactionEvent) error {
	if event.Channel != s.channel || event.IsBotOrigin {
		return nil
	}
	if event.Emoji != emojiApprove && event.Emoji != emojiReject {
		return nil
	}
	if !authz.AuthorizedApprover(event.ReactorID, s.approvers) {
		if s.sender != nil {
			_ = s.sender.RemoveReaction(ctx, event.Channel, event.MessageID, event.Emoji)
		}
		return nil
	}

	approvalID, ok, err := s.store.HGet(ctx, store.PrefixApprovalsMsg, event.MessageID)
	if err != nil {
		return errors.Wrap(err, "failed to resolve approval by message id")
	}
	if !ok {
		return nil
	}

	switch event.Emoji {
	case emojiApprove:
		record, err := s.Approve(ctx, approvalID)
		if err != nil {
			if record != nil && record.Status == StatusApprovedSpawnFailed {
				_ = s.sender.RemoveReaction(ctx, event.Channel, event.MessageID, emojiApprove)
			}
			return err
		}
		_ = s.sender.RemoveReaction(ctx, event.Channel, event.MessageID, emojiReject)
		return nil
	case emojiReject:
		if _, err := s.Reject(ctx, approvalID); err != nil {
			return err
		}
		_ = s.sender.RemoveReaction(ctx, event.Channel, event.MessageID, emojiApprove)
		return nil
	}
	return nil
}

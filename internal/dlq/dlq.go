// Package dlq implements dead-letter alerting for jobs that exhaust their
// agent-level retry budget (SPEC_FULL.md §4.10/§9): a sanitized message
// back to the dispatcher's own session, plus a redacted alert on the
// configured notification channel.
//
// Grounded on server/poller.go's publishWorkflowPhaseChange-style
// terminal-state notification dispatch, split into its two distinct
// recipients (originating session vs. operator channel) rather than the
// single recipient the teacher's workflow notifications use.
package dlq

import (
	"context"

	"github.com/jobrelay/dispatch/internal/messaging"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/sanitize"
	"github.com/jobrelay/dispatch/internal/sessionhost"
)

// Logger is the minimal structured-logging surface this package depends on.
type Logger interface {
	LogError(msg string, keyValuePairs ...any)
}

// Alerter sends dead-letter notifications for terminally-failed jobs.
type Alerter struct {
	sender      messaging.Sender
	sessionHost sessionhost.Client
	channel     string
	logger      Logger
	metrics     *metrics.Registry
}

// New constructs an Alerter. channel is the configured DLQ notification
// channel (the same channel approvals post to, per SPEC_FULL.md §6.4); an
// empty channel disables the channel-side alert. reg may be nil, disabling
// alert-count recording.
func New(sender messaging.Sender, sessionHost sessionhost.Client, channel string, logger Logger, reg *metrics.Registry) *Alerter {
	return &Alerter{sender: sender, sessionHost: sessionHost, channel: channel, logger: logger, metrics: reg}
}

func (a *Alerter) logError(msg string, kv ...any) {
	if a.logger != nil {
		a.logger.LogError(msg, kv...)
	}
}

// Alert notifies both the dispatcher's own session and the configured
// channel that record has failed permanently. Both sends are best-effort:
// a failure here never blocks the already-terminal job transition, it is
// only logged.
func (a *Alerter) Alert(ctx context.Context, record *queue.Record, failureError string) {
	redacted := sanitize.RedactDLQAlert(failureError)
	if a.metrics != nil {
		a.metrics.RecordDLQAlert(record.Target)
	}

	if a.sessionHost != nil && record.DispatcherSessionKey != "" {
		if err := a.sessionHost.SendToSession(ctx, record.DispatcherSessionKey, redacted); err != nil {
			a.logError("failed to notify dispatcher session of terminal failure", "jobId", record.JobID, "error", err.Error())
		}
	}

	if a.sender == nil || a.channel == "" {
		return
	}
	target := record.DispatcherSessionKey
	if target == "" {
		target = record.DispatcherAgentID
	}
	if _, err := a.sender.Send(ctx, a.channel, target, redacted, record.JobID); err != nil {
		a.logError("failed to send DLQ alert", "jobId", record.JobID, "error", err.Error())
	}
}

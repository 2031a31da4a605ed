// Package messaging defines the messageSender external interface
// (SPEC_FULL.md §1) and a concrete Slack-backed implementation.
//
// The distilled spec names a literal "Discord channel." No Discord client
// library exists anywhere in the retrieved example pack. The pack's one
// real chat-platform dependency present in a go.mod is
// github.com/slack-go/slack (jordigilh-kubernaut), so it is adopted here
// as the concrete wire client — see DESIGN.md for the documented
// deviation.
package messaging

import (
	"context"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

// Sender is the chat-platform delivery interface the approval and DLQ
// subsystems depend on. It is an external collaborator per SPEC_FULL.md
// §1 — this package supplies one concrete implementation, but callers only
// depend on this interface.
type Sender interface {
	// Send posts content to target within channel, deduplicated by
	// idempotencyKey, and returns a platform message id for reverse
	// indexing (e.g. orch:approvals:msg:{notificationMessageId}).
	Send(ctx context.Context, channel, target, content, idempotencyKey string) (messageID string, err error)

	// AddReaction and RemoveReaction manage the bot's own reactions on a
	// message (used to clear the opposing emoji after an approval
	// decision resolves, per SPEC_FULL.md §4.9).
	AddReaction(ctx context.Context, channel, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channel, messageID, emoji string) error
}

// SlackSender implements Sender over the Slack Web API.
type SlackSender struct {
	api *slack.Client
}

// NewSlackSender constructs a SlackSender from a bot token.
func NewSlackSender(botToken string) *SlackSender {
	return &SlackSender{api: slack.New(botToken)}
}

// Send posts content to the given channel. idempotencyKey is accepted for
// interface parity with the distilled spec's messageSender contract;
// Slack's Web API has no native idempotency-key parameter, so duplicate
// suppression for retried sends is the caller's responsibility (the
// approval subsystem only calls Send once, before the record write, per
// SPEC_FULL.md §4.9 step 4).
func (s *SlackSender) Send(ctx context.Context, channel, target, content, idempotencyKey string) (string, error) {
	_, timestamp, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(content, false))
	if err != nil {
		return "", errors.Wrap(err, "failed to post slack message")
	}
	return timestamp, nil
}

// AddReaction adds emoji to the message identified by messageID (a Slack
// timestamp) in channel.
func (s *SlackSender) AddReaction(ctx context.Context, channel, messageID, emoji string) error {
	ref := slack.NewRefToMessage(channel, messageID)
	if err := s.api.AddReactionContext(ctx, emoji, ref); err != nil {
		return errors.Wrap(err, "failed to add slack reaction")
	}
	return nil
}

// RemoveReaction removes emoji from the message identified by messageID in
// channel.
func (s *SlackSender) RemoveReaction(ctx context.Context, channel, messageID, emoji string) error {
	ref := slack.NewRefToMessage(channel, messageID)
	if err := s.api.RemoveReactionContext(ctx, emoji, ref); err != nil {
		return errors.Wrap(err, "failed to remove slack reaction")
	}
	return nil
}

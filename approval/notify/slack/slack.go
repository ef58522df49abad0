// Package slack implements approval.Notifier by posting to a Slack channel
// via github.com/slack-go/slack, so a human reviewer sees an approval
// request, its resolution, or its expiry without polling the API. Grounded
// on the slack-go/slack dependency pulled in for this purpose; no other
// example repo exercises Slack, so usage follows the library's documented
// PostMessage call rather than an in-pack reference.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/runctl/engine/run"
)

// Notifier posts approval lifecycle events to a fixed Slack channel.
type Notifier struct {
	client  *slack.Client
	channel string
}

// New builds a Notifier that posts to channel using an API token.
func New(token, channel string) *Notifier {
	return &Notifier{client: slack.New(token), channel: channel}
}

func (n *Notifier) Requested(ctx context.Context, a run.Approval) {
	n.post(ctx, fmt.Sprintf(":hourglass: Approval requested for run `%s` step %d by `%s`: %s",
		a.RunID, a.StepIndex, a.RequestedBy.ID, a.Reason))
}

func (n *Notifier) Resolved(ctx context.Context, a run.Approval) {
	verb := "approved"
	if a.State == run.ApprovalDenied {
		verb = "denied"
	}
	n.post(ctx, fmt.Sprintf(":white_check_mark: Approval `%s` %s by `%s`%s",
		a.ID, verb, a.Decider, commentSuffix(a.Comment)))
}

func (n *Notifier) Expired(ctx context.Context, a run.Approval) {
	n.post(ctx, fmt.Sprintf(":alarm_clock: Approval `%s` for run `%s` step %d expired unreviewed, requested by `%s`",
		a.ID, a.RunID, a.StepIndex, a.RequestedBy.ID))
}

func commentSuffix(comment string) string {
	if comment == "" {
		return ""
	}
	return ": " + comment
}

func (n *Notifier) post(ctx context.Context, text string) {
	_, _, _ = n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
}

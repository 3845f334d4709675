package gateway

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts alerts to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. botToken is the Bot User OAuth
// Token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

// Notify posts the alert as a single channel message.
func (n *SlackNotifier) Notify(ctx context.Context, alert *Alert) error {
	text := fmt.Sprintf("[%s] %s\n%s", alert.Severity, alert.Title, alert.Body)
	if alert.CorrelationID != "" {
		text += fmt.Sprintf("\ncorrelation: %s", alert.CorrelationID)
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	n.logger.Debug("slack alert sent", zap.String("breaker", alert.Breaker))
	return nil
}

func (n *SlackNotifier) Close() error { return nil }

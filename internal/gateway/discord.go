package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts alerts to a Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier and opens the gateway
// websocket.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

// Notify posts the alert as a single channel message.
func (n *DiscordNotifier) Notify(_ context.Context, alert *Alert) error {
	content := fmt.Sprintf("**[%s] %s**\n%s", alert.Severity, alert.Title, alert.Body)
	if alert.CorrelationID != "" {
		content += fmt.Sprintf("\ncorrelation: %s", alert.CorrelationID)
	}
	if _, err := n.session.ChannelMessageSend(n.channelID, content); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	n.logger.Debug("discord alert sent", zap.String("breaker", alert.Breaker))
	return nil
}

// Close shuts down the gateway websocket.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}

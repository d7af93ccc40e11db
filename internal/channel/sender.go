// Package channel implements the notification delivery channels. Each
// provider reads its destination from the user's NotificationSettings.Config.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
)

// Sender is the unified interface for all notification channels
type Sender interface {
	Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error
	SupportsChannel(channel string) bool
}

// Message is the channel-neutral content of one notification.
type Message struct {
	Type  string            `json:"type"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	URL   string            `json:"url,omitempty"`
	Tags  []string          `json:"tags,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// ErrNoSender is returned when no configured sender handles a channel.
var ErrNoSender = errors.New("no sender for channel")

// ErrInvalidConfig is returned when a channel's settings cannot be used.
var ErrInvalidConfig = errors.New("invalid channel config")

// decodeConfig unmarshals settings.Config into dst.
func decodeConfig(settings *db.NotificationSettings, dst any) error {
	if len(settings.Config) == 0 {
		return fmt.Errorf("%w: %s config is empty", ErrInvalidConfig, settings.Channel)
	}
	if err := json.Unmarshal(settings.Config, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, settings.Channel, err)
	}
	return nil
}

// MultiSender routes notifications to the appropriate channel sender
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders.
// Earlier senders win when two support the same channel.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the notification to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(settings.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", settings.Channel),
				zap.String("user_id", settings.UserID.String()),
			)
			return sender.Send(ctx, settings, msg)
		}
	}

	return fmt.Errorf("%w: %s", ErrNoSender, settings.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs notifications instead of delivering them (development).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("channel", settings.Channel),
		zap.String("user_id", settings.UserID.String()),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
		zap.String("url", msg.URL),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	switch channel {
	case db.ChannelPush, db.ChannelTopic, db.ChannelEmail, db.ChannelSMS, db.ChannelWebhook:
		return true
	}
	return false
}

package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
)

// SMSConfig is the settings.Config document of an sms channel.
type SMSConfig struct {
	PhoneNumber string `json:"phone_number"`
}

// SMSSender sends SMS notifications via AWS SNS
type SMSSender struct {
	publisher TopicPublisher
	logger    *zap.Logger
}

func NewSMSSender(publisher TopicPublisher, logger *zap.Logger) *SMSSender {
	return &SMSSender{publisher: publisher, logger: logger}
}

func (s *SMSSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	var cfg SMSConfig
	if err := decodeConfig(settings, &cfg); err != nil {
		return err
	}
	if cfg.PhoneNumber == "" {
		return fmt.Errorf("%w: sms config missing phone_number", ErrInvalidConfig)
	}

	text := msg.Title + ": " + msg.Body
	if msg.URL != "" {
		text += " " + msg.URL
	}

	id, err := s.publisher.PublishSMS(ctx, cfg.PhoneNumber, text)
	if err != nil {
		return err
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("user_id", settings.UserID.String()),
		zap.String("message_id", id),
	)
	return nil
}

func (s *SMSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}

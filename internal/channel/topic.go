package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/sns"
)

// TopicConfig is the settings.Config document of a topic channel.
type TopicConfig struct {
	TopicARN string `json:"topic_arn"`
}

// TopicPublisher is implemented by *sns.Publisher.
type TopicPublisher interface {
	PublishTopic(ctx context.Context, topicARN string, msg sns.Message) (string, error)
	PublishSMS(ctx context.Context, phoneNumber, text string) (string, error)
}

// TopicSender broadcasts to an SNS topic the user subscribed their
// devices or integrations to.
type TopicSender struct {
	publisher TopicPublisher
	logger    *zap.Logger
}

func NewTopicSender(publisher TopicPublisher, logger *zap.Logger) *TopicSender {
	return &TopicSender{publisher: publisher, logger: logger}
}

func (s *TopicSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	var cfg TopicConfig
	if err := decodeConfig(settings, &cfg); err != nil {
		return err
	}
	if cfg.TopicARN == "" {
		return fmt.Errorf("%w: topic config missing topic_arn", ErrInvalidConfig)
	}

	id, err := s.publisher.PublishTopic(ctx, cfg.TopicARN, sns.Message{
		UserID: settings.UserID.String(),
		Title:  msg.Title,
		Body:   msg.Body,
		URL:    msg.URL,
		Type:   msg.Type,
		Data:   msg.Data,
	})
	if err != nil {
		return err
	}

	s.logger.Info("topic broadcast published",
		zap.String("user_id", settings.UserID.String()),
		zap.String("message_id", id),
	)
	return nil
}

func (s *TopicSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelTopic
}

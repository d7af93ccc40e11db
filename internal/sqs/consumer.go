package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

const (
	maxReceiveBatch   = 10
	receiveWait       = 20
	defaultVisibility = 120 * time.Second
)

// ReceiveConfig bounds one receive. Every message of a batch must be
// handled within Visibility or SQS hands it to another worker.
type ReceiveConfig struct {
	// MaxMessages is clamped to 1..10; zero means 10.
	MaxMessages int
	// Visibility defaults to two minutes.
	Visibility time.Duration
}

// Delivery is a received job together with its queue bookkeeping.
// Try is SQS's ApproximateReceiveCount: 1 on first delivery.
type Delivery struct {
	Job           Job
	MessageID     string
	ReceiptHandle string
	Try           int
}

// Consumer reads jobs from SQS.
type Consumer struct {
	client   API
	queueURL string
	config   ReceiveConfig
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, cfg ReceiveConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > maxReceiveBatch {
		cfg.MaxMessages = maxReceiveBatch
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
		zap.Int("max_messages", cfg.MaxMessages),
		zap.Duration("visibility", cfg.Visibility),
	)

	return &Consumer{
		client:   client,
		queueURL: queueURL,
		config:   cfg,
		logger:   logger,
	}
}

// Receive long-polls for up to MaxMessages jobs. Malformed bodies are deleted and
// skipped since no redelivery can fix them.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(c.config.MaxMessages),
		WaitTimeSeconds:     receiveWait,
		VisibilityTimeout:   int32(c.config.Visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		var job Job
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil || job.Name == "" {
			c.logger.Error("dropping malformed job message",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			if delErr := c.Delete(ctx, aws.ToString(m.ReceiptHandle)); delErr != nil {
				c.logger.Warn("failed to delete malformed message", zap.Error(delErr))
			}
			continue
		}

		try := 1
		if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				try = n
			}
		}

		deliveries = append(deliveries, Delivery{
			Job:           job,
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Try:           try,
		})
	}

	return deliveries, nil
}

// Delete removes a message after it was handled or abandoned.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility sets when a failed message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// Package sns publishes to AWS SNS topics and phone numbers.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Message is the JSON document delivered to topic subscribers.
type Message struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	URL    string            `json:"url,omitempty"`
	Type   string            `json:"type,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// Publisher handles SNS publishing for topic broadcast and SMS.
type Publisher struct {
	client API
	logger *zap.Logger
}

// NewClient builds an SNS client for region.
func NewClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

// NewClientWithEndpoint creates a client against a custom endpoint (for LocalStack)
func NewClientWithEndpoint(ctx context.Context, endpoint, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// NewPublisher wraps an SNS client.
func NewPublisher(client API, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// PublishTopic sends msg to topicARN. The message type is copied into a
// message attribute so subscriptions can filter on it.
func (p *Publisher) PublishTopic(ctx context.Context, topicARN string, msg Message) (string, error) {
	if topicARN == "" {
		return "", errors.New("topic arn is required")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Subject:  aws.String(truncateSubject(msg.Title)),
		Message:  aws.String(string(payload)),
	}
	if msg.Type != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Type),
			},
		}
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishSMS sends a text message directly to a phone number.
func (p *Publisher) PublishSMS(ctx context.Context, phoneNumber, text string) (string, error) {
	if phoneNumber == "" {
		return "", errors.New("phone number is required")
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phoneNumber),
		Message:     aws.String(text),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("sns sms publish failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// SNS rejects subjects longer than 100 characters.
func truncateSubject(s string) string {
	const maxSubject = 100
	r := []rune(s)
	if len(r) <= maxSubject {
		return s
	}
	return string(r[:maxSubject])
}

// Package sqs carries follow-up jobs between workers over an SQS queue.
package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/redis"
)

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Reserver claims idempotency keys. *redis.IdempotencyService implements it.
type Reserver interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Store(ctx context.Context, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, key string) error
}

// Job is one unit of follow-up work.
type Job struct {
	Name           string          `json:"name"`
	Args           json.RawMessage `json:"args"`
	Queue          string          `json:"queue"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	// GroupID orders jobs of one entity on FIFO queues. Jobs without one
	// share the queue-wide group.
	GroupID        string          `json:"group_id,omitempty"`
	EnqueuedAt     int64           `json:"enqueued_at"`
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// NewClientWithEndpoint creates a client against a custom endpoint (for LocalStack)
func NewClientWithEndpoint(ctx context.Context, endpoint, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// Producer submits jobs. A job whose IdempotencyKey was already submitted
// within the retention window is accepted as a no-op.
type Producer struct {
	client   API
	queueURL string
	idem     Reserver
	ttl      time.Duration
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer. idem may be nil, in which case
// keys are forwarded to FIFO queues only.
func NewProducer(client API, queueURL string, idem Reserver, ttl time.Duration, logger *zap.Logger) *Producer {
	if ttl <= 0 {
		ttl = redis.DefaultIdempotencyTTL
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
		zap.Duration("idempotency_ttl", ttl),
	)

	return &Producer{
		client:   client,
		queueURL: queueURL,
		idem:     idem,
		ttl:      ttl,
		logger:   logger,
	}
}

func (p *Producer) fifo() bool {
	return strings.HasSuffix(p.queueURL, ".fifo")
}

// Enqueue sends a job. It returns false, nil when the idempotency key was
// already taken.
func (p *Producer) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.IdempotencyKey != "" && p.idem != nil {
		ok, err := p.idem.Reserve(ctx, job.IdempotencyKey, p.ttl)
		if err != nil {
			metrics.RecordEnqueue(job.Name, "failed")
			return false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !ok {
			p.logger.Debug("duplicate job suppressed",
				zap.String("job", job.Name),
				zap.String("idempotency_key", job.IdempotencyKey),
			)
			metrics.RecordEnqueue(job.Name, "duplicate")
			return false, nil
		}
	}

	msgID, err := p.send(ctx, job)
	if err != nil {
		if job.IdempotencyKey != "" && p.idem != nil {
			if relErr := p.idem.Release(ctx, job.IdempotencyKey); relErr != nil {
				p.logger.Warn("failed to release idempotency key",
					zap.String("idempotency_key", job.IdempotencyKey),
					zap.Error(relErr),
				)
			}
		}
		metrics.RecordEnqueue(job.Name, "failed")
		return false, err
	}

	if job.IdempotencyKey != "" && p.idem != nil {
		result := &redis.IdempotencyResult{MessageID: msgID, JobName: job.Name}
		if err := p.idem.Store(ctx, job.IdempotencyKey, result); err != nil {
			p.logger.Warn("failed to store idempotency result",
				zap.String("idempotency_key", job.IdempotencyKey),
				zap.Error(err),
			)
		}
	}

	metrics.RecordEnqueue(job.Name, "enqueued")
	return true, nil
}

func (p *Producer) send(ctx context.Context, job Job) (string, error) {
	job.EnqueuedAt = time.Now().UnixNano()
	if len(job.Args) == 0 {
		job.Args = json.RawMessage("{}")
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Name),
			},
		},
	}
	if p.fifo() {
		input.MessageGroupId = aws.String(groupID(job))
		dedupID := job.IdempotencyKey
		if dedupID == "" || len(dedupID) > 128 {
			sum := sha256.Sum256(body)
			if job.IdempotencyKey != "" {
				sum = sha256.Sum256([]byte(job.IdempotencyKey))
			}
			dedupID = hex.EncodeToString(sum[:])
		}
		input.MessageDeduplicationId = aws.String(dedupID)
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send job to sqs",
			zap.Error(err),
			zap.String("job", job.Name),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

func groupID(job Job) string {
	if job.GroupID == "" {
		return job.Queue
	}
	if len(job.GroupID) > 128 {
		sum := sha256.Sum256([]byte(job.GroupID))
		return hex.EncodeToString(sum[:])
	}
	return job.GroupID
}

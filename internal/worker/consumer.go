package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/sqs"
)

// JobRun describes one invocation of a queue job.
type JobRun struct {
	Name      string
	MessageID string
	// Try counts deliveries of the message, starting at 1.
	Try int
}

// Handler executes a queue job. A returned error leaves the message on the
// queue for redelivery until the consumer's try limit is reached.
type Handler func(ctx context.Context, run JobRun, args json.RawMessage) (any, error)

// Queue is the consuming side of the job queue. *sqs.Consumer implements it.
type Queue interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// maxVisibility is the SQS upper bound for a message visibility timeout.
const maxVisibility = 12 * time.Hour

// visibilityMargin covers deleting a message after its job returned.
const visibilityMargin = 30 * time.Second

// ConsumerConfig tunes the consumer loop.
type ConsumerConfig struct {
	MaxTries     int
	Concurrency  int
	Timeout      time.Duration
	ErrorBackoff time.Duration
	// RetryBackoff delays redelivery of a failed job by RetryBackoff*try.
	// Zero keeps the queue's visibility timeout.
	RetryBackoff time.Duration
}

// Consumer receives jobs from the queue and runs the matching handler.
type Consumer struct {
	queue    Queue
	handlers map[string]Handler
	config   ConsumerConfig
	logger   *zap.Logger
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxTries <= 0 {
		c.MaxTries = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}

// ReceiveConfig sizes queue receives so a whole batch runs at once and each
// message finishes, timeout included, before its visibility expires.
func (c ConsumerConfig) ReceiveConfig() sqs.ReceiveConfig {
	c = c.withDefaults()
	return sqs.ReceiveConfig{
		MaxMessages: c.Concurrency,
		Visibility:  c.Timeout + visibilityMargin,
	}
}

// NewConsumer creates a consumer over the given handler set.
func NewConsumer(queue Queue, handlers map[string]Handler, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	return &Consumer{
		queue:    queue,
		handlers: handlers,
		config:   cfg.withDefaults(),
		logger:   logger,
	}
}

// Start polls the queue until ctx is cancelled. Messages of a batch run
// concurrently, bounded by Concurrency.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started",
		zap.Int("handlers", len(c.handlers)),
		zap.Int("max_tries", c.config.MaxTries),
	)

	sem := make(chan struct{}, c.config.Concurrency)
	for {
		if ctx.Err() != nil {
			c.logger.Info("queue consumer stopping")
			return
		}

		deliveries, err := c.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("queue consumer stopping")
				return
			}
			c.logger.Error("failed to receive jobs", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}

		metrics.SetSQSMessagesInFlight(len(deliveries))

		var wg sync.WaitGroup
		for _, d := range deliveries {
			sem <- struct{}{}
			wg.Add(1)
			go func(d sqs.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.Handle(ctx, d)
			}(d)
		}
		wg.Wait()

		metrics.SetSQSMessagesInFlight(0)
	}
}

// Handle runs one delivery. The message is deleted when the job succeeds,
// when no handler exists, or when the final allowed try failed.
func (c *Consumer) Handle(ctx context.Context, d sqs.Delivery) {
	logger := c.logger.With(
		zap.String("job", d.Job.Name),
		zap.String("message_id", d.MessageID),
		zap.Int("try", d.Try),
	)

	handler, ok := c.handlers[d.Job.Name]
	if !ok {
		logger.Error("no handler registered for job, dropping")
		metrics.RecordJobRun(d.Job.Name, ResultUnknown, 0)
		c.delete(ctx, d, logger)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	run := JobRun{Name: d.Job.Name, MessageID: d.MessageID, Try: d.Try}
	start := time.Now()
	result, err := invoke(func() (any, error) { return handler(jobCtx, run, d.Job.Args) })
	duration := time.Since(start)

	switch {
	case err == nil:
		logger.Info("job completed", zap.Duration("duration", duration), zap.Any("result", result))
		metrics.RecordJobRun(d.Job.Name, ResultSuccess, duration)
		c.delete(ctx, d, logger)
	case d.Try >= c.config.MaxTries:
		logger.Error("job failed permanently", zap.Duration("duration", duration), zap.Error(err))
		metrics.RecordJobRun(d.Job.Name, ResultDead, duration)
		c.delete(ctx, d, logger)
	default:
		logger.Warn("job failed, will be redelivered", zap.Duration("duration", duration), zap.Error(err))
		metrics.RecordJobRun(d.Job.Name, ResultRetry, duration)
		c.backoff(ctx, d, logger)
	}
}

func (c *Consumer) backoff(ctx context.Context, d sqs.Delivery, logger *zap.Logger) {
	if c.config.RetryBackoff <= 0 {
		return
	}
	delay := min(c.config.RetryBackoff*time.Duration(max(d.Try, 1)), maxVisibility)
	if err := c.queue.ChangeVisibility(context.WithoutCancel(ctx), d.ReceiptHandle, int32(delay/time.Second)); err != nil {
		logger.Warn("failed to delay job redelivery", zap.Error(err))
	}
}

func (c *Consumer) delete(ctx context.Context, d sqs.Delivery, logger *zap.Logger) {
	if err := c.queue.Delete(context.WithoutCancel(ctx), d.ReceiptHandle); err != nil {
		logger.Error("failed to delete job message", zap.Error(err))
	}
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultIdempotencyTTL is how long an enqueue key suppresses duplicates.
const DefaultIdempotencyTTL = 24 * time.Hour

const processingMarker = "processing"

// IdempotencyResult records what happened to the first submission of a key.
type IdempotencyResult struct {
	MessageID  string `json:"message_id"`
	JobName    string `json:"job_name"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// IdempotencyService reserves job keys so that the first submission of a key
// wins and later ones inside the retention window become no-ops.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("idempotency:job:%s", idempotencyKey)
}

// Reserve claims the key using SET NX (atomic set-if-not-exists).
// Returns true if this caller owns the key, false if it already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, idempotencyKey string, ttl time.Duration) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(idempotencyKey), processingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Store replaces the reservation marker with the outcome, keeping the
// remaining retention.
func (s *IdempotencyService) Store(ctx context.Context, idempotencyKey string, result *IdempotencyResult) error {
	if result.EnqueuedAt == 0 {
		result.EnqueuedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.SetArgs(ctx, s.buildKey(idempotencyKey), data, redis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Check returns the stored outcome for a key. It returns (nil, nil) when the
// key is unknown or still only reserved.
func (s *IdempotencyService) Check(ctx context.Context, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(idempotencyKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, nil
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	return &result, nil
}

// Release drops a reservation so the key can be submitted again. Used when
// the guarded send failed.
func (s *IdempotencyService) Release(ctx context.Context, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

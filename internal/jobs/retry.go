package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/redis"
)

// RetryLockTTL bounds how long one worker may hold a notification.
const RetryLockTTL = 30 * time.Second

const maxRetriesExceeded = "Max retries exceeded"

// Retry outcomes recorded in metrics
const (
	retrySent      = "sent"
	retryRetrying  = "retrying"
	retryFailed    = "failed"
	retryLocked    = "locked"
	retryAbandoned = "abandoned"
	retryError     = "error"
)

// RetryResult summarises one retry scan.
type RetryResult struct {
	Candidates    int `json:"candidates"`
	Retried       int `json:"retried"`
	SkippedLocked int `json:"skipped_locked"`
	Failed        int `json:"failed"`
}

// RetryLockKey is the lock guarding one notification during a retry.
func RetryLockKey(id uuid.UUID) string {
	return "notif-retry:" + id.String()
}

// RetryFailed re-sends notifications left in retrying state. Each record is
// handled under its own non-blocking lock; records held by another worker
// are skipped this scan.
func (e *Env) RetryFailed(ctx context.Context) (RetryResult, error) {
	var res RetryResult

	candidates, err := e.Store.ListRetryableNotifications(ctx, e.retryBatchSize())
	if err != nil {
		e.Logger.Error("failed to list retryable notifications", zap.Error(err))
		return res, fmt.Errorf("list retryable notifications: %w", err)
	}
	res.Candidates = len(candidates)

	for _, n := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		var outcome string
		err := e.Locker.WithLock(ctx, RetryLockKey(n.ID), RetryLockTTL, 0, func(ctx context.Context) error {
			var err error
			outcome, err = e.retryOne(ctx, n.ID)
			return err
		})

		switch {
		case errors.Is(err, redis.ErrLockUnavailable):
			e.Logger.Debug("notification locked by another worker", zap.String("notification_id", n.ID.String()))
			metrics.RecordLockContention("notif-retry")
			outcome = retryLocked
			res.SkippedLocked++
		case err != nil:
			e.Logger.Error("failed to retry notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			outcome = retryError
		}

		switch outcome {
		case retrySent:
			res.Retried++
		case retryFailed:
			res.Failed++
		}
		metrics.RecordRetryOutcome(outcome)
	}

	e.Logger.Info("retry scan completed",
		zap.Int("candidates", res.Candidates),
		zap.Int("retried", res.Retried),
		zap.Int("skipped_locked", res.SkippedLocked),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// retryOne runs with the record's lock held.
func (e *Env) retryOne(ctx context.Context, id uuid.UUID) (string, error) {
	n, err := e.Store.GetNotification(ctx, id)
	if err != nil {
		return retryError, fmt.Errorf("reload notification: %w", err)
	}
	if n.Status != db.StatusRetrying {
		e.Logger.Debug("notification no longer retrying",
			zap.String("notification_id", id.String()),
			zap.String("status", n.Status),
		)
		return retryAbandoned, nil
	}

	now := e.now()
	n.Attempts++
	n.LastAttemptAt = &now

	outcome := retryRetrying
	sendErr := e.Dispatcher.Retry(ctx, n)
	switch {
	case sendErr == nil:
		n.Status = db.StatusSent
		n.SentAt = &now
		n.ErrorMessage = nil
		outcome = retrySent
	case n.Attempts >= n.MaxAttempts:
		msg := sendErr.Error()
		if msg == "" {
			msg = maxRetriesExceeded
		}
		n.Status = db.StatusFailed
		n.ErrorMessage = &msg
		outcome = retryFailed
	default:
		msg := sendErr.Error()
		n.ErrorMessage = &msg
	}

	if err := e.Store.UpdateNotificationAttempt(ctx, n); err != nil {
		if n.Attempts >= n.MaxAttempts && n.Status != db.StatusSent {
			e.markFailed(ctx, n, err)
		}
		return retryError, fmt.Errorf("persist attempt: %w", err)
	}

	e.Logger.Info("notification retried",
		zap.String("notification_id", id.String()),
		zap.String("channel", n.Channel),
		zap.String("status", n.Status),
		zap.Int("attempts", n.Attempts),
	)
	return outcome, nil
}

// markFailed is a best-effort terminal write after a failed persist.
func (e *Env) markFailed(ctx context.Context, n *db.Notification, cause error) {
	msg := cause.Error()
	n.Status = db.StatusFailed
	n.ErrorMessage = &msg
	if err := e.Store.UpdateNotificationAttempt(ctx, n); err != nil {
		e.Logger.Error("failed to mark notification failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

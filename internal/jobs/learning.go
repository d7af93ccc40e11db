package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/redis"
)

// Learning profile lock and freshness settings
const (
	LearningLockKey      = "learning-profiles-cron"
	LearningLockTTL      = 30 * time.Minute
	LearningFeedbackSpan = time.Hour
)

// Per-user learning update results recorded in metrics
const (
	learningUpdated = "updated"
	learningFresh   = "fresh"
	learningError   = "error"
)

// LearningResult summarises one learning profile run.
type LearningResult struct {
	Candidates int    `json:"candidates"`
	Updated    int    `json:"updated"`
	Fresh      int    `json:"fresh"`
	Failed     int    `json:"failed"`
	Skipped    string `json:"skipped,omitempty"`
}

// UpdateLearningProfiles recomputes the learning profile of every active
// user who accepted or rejected an outfit in the last hour, unless the
// profile was computed within that hour. One worker runs it at a time.
func (e *Env) UpdateLearningProfiles(ctx context.Context) (LearningResult, error) {
	var res LearningResult

	err := e.Locker.WithLock(ctx, LearningLockKey, LearningLockTTL, 0, func(ctx context.Context) error {
		var err error
		res, err = e.updateProfiles(ctx)
		return err
	})
	if errors.Is(err, redis.ErrLockUnavailable) {
		e.Logger.Debug("learning profile update already running on another worker")
		metrics.RecordLockContention(LearningLockKey)
		return LearningResult{Skipped: SkipLockHeld}, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *Env) updateProfiles(ctx context.Context) (LearningResult, error) {
	var res LearningResult

	cutoff := e.now().Add(-LearningFeedbackSpan)
	users, err := e.Store.ListUsersWithRecentFeedback(ctx, cutoff)
	if err != nil {
		e.Logger.Error("failed to list users with recent feedback", zap.Error(err))
		return res, fmt.Errorf("list users with feedback: %w", err)
	}
	res.Candidates = len(users)
	if len(users) == 0 {
		e.Logger.Info("no users with recent feedback to update")
		return res, nil
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		result, err := e.updateProfile(ctx, userID, cutoff)
		if err != nil {
			e.Logger.Warn("failed to update learning profile",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			result = learningError
		}
		metrics.RecordLearningUpdate(result)

		switch result {
		case learningUpdated:
			res.Updated++
		case learningFresh:
			res.Fresh++
		default:
			res.Failed++
		}
	}

	e.Logger.Info("learning profiles updated",
		zap.Int("updated", res.Updated),
		zap.Int("fresh", res.Fresh),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (e *Env) updateProfile(ctx context.Context, userID uuid.UUID, cutoff time.Time) (string, error) {
	computedAt, err := e.Store.LearningProfileComputedAt(ctx, userID)
	if err != nil {
		return learningError, fmt.Errorf("load learning profile: %w", err)
	}
	if computedAt != nil && !computedAt.Before(cutoff) {
		return learningFresh, nil
	}

	if err := e.Recommender.Recompute(ctx, userID); err != nil {
		return learningError, fmt.Errorf("recompute learning profile: %w", err)
	}
	return learningUpdated, nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/dispatch"
	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/redis"
)

// Wash reminder lock and dedup settings
const (
	WashLockKey        = "wash-reminders-cron"
	WashLockTTL        = 10 * time.Minute
	WashReminderWindow = 24 * time.Hour
	washSummaryNames   = 5
)

// SkipLockHeld is reported when another worker is already running the batch.
const SkipLockHeld = "lock_held"

const allChannelsFailed = "All channels failed"

// Per-user wash reminder results recorded in metrics
const (
	washSent       = "sent"
	washFailed     = "failed"
	washNoChannels = "no_channels"
	washRecent     = "recent"
	washError      = "error"
)

// WashResult summarises one wash reminder run.
type WashResult struct {
	Notified int    `json:"notified"`
	Skipped  string `json:"skipped,omitempty"`
}

// WashSummary lists the first five item names and counts the rest.
func WashSummary(items []*db.ClothingItem) string {
	n := min(len(items), washSummaryNames)
	names := make([]string, 0, n)
	for _, item := range items[:n] {
		names = append(names, item.DisplayName())
	}

	summary := strings.Join(names, ", ")
	if extra := len(items) - n; extra > 0 {
		summary += fmt.Sprintf(" and %d more", extra)
	}
	return summary
}

// CheckWashReminders reminds users about items waiting for the wash. Only
// one worker in the fleet runs it at a time; the others return
// immediately with Skipped set.
func (e *Env) CheckWashReminders(ctx context.Context) (WashResult, error) {
	var res WashResult

	err := e.Locker.WithLock(ctx, WashLockKey, WashLockTTL, 0, func(ctx context.Context) error {
		notified, err := e.sendWashReminders(ctx)
		res.Notified = notified
		return err
	})
	if errors.Is(err, redis.ErrLockUnavailable) {
		e.Logger.Debug("wash reminders already running on another worker")
		metrics.RecordLockContention(WashLockKey)
		return WashResult{Skipped: SkipLockHeld}, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *Env) sendWashReminders(ctx context.Context) (int, error) {
	items, err := e.Store.ListItemsNeedingWash(ctx)
	if err != nil {
		e.Logger.Error("failed to list items needing wash", zap.Error(err))
		return 0, fmt.Errorf("list items needing wash: %w", err)
	}
	if len(items) == 0 {
		e.Logger.Info("no items need washing")
		return 0, nil
	}

	var users []uuid.UUID
	byUser := make(map[uuid.UUID][]*db.ClothingItem)
	for _, item := range items {
		if _, ok := byUser[item.UserID]; !ok {
			users = append(users, item.UserID)
		}
		byUser[item.UserID] = append(byUser[item.UserID], item)
	}

	notified := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return notified, ctx.Err()
		}

		result, err := e.remindUser(ctx, userID, byUser[userID])
		if err != nil {
			e.Logger.Warn("failed to send wash reminder",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			result = washError
		}
		metrics.RecordWashReminder(result)
		if result == washSent {
			notified++
		}
	}

	e.Logger.Info("wash reminders sent", zap.Int("notified", notified), zap.Int("users", len(users)))
	return notified, nil
}

func (e *Env) remindUser(ctx context.Context, userID uuid.UUID, items []*db.ClothingItem) (string, error) {
	settings, err := e.Store.ListEnabledSettings(ctx, userID)
	if err != nil {
		return washError, fmt.Errorf("list channels: %w", err)
	}
	if len(settings) == 0 {
		return washNoChannels, nil
	}

	now := e.now()
	recent, err := e.Store.HasRecentNotification(ctx, userID, db.PayloadWashReminder, now.Add(-WashReminderWindow))
	if err != nil {
		return washError, fmt.Errorf("check recent reminders: %w", err)
	}
	if recent {
		return washRecent, nil
	}

	payload := dispatch.WashReminderPayload(e.AppURL, WashSummary(items), len(items))
	sentChannel, sendErr := e.Dispatcher.SendFirst(ctx, settings, payload.Message())

	raw, err := json.Marshal(payload)
	if err != nil {
		return washError, fmt.Errorf("encode payload: %w", err)
	}

	n := &db.Notification{
		UserID:        userID,
		Channel:       sentChannel,
		Status:        db.StatusSent,
		Attempts:      1,
		LastAttemptAt: &now,
		Payload:       raw,
	}
	result := washSent
	if sendErr != nil {
		msg := allChannelsFailed
		n.Status = db.StatusFailed
		n.ErrorMessage = &msg
		result = washFailed
		e.Logger.Warn("all wash reminder channels failed",
			zap.String("user_id", userID.String()),
			zap.Error(sendErr),
		)
	} else {
		n.SentAt = &now
	}

	if err := e.Store.CreateNotification(ctx, n); err != nil {
		return washError, fmt.Errorf("record wash reminder: %w", err)
	}
	return result, nil
}

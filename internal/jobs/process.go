package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/dispatch"
	"github.com/lalithlochan/closetcast/internal/recommend"
	"github.com/lalithlochan/closetcast/internal/worker"
)

// ResetAfterTry is the job try from which a failing scheduled notification
// clears its schedule's trigger mark.
const ResetAfterTry = 3

const resetTimeout = 5 * time.Second

// Outcome statuses
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
)

// Skip reasons
const (
	ReasonNotFound     = "not_found"
	ReasonUserNotFound = "user_not_found"
	ReasonNoChannels   = "no_channels"
	ReasonOutfitOwner  = "outfit_user_mismatch"
)

// Outcome is the result of processing one scheduled notification.
type Outcome struct {
	Status   string     `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	OutfitID *uuid.UUID `json:"outfit_id,omitempty"`
}

func skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

// ProcessScheduled generates an outfit for a triggered schedule and
// broadcasts it. Missing records and an empty wardrobe are skips, not
// errors. Any other failure is returned for redelivery; from try
// ResetAfterTry on the schedule's trigger mark is cleared as well so the
// next occurrence is not suppressed.
func (e *Env) ProcessScheduled(ctx context.Context, run worker.JobRun, args ProcessArgs) (Outcome, error) {
	logger := e.Logger.With(
		zap.String("schedule_id", args.ScheduleID.String()),
		zap.Int("try", run.Try),
	)

	out, err := e.processScheduled(ctx, args.ScheduleID, logger)
	if err != nil {
		logger.Error("failed to process scheduled notification", zap.Error(err))
		if run.Try >= ResetAfterTry {
			e.resetTrigger(ctx, args.ScheduleID, logger)
		}
		return Outcome{}, err
	}
	return out, nil
}

func (e *Env) processScheduled(ctx context.Context, scheduleID uuid.UUID, logger *zap.Logger) (Outcome, error) {
	sched, err := e.Store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("schedule not found")
		return skipped(ReasonNotFound), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	user, err := e.Store.GetActiveUser(ctx, sched.UserID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("user not found or inactive", zap.String("user_id", sched.UserID.String()))
		return skipped(ReasonUserNotFound), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	settings, err := e.Store.ListEnabledSettings(ctx, user.ID)
	if err != nil {
		return Outcome{}, err
	}
	if len(settings) == 0 {
		logger.Info("no enabled notification channels", zap.String("user_id", user.ID.String()))
		return skipped(ReasonNoChannels), nil
	}

	var weather *recommend.Weather
	if sched.NotifyDayBefore && user.LocationLat != nil && user.LocationLon != nil && e.Weather != nil {
		weather, err = e.Weather.ForecastForTomorrow(ctx, *user.LocationLat, *user.LocationLon)
		if err != nil {
			logger.Warn("failed to fetch tomorrow's forecast", zap.Error(err))
			weather = nil
		}
	}

	outfit, err := e.Recommender.Generate(ctx, recommend.Request{
		UserID:   user.ID,
		Occasion: sched.Occasion,
		Source:   recommend.SourceScheduled,
		Weather:  weather,
	})
	if errors.Is(err, recommend.ErrInsufficientData) {
		logger.Info("not enough wardrobe data for outfit", zap.Error(err))
		return skipped(err.Error()), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("generate outfit: %w", err)
	}

	deliveries, err := e.Dispatcher.SendOutfit(ctx, user.ID, outfit, sched.NotifyDayBefore)
	if err != nil {
		return Outcome{}, fmt.Errorf("send outfit: %w", err)
	}

	logger.Info("scheduled notification sent",
		zap.String("outfit_id", outfit.ID.String()),
		zap.Int("channels", len(deliveries)),
		zap.Bool("delivered", dispatch.Succeeded(deliveries)),
	)
	id := outfit.ID
	return Outcome{Status: OutcomeSent, OutfitID: &id}, nil
}

func (e *Env) resetTrigger(ctx context.Context, scheduleID uuid.UUID, logger *zap.Logger) {
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()

	if err := e.Store.ResetScheduleTrigger(resetCtx, scheduleID); err != nil {
		logger.Warn("failed to reset schedule trigger", zap.Error(err))
		return
	}
	logger.Info("schedule trigger reset after repeated failures")
}

// SendArgs are the arguments of a send_notification job.
type SendArgs struct {
	UserID   uuid.UUID `json:"user_id"`
	OutfitID uuid.UUID `json:"outfit_id"`
}

// SendResult is the result of a send_notification job.
type SendResult struct {
	Success    bool                `json:"success"`
	Skipped    string              `json:"skipped,omitempty"`
	Deliveries []dispatch.Delivery `json:"deliveries,omitempty"`
}

// SendNotification broadcasts an existing outfit to the user. An outfit
// owned by someone else is skipped without sending.
func (e *Env) SendNotification(ctx context.Context, args SendArgs) (SendResult, error) {
	outfit, err := e.Store.GetOutfit(ctx, args.OutfitID)
	if err != nil {
		return SendResult{}, fmt.Errorf("load outfit: %w", err)
	}
	if outfit.UserID != args.UserID {
		e.Logger.Warn("outfit belongs to another user, not sending",
			zap.String("user_id", args.UserID.String()),
			zap.String("outfit_id", args.OutfitID.String()),
		)
		return SendResult{Skipped: ReasonOutfitOwner}, nil
	}

	deliveries, err := e.Dispatcher.SendOutfit(ctx, args.UserID, outfit, false)
	if err != nil {
		return SendResult{}, fmt.Errorf("send outfit: %w", err)
	}

	return SendResult{Success: dispatch.Succeeded(deliveries), Deliveries: deliveries}, nil
}

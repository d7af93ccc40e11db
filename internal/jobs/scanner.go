package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/sqs"
)

// Trigger window and dedup horizon of the scanner
const (
	TriggerWindowMinutes = 1
	DedupWindow          = time.Hour
)

// ScanResult summarises one scanner tick.
type ScanResult struct {
	Checked         int `json:"checked"`
	Triggered       int `json:"triggered"`
	Enqueued        int `json:"enqueued"`
	EnqueueFailures int `json:"enqueue_failures"`
}

// ProcessArgs are the arguments of a process_scheduled_notification job.
type ProcessArgs struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
}

// Weekday returns the day of week of t in UTC with Monday as 0.
func Weekday(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}

// MinuteOfDay returns minutes since midnight UTC.
func MinuteOfDay(t time.Time) int {
	t = t.UTC()
	return t.Hour()*60 + t.Minute()
}

// IdempotencyKey identifies the follow-up job for a schedule in the UTC
// minute containing at.
func IdempotencyKey(scheduleID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("sched:%s:%s", scheduleID, at.UTC().Format("200601021504"))
}

func withinWindow(s *db.Schedule, now time.Time) bool {
	diff := s.Minute - MinuteOfDay(now)
	if diff < 0 {
		diff = -diff
	}
	return diff <= TriggerWindowMinutes
}

func triggeredRecently(s *db.Schedule, now time.Time) bool {
	return s.LastTriggeredAt != nil && !s.LastTriggeredAt.Before(now.Add(-DedupWindow))
}

// CheckScheduled finds the schedules due this minute, marks them triggered
// and then enqueues one processing job per marked schedule. The marks are
// committed before anything is enqueued; an enqueue failure never clears a
// mark.
func (e *Env) CheckScheduled(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := e.now()
	today := Weekday(now)
	tomorrow := (today + 1) % 7

	candidates, err := e.Store.ListCandidateSchedules(ctx, today, tomorrow)
	if err != nil {
		e.Logger.Error("failed to list candidate schedules", zap.Error(err))
		return res, fmt.Errorf("list candidate schedules: %w", err)
	}
	res.Checked = len(candidates)

	var due []uuid.UUID
	for _, s := range candidates {
		if !withinWindow(s, now) || triggeredRecently(s, now) {
			continue
		}
		due = append(due, s.ID)
	}
	if len(due) == 0 {
		return res, nil
	}

	marked, err := e.Store.MarkSchedulesTriggered(ctx, due, now, now.Add(-DedupWindow))
	if err != nil {
		e.Logger.Error("failed to mark schedules triggered", zap.Int("due", len(due)), zap.Error(err))
		return res, fmt.Errorf("mark schedules triggered: %w", err)
	}
	res.Triggered = len(marked)
	metrics.RecordSchedulesTriggered(len(marked))

	for _, id := range marked {
		args, err := json.Marshal(ProcessArgs{ScheduleID: id})
		if err != nil {
			return res, fmt.Errorf("encode job args: %w", err)
		}

		enqueued, err := e.Queue.Enqueue(ctx, sqs.Job{
			Name:           JobProcessScheduled,
			Args:           args,
			Queue:          QueueNotifications,
			IdempotencyKey: IdempotencyKey(id, now),
			GroupID:        id.String(),
		})
		if err != nil {
			res.EnqueueFailures++
			e.Logger.Error("failed to enqueue scheduled notification",
				zap.String("schedule_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if !enqueued {
			e.Logger.Debug("scheduled notification already enqueued",
				zap.String("schedule_id", id.String()),
			)
			continue
		}
		res.Enqueued++
	}

	e.Logger.Info("scheduled notifications checked",
		zap.Int("checked", res.Checked),
		zap.Int("triggered", res.Triggered),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("enqueue_failures", res.EnqueueFailures),
	)
	return res, nil
}

// Package jobs holds the worker's periodic and queued jobs: the schedule
// scanner, the scheduled-notification processor, the retry manager, the
// wash reminder batch and the learning profile refresh.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/channel"
	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/dispatch"
	"github.com/lalithlochan/closetcast/internal/recommend"
	"github.com/lalithlochan/closetcast/internal/sqs"
	"github.com/lalithlochan/closetcast/internal/worker"
)

// Job names
const (
	JobCheckScheduled   = "check_scheduled_notifications"
	JobProcessScheduled = "process_scheduled_notification"
	JobSendNotification = "send_notification"
	JobRetryFailed      = "retry_failed_notifications"
	JobWashReminders    = "check_wash_reminders"
	JobUpdateLearning   = "update_learning_profiles"
)

// QueueNotifications is the queue follow-up jobs are submitted to.
const QueueNotifications = "notifications"

const defaultRetryBatchSize = 100

// Store is the persistence used by the jobs. *db.Repository implements it.
type Store interface {
	ListCandidateSchedules(ctx context.Context, today, tomorrow int) ([]*db.Schedule, error)
	MarkSchedulesTriggered(ctx context.Context, ids []uuid.UUID, at, notBefore time.Time) ([]uuid.UUID, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	ResetScheduleTrigger(ctx context.Context, id uuid.UUID) error
	GetActiveUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetOutfit(ctx context.Context, id uuid.UUID) (*db.Outfit, error)
	ListEnabledSettings(ctx context.Context, userID uuid.UUID) ([]*db.NotificationSettings, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListRetryableNotifications(ctx context.Context, limit int) ([]*db.Notification, error)
	UpdateNotificationAttempt(ctx context.Context, n *db.Notification) error
	HasRecentNotification(ctx context.Context, userID uuid.UUID, payloadType string, since time.Time) (bool, error)
	ListItemsNeedingWash(ctx context.Context) ([]*db.ClothingItem, error)
	ListUsersWithRecentFeedback(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	LearningProfileComputedAt(ctx context.Context, userID uuid.UUID) (*time.Time, error)
}

// Locker runs a function under a named distributed lock.
// *redis.Locker implements it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(context.Context) error) error
}

// Enqueuer submits follow-up jobs. *sqs.Producer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job sqs.Job) (bool, error)
}

// Dispatcher delivers notifications. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	SendOutfit(ctx context.Context, userID uuid.UUID, outfit *db.Outfit, forTomorrow bool) ([]dispatch.Delivery, error)
	SendFirst(ctx context.Context, settings []*db.NotificationSettings, msg channel.Message) (string, error)
	Retry(ctx context.Context, n *db.Notification) error
}

// Recommender generates outfits and refreshes learning profiles.
// *recommend.Client implements it.
type Recommender interface {
	Generate(ctx context.Context, req recommend.Request) (*db.Outfit, error)
	Recompute(ctx context.Context, userID uuid.UUID) error
}

// Forecaster looks up tomorrow's weather. *recommend.WeatherClient
// implements it.
type Forecaster interface {
	ForecastForTomorrow(ctx context.Context, lat, lon float64) (*recommend.Weather, error)
}

// Env is everything the jobs share. It is built once per process.
type Env struct {
	Store       Store
	Locker      Locker
	Queue       Enqueuer
	Dispatcher  Dispatcher
	Recommender Recommender
	// Weather is optional; without it scheduled outfits are generated
	// without a forecast.
	Weather Forecaster

	AppURL         string
	RetryBatchSize int
	Logger         *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) retryBatchSize() int {
	if e.RetryBatchSize <= 0 {
		return defaultRetryBatchSize
	}
	return e.RetryBatchSize
}

// Table is the periodic schedule of the worker.
func (e *Env) Table() []worker.Entry {
	return []worker.Entry{
		{
			Name:    JobRetryFailed,
			Minutes: worker.Every(5),
			Timeout: 4 * time.Minute,
			Run:     func(ctx context.Context) (any, error) { return e.RetryFailed(ctx) },
		},
		{
			Name:    JobCheckScheduled,
			Timeout: 50 * time.Second,
			Run:     func(ctx context.Context) (any, error) { return e.CheckScheduled(ctx) },
		},
		{
			Name:    JobWashReminders,
			Minutes: []int{15},
			Hours:   []int{0, 6, 12, 18},
			Timeout: WashLockTTL,
			Run:     func(ctx context.Context) (any, error) { return e.CheckWashReminders(ctx) },
		},
		{
			Name:    JobUpdateLearning,
			Minutes: []int{30},
			Timeout: LearningLockTTL,
			Run:     func(ctx context.Context) (any, error) { return e.UpdateLearningProfiles(ctx) },
		},
	}
}

// Handlers maps queue job names to their implementations.
func (e *Env) Handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		JobProcessScheduled: func(ctx context.Context, run worker.JobRun, args json.RawMessage) (any, error) {
			var a ProcessArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("decode %s args: %w", run.Name, err)
			}
			return e.ProcessScheduled(ctx, run, a)
		},
		JobSendNotification: func(ctx context.Context, run worker.JobRun, args json.RawMessage) (any, error) {
			var a SendArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, fmt.Errorf("decode %s args: %w", run.Name, err)
			}
			return e.SendNotification(ctx, a)
		},
	}
}

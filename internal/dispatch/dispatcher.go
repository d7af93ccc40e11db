// Package dispatch fans a notification out over a user's enabled channels.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/channel"
	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/redis"
)

// Delivery statuses
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// UnknownChannel is reported by SendFirst when no channel succeeded.
const UnknownChannel = "unknown"

// Priority is the fallback order used by SendFirst.
var Priority = []string{
	db.ChannelPush,
	db.ChannelTopic,
	db.ChannelEmail,
	db.ChannelSMS,
	db.ChannelWebhook,
}

// Delivery is the outcome of one channel in a broadcast.
type Delivery struct {
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	NotificationID uuid.UUID `json:"notification_id,omitempty"`
}

// Succeeded reports whether at least one delivery was sent.
func Succeeded(deliveries []Delivery) bool {
	for _, d := range deliveries {
		if d.Status == DeliverySent {
			return true
		}
	}
	return false
}

// Store is the persistence the dispatcher needs.
type Store interface {
	ListEnabledSettings(ctx context.Context, userID uuid.UUID) ([]*db.NotificationSettings, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// Throttle caps deliveries per user. *redis.RateLimiter implements it.
type Throttle interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Options configures a Dispatcher.
type Options struct {
	AppURL      string
	MaxAttempts int
	Throttle    Throttle // nil disables throttling
}

// Dispatcher sends notifications through channel senders and records
// broadcast outcomes.
type Dispatcher struct {
	store       Store
	sender      channel.Sender
	appURL      string
	maxAttempts int
	throttle    Throttle
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a dispatcher.
func New(store Store, sender channel.Sender, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = db.DefaultMaxAttempts
	}
	return &Dispatcher{
		store:       store,
		sender:      sender,
		appURL:      opts.AppURL,
		maxAttempts: opts.MaxAttempts,
		throttle:    opts.Throttle,
		logger:      logger,
		now:         time.Now,
	}
}

// SendOutfit broadcasts an outfit to every enabled channel of the user and
// records one Notification per attempted channel. Channel failures are
// reported in the deliveries, never as the returned error.
func (d *Dispatcher) SendOutfit(ctx context.Context, userID uuid.UUID, outfit *db.Outfit, forTomorrow bool) ([]Delivery, error) {
	settings, err := d.store.ListEnabledSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	if len(settings) == 0 {
		d.logger.Info("no enabled channels", zap.String("user_id", userID.String()))
		return nil, nil
	}

	payload := OutfitPayload(d.appURL, outfit, forTomorrow)
	msg := payload.Message()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if !d.allow(ctx, userID) {
		deliveries := make([]Delivery, len(settings))
		for i, s := range settings {
			deliveries[i] = Delivery{Channel: s.Channel, Status: DeliverySkipped, Error: "rate limited"}
			metrics.RecordDelivery(s.Channel, DeliverySkipped, 0)
		}
		return deliveries, nil
	}

	deliveries := make([]Delivery, 0, len(settings))
	for _, s := range settings {
		sendErr := d.safeSend(ctx, s, msg)

		now := d.now().UTC()
		n := &db.Notification{
			UserID:        userID,
			Channel:       s.Channel,
			Attempts:      1,
			MaxAttempts:   d.maxAttempts,
			LastAttemptAt: &now,
			Payload:       raw,
		}
		delivery := Delivery{Channel: s.Channel, Status: DeliverySent}

		if sendErr == nil {
			n.Status = db.StatusSent
			n.SentAt = &now
		} else {
			errMsg := sendErr.Error()
			n.ErrorMessage = &errMsg
			n.Status = db.StatusRetrying
			if n.Attempts >= n.MaxAttempts {
				n.Status = db.StatusFailed
			}
			delivery.Status = DeliveryFailed
			delivery.Error = errMsg
		}

		if err := d.store.CreateNotification(ctx, n); err != nil {
			d.logger.Error("failed to record notification",
				zap.String("user_id", userID.String()),
				zap.String("channel", s.Channel),
				zap.Error(err),
			)
		} else {
			delivery.NotificationID = n.ID
		}

		deliveries = append(deliveries, delivery)
	}

	return deliveries, nil
}

// SendFirst tries settings in Priority order and stops at the first
// success, returning the channel that delivered. When every channel fails
// it returns UnknownChannel and the joined errors. Nothing is persisted.
func (d *Dispatcher) SendFirst(ctx context.Context, settings []*db.NotificationSettings, msg channel.Message) (string, error) {
	ordered := slices.Clone(settings)
	slices.SortStableFunc(ordered, func(a, b *db.NotificationSettings) int {
		return priorityOf(a.Channel) - priorityOf(b.Channel)
	})

	var errs []error
	for _, s := range ordered {
		err := d.safeSend(ctx, s, msg)
		if err == nil {
			return s.Channel, nil
		}
		d.logger.Warn("fallback channel failed",
			zap.String("user_id", s.UserID.String()),
			zap.String("channel", s.Channel),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Channel, err))
	}

	if len(errs) == 0 {
		return UnknownChannel, errors.New("no channels")
	}
	return UnknownChannel, errors.Join(errs...)
}

// Retry re-sends a stored notification on its original channel.
func (d *Dispatcher) Retry(ctx context.Context, n *db.Notification) error {
	settings, err := d.store.ListEnabledSettings(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}

	idx := slices.IndexFunc(settings, func(s *db.NotificationSettings) bool {
		return s.Channel == n.Channel
	})
	if idx < 0 {
		return fmt.Errorf("channel %s is no longer enabled", n.Channel)
	}

	var payload Payload
	if err := json.Unmarshal(n.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	return d.safeSend(ctx, settings[idx], payload.Message())
}

// safeSend converts sender errors and panics into a returned error.
func (d *Dispatcher) safeSend(ctx context.Context, settings *db.NotificationSettings, msg channel.Message) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("channel sender panicked",
				zap.String("channel", settings.Channel),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%s sender panicked: %v", settings.Channel, r)
		}

		status := DeliverySent
		if err != nil {
			status = DeliveryFailed
		}
		metrics.RecordDelivery(settings.Channel, status, time.Since(start))
	}()

	err = d.sender.Send(ctx, settings, msg)
	if err != nil {
		d.logger.Warn("channel send failed",
			zap.String("channel", settings.Channel),
			zap.String("user_id", settings.UserID.String()),
			zap.Error(err),
		)
	}
	return err
}

func (d *Dispatcher) allow(ctx context.Context, userID uuid.UUID) bool {
	if d.throttle == nil {
		return true
	}
	res, err := d.throttle.Allow(ctx, userID.String())
	if err != nil {
		// fail open
		d.logger.Warn("throttle check failed", zap.Error(err))
		return true
	}
	if !res.Allowed {
		metrics.RecordRateLimitRejection("notify")
		d.logger.Info("user notification rate limit reached",
			zap.String("user_id", userID.String()),
			zap.Time("reset_at", res.ResetAt),
		)
	}
	return res.Allowed
}

func priorityOf(ch string) int {
	if i := slices.Index(Priority, ch); i >= 0 {
		return i
	}
	return len(Priority)
}

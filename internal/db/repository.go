package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("record not found")

// Repository is the Notification State Store. Schedules, settings, users,
// outfits and items are shared with the API layer; the worker only writes
// schedules.last_triggered_at and notification rows.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const scheduleColumns = `
	id, user_id, day_of_week,
	(EXTRACT(HOUR FROM notification_time) * 60 + EXTRACT(MINUTE FROM notification_time))::int,
	occasion, enabled, notify_day_before, last_triggered_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var s Schedule
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.DayOfWeek,
		&s.Minute,
		&s.Occasion,
		&s.Enabled,
		&s.NotifyDayBefore,
		&s.LastTriggeredAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListCandidateSchedules returns enabled schedules that fire today, or that
// notify the day before and fire tomorrow.
func (r *Repository) ListCandidateSchedules(ctx context.Context, today, tomorrow int) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = TRUE
		  AND ((notify_day_before = FALSE AND day_of_week = $1)
		    OR (notify_day_before = TRUE AND day_of_week = $2))
	`

	rows, err := r.db.pool.Query(ctx, query, today, tomorrow)
	if err != nil {
		return nil, fmt.Errorf("query candidate schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return schedules, nil
}

// MarkSchedulesTriggered stamps last_triggered_at = at on every schedule in
// ids that has not been triggered since notBefore, and commits. It returns the
// ids it actually marked; a schedule another worker marked first is left out.
func (r *Repository) MarkSchedulesTriggered(ctx context.Context, ids []uuid.UUID, at, notBefore time.Time) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE schedules
		SET last_triggered_at = $2
		WHERE id = ANY($1::uuid[])
		  AND (last_triggered_at IS NULL OR last_triggered_at < $3)
		RETURNING id
	`

	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}

	rows, err := tx.Query(ctx, query, idStrings, at, notBefore)
	if err != nil {
		return nil, fmt.Errorf("mark schedules triggered: %w", err)
	}

	marked := make([]uuid.UUID, 0, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schedule id: %w", err)
		}
		marked = append(marked, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return marked, nil
}

// GetSchedule retrieves a schedule by ID
func (r *Repository) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	s, err := scanSchedule(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	return s, nil
}

// ResetScheduleTrigger clears last_triggered_at so the schedule becomes
// eligible again on its next occurrence.
func (r *Repository) ResetScheduleTrigger(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.pool.Exec(ctx, `UPDATE schedules SET last_triggered_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset schedule trigger: %w", err)
	}
	return nil
}

// GetActiveUser retrieves a user that has not been deactivated.
func (r *Repository) GetActiveUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, is_active, COALESCE(timezone, 'UTC'), location_lat, location_lon
		FROM users
		WHERE id = $1 AND is_active = TRUE
	`

	var u User
	err := r.db.pool.QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.IsActive,
		&u.Timezone,
		&u.LocationLat,
		&u.LocationLon,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// GetOutfit retrieves a generated outfit with its item count.
func (r *Repository) GetOutfit(ctx context.Context, id uuid.UUID) (*Outfit, error) {
	query := `
		SELECT o.id, o.user_id, COALESCE(o.occasion, ''),
		       (SELECT COUNT(*) FROM outfit_items oi WHERE oi.outfit_id = o.id)::int
		FROM outfits o
		WHERE o.id = $1
	`

	var o Outfit
	err := r.db.pool.QueryRow(ctx, query, id).Scan(&o.ID, &o.UserID, &o.Occasion, &o.ItemCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outfit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query outfit: %w", err)
	}
	return &o, nil
}

// ListEnabledSettings returns the user's enabled channels.
func (r *Repository) ListEnabledSettings(ctx context.Context, userID uuid.UUID) ([]*NotificationSettings, error) {
	query := `
		SELECT id, user_id, channel, enabled, config
		FROM notification_settings
		WHERE user_id = $1 AND enabled = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query notification settings: %w", err)
	}
	defer rows.Close()

	var settings []*NotificationSettings
	for rows.Next() {
		var s NotificationSettings
		if err := rows.Scan(&s.ID, &s.UserID, &s.Channel, &s.Enabled, &s.Config); err != nil {
			return nil, fmt.Errorf("scan notification settings: %w", err)
		}
		settings = append(settings, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return settings, nil
}

const notificationColumns = `
	id, user_id, channel, status, attempts, max_attempts,
	last_attempt_at, sent_at, error_message, payload,
	created_at, updated_at`

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Channel,
		&n.Status,
		&n.Attempts,
		&n.MaxAttempts,
		&n.LastAttemptAt,
		&n.SentAt,
		&n.ErrorMessage,
		&n.Payload,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification record
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}
	if notif.MaxAttempts == 0 {
		notif.MaxAttempts = DefaultMaxAttempts
	}

	query := `
		INSERT INTO notifications (
			id, user_id, channel, status, attempts, max_attempts,
			last_attempt_at, sent_at, error_message, payload
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	err := r.db.pool.QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Channel,
		notif.Status,
		notif.Attempts,
		notif.MaxAttempts,
		notif.LastAttemptAt,
		notif.SentAt,
		notif.ErrorMessage,
		notif.Payload,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("channel", notif.Channel),
		zap.String("status", notif.Status),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

// ListRetryableNotifications returns notifications still in the retrying
// state with attempts left, oldest first.
func (r *Repository) ListRetryableNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND attempts < max_attempts
		ORDER BY created_at ASC
		LIMIT $2
	`

	return r.queryNotifications(ctx, query, StatusRetrying, limit)
}

// ListNotificationsByUser retrieves a user's notifications with pagination
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	return r.queryNotifications(ctx, query, userID, limit, offset)
}

func (r *Repository) queryNotifications(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// UpdateNotificationAttempt persists the retry bookkeeping of a notification.
func (r *Repository) UpdateNotificationAttempt(ctx context.Context, notif *Notification) error {
	query := `
		UPDATE notifications
		SET status = $1, attempts = $2, last_attempt_at = $3,
		    sent_at = $4, error_message = $5, updated_at = NOW()
		WHERE id = $6
	`

	result, err := r.db.pool.Exec(ctx, query,
		notif.Status,
		notif.Attempts,
		notif.LastAttemptAt,
		notif.SentAt,
		notif.ErrorMessage,
		notif.ID,
	)
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("update notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", notif.ID, ErrNotFound)
	}

	return nil
}

// HasRecentNotification reports whether the user already has a notification
// of the given payload type created at or after since.
func (r *Repository) HasRecentNotification(ctx context.Context, userID uuid.UUID, payloadType string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE user_id = $1 AND payload->>'type' = $2 AND created_at >= $3
		)
	`

	var exists bool
	if err := r.db.pool.QueryRow(ctx, query, userID, payloadType, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("query recent notification: %w", err)
	}
	return exists, nil
}

// ListItemsNeedingWash returns non-archived items flagged for washing across
// all users, grouped by owner.
func (r *Repository) ListItemsNeedingWash(ctx context.Context) ([]*ClothingItem, error) {
	query := `
		SELECT id, user_id, COALESCE(name, ''), COALESCE(type, '')
		FROM clothing_items
		WHERE needs_wash = TRUE AND is_archived = FALSE
		ORDER BY user_id, created_at ASC
	`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query items needing wash: %w", err)
	}
	defer rows.Close()

	var items []*ClothingItem
	for rows.Next() {
		var item ClothingItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.Name, &item.Type); err != nil {
			return nil, fmt.Errorf("scan clothing item: %w", err)
		}
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// ListUsersWithRecentFeedback returns active users who accepted or rejected
// an outfit at or after since.
func (r *Repository) ListUsersWithRecentFeedback(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT u.id
		FROM users u
		JOIN outfits o ON o.user_id = u.id
		WHERE u.is_active = TRUE
		  AND o.status IN ('accepted', 'rejected')
		  AND o.responded_at >= $1
		ORDER BY u.id
	`

	rows, err := r.db.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query users with feedback: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return users, nil
}

// LearningProfileComputedAt returns when the user's learning profile was last
// computed. It is nil when no profile exists or it was never computed.
func (r *Repository) LearningProfileComputedAt(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	query := `SELECT last_computed_at FROM user_learning_profiles WHERE user_id = $1`

	var computedAt *time.Time
	err := r.db.pool.QueryRow(ctx, query, userID).Scan(&computedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query learning profile: %w", err)
	}
	return computedAt, nil
}

package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring weekly rule for one outfit notification.
// DayOfWeek counts from Monday = 0. Minute is the notification time as
// minutes since midnight UTC.
type Schedule struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	DayOfWeek       int        `json:"day_of_week"`
	Minute          int        `json:"minute"`
	Occasion        string     `json:"occasion"`
	Enabled         bool       `json:"enabled"`
	NotifyDayBefore bool       `json:"notify_day_before"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// NotificationSettings is one delivery channel configured by a user.
// Config is interpreted by the channel sender that supports Channel.
type NotificationSettings struct {
	ID      uuid.UUID       `json:"id"`
	UserID  uuid.UUID       `json:"user_id"`
	Channel string          `json:"channel"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

// Notification is a delivery record for a single channel.
type Notification struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Channel       string          `json:"channel"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Status constants
const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusRetrying = "retrying"
	StatusFailed   = "failed"
)

// Channel constants
const (
	ChannelPush    = "expo_push"
	ChannelTopic   = "topic"
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Payload types stored under the "type" key of Notification.Payload
const (
	PayloadOutfit       = "outfit"
	PayloadWashReminder = "wash_reminder"
)

// DefaultMaxAttempts applies when a notification is created without one.
const DefaultMaxAttempts = 3

// User is the subset of the account record the worker reads.
type User struct {
	ID          uuid.UUID `json:"id"`
	IsActive    bool      `json:"is_active"`
	Timezone    string    `json:"timezone"`
	LocationLat *float64  `json:"location_lat,omitempty"`
	LocationLon *float64  `json:"location_lon,omitempty"`
}

// Outfit is a generated recommendation, owned by the recommendation service.
type Outfit struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Occasion  string    `json:"occasion"`
	ItemCount int       `json:"item_count"`
}

// ClothingItem is a wardrobe item; only wash-tracking fields are read here.
type ClothingItem struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Name   string    `json:"name"`
	Type   string    `json:"type"`
}

// DisplayName falls back to the garment type for unnamed items.
func (c ClothingItem) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

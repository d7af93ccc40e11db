package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
)

// WebhookConfig is the settings.Config document of a webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`      // POST, PUT or PATCH. Defaults to POST
	Headers map[string]string `json:"headers"`     // Custom headers
	Timeout int               `json:"timeout_sec"` // Per-request timeout, overrides the sender default
}

// webhookBody is the JSON document posted to the user's endpoint.
type webhookBody struct {
	UserID string `json:"user_id"`
	Message
	SentAt time.Time `json:"sent_at"`
}

// WebhookSender sends notifications via HTTP webhooks
type WebhookSender struct {
	client         *http.Client
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(defaultTimeout time.Duration, logger *zap.Logger) *WebhookSender {
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}

	return &WebhookSender{
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Send posts the notification to the user's endpoint.
func (s *WebhookSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	var cfg WebhookConfig
	if err := decodeConfig(settings, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("%w: webhook config missing url", ErrInvalidConfig)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return fmt.Errorf("%w: webhook method not supported: %s (only POST, PUT, PATCH)", ErrInvalidConfig, method)
	}

	timeout := s.defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(webhookBody{
		UserID:  settings.UserID.String(),
		Message: msg,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ClosetCast-Worker/1.0")
	req.Header.Set("X-ClosetCast-Event", msg.Type)
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Info("webhook delivered successfully",
		zap.String("user_id", settings.UserID.String()),
		zap.String("url", cfg.URL),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (s *WebhookSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebhook
}

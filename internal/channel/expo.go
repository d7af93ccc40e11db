package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
)

// ExpoConfig is the settings.Config document of an expo_push channel.
type ExpoConfig struct {
	PushToken  string   `json:"push_token"`
	PushTokens []string `json:"push_tokens"`
}

func (c ExpoConfig) tokens() []string {
	tokens := make([]string, 0, len(c.PushTokens)+1)
	if c.PushToken != "" {
		tokens = append(tokens, c.PushToken)
	}
	for _, t := range c.PushTokens {
		if t != "" && t != c.PushToken {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// ExpoSender delivers mobile push notifications through the Expo push API.
type ExpoSender struct {
	client      *http.Client
	url         string
	accessToken string
	logger      *zap.Logger
}

// NewExpoSender creates an Expo push sender posting to url.
func NewExpoSender(url, accessToken string, timeout time.Duration, logger *zap.Logger) *ExpoSender {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ExpoSender{
		client:      &http.Client{Timeout: timeout},
		url:         url,
		accessToken: accessToken,
		logger:      logger,
	}
}

// Send pushes msg to every device token in the settings. Any rejected
// ticket fails the whole send.
func (s *ExpoSender) Send(ctx context.Context, settings *db.NotificationSettings, msg Message) error {
	var cfg ExpoConfig
	if err := decodeConfig(settings, &cfg); err != nil {
		return err
	}
	tokens := cfg.tokens()
	if len(tokens) == 0 {
		return fmt.Errorf("%w: expo_push config missing push_token", ErrInvalidConfig)
	}

	data := msg.Data
	if msg.URL != "" {
		data = make(map[string]string, len(msg.Data)+1)
		for k, v := range msg.Data {
			data[k] = v
		}
		data["url"] = msg.URL
	}

	batch := make([]expoMessage, len(tokens))
	for i, token := range tokens {
		batch[i] = expoMessage{To: token, Title: msg.Title, Body: msg.Body, Sound: "default", Data: data}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal expo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create expo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.accessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("expo request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("expo returned non-2xx status: %d, body: %s", resp.StatusCode, truncate(string(respBody), 256))
	}

	var parsed expoResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("invalid expo response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return fmt.Errorf("expo request rejected: %s", parsed.Errors[0].Message)
	}

	var failures []string
	for i, ticket := range parsed.Data {
		if ticket.Status == "ok" {
			continue
		}
		token := ""
		if i < len(tokens) {
			token = tokens[i]
		}
		failures = append(failures, fmt.Sprintf("%s: %s %s", token, ticket.Details.Error, ticket.Message))
	}
	if len(failures) > 0 {
		return fmt.Errorf("expo push failed for %d of %d devices: %s", len(failures), len(tokens), strings.Join(failures, "; "))
	}

	s.logger.Info("push delivered via expo",
		zap.String("user_id", settings.UserID.String()),
		zap.Int("devices", len(tokens)),
	)
	return nil
}

func (s *ExpoSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

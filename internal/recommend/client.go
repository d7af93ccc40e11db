// Package recommend talks to the outfit recommendation service and the
// weather forecast API.
package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/db"
)

// ErrInsufficientData means the wardrobe has no eligible items for the
// occasion. Callers skip the schedule for this cycle.
var ErrInsufficientData = errors.New("insufficient wardrobe data")

// SourceScheduled marks outfits generated for a schedule.
const SourceScheduled = "scheduled"

// Request asks for one outfit.
type Request struct {
	UserID   uuid.UUID `json:"user_id"`
	Occasion string    `json:"occasion"`
	Source   string    `json:"source"`
	Weather  *Weather  `json:"weather_override,omitempty"`
}

// Config holds the recommendation client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the recommendation service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a recommendation client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("RECOMMENDER_URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Generate asks the service for an outfit. A 422 response maps to
// ErrInsufficientData.
func (c *Client) Generate(ctx context.Context, req Request) (*db.Outfit, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/recommendations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("recommendation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		if eb.Detail == "" {
			return nil, ErrInsufficientData
		}
		return nil, fmt.Errorf("%w: %s", ErrInsufficientData, eb.Detail)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("recommendation service returned status %d", resp.StatusCode)
	}

	var outfit db.Outfit
	if err := json.Unmarshal(respBody, &outfit); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if outfit.ID == uuid.Nil {
		return nil, errors.New("recommendation response missing outfit id")
	}

	c.logger.Debug("outfit generated",
		zap.String("user_id", req.UserID.String()),
		zap.String("outfit_id", outfit.ID.String()),
		zap.Int("item_count", outfit.ItemCount),
	)

	return &outfit, nil
}

// Recompute asks the service to rebuild the user's learning profile and
// insights from their outfit feedback.
func (c *Client) Recompute(ctx context.Context, userID uuid.UUID) error {
	url := fmt.Sprintf("%s/internal/users/%s/learning-profile/recompute", c.baseURL, userID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("learning profile request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("learning profile recompute returned status %d", resp.StatusCode)
	}

	c.logger.Debug("learning profile recomputed", zap.String("user_id", userID.String()))
	return nil
}

// Package api serves the worker's ops endpoints: notification inspection,
// circuit breaker state and manual send requests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/circuitbreaker"
	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/jobs"
	"github.com/lalithlochan/closetcast/internal/redis"
	"github.com/lalithlochan/closetcast/internal/sqs"
)

const healthCheckTimeout = 2 * time.Second

// NotificationRepository defines the interface for notification database operations
type NotificationRepository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
}

// Enqueuer submits jobs to the queue. *sqs.Producer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job sqs.Job) (bool, error)
}

// IdempotencyChecker looks up the recorded outcome of an enqueue key.
// *redis.IdempotencyService implements it.
type IdempotencyChecker interface {
	Check(ctx context.Context, key string) (*redis.IdempotencyResult, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// SendRequest asks for an existing outfit to be delivered to its user.
type SendRequest struct {
	UserID   string `json:"user_id"`
	OutfitID string `json:"outfit_id"`
}

// SendResponse is returned after a send request was accepted.
// MessageID is the queue message of the first submission of the key,
// when it is known.
type SendResponse struct {
	Enqueued       bool   `json:"enqueued"`
	IdempotencyKey string `json:"idempotency_key"`
	MessageID      string `json:"message_id,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	repo     NotificationRepository
	queue    Enqueuer // nil if SQS not configured
	idem     IdempotencyChecker
	breakers []*circuitbreaker.CircuitBreaker
	checks   map[string]HealthCheck
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo NotificationRepository, queue Enqueuer, breakers []*circuitbreaker.CircuitBreaker) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		queue:    queue,
		breakers: breakers,
		checks:   make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency checked by /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// SetIdempotency enables reporting the original message id of a send.
func (h *Handler) SetIdempotency(idem IdempotencyChecker) {
	h.idem = idem
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": results,
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(ctx, notifID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListUserNotifications handles GET /v1/users/{userID}/notifications?limit=20&offset=0
func (h *Handler) ListUserNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userIDStr := chi.URLParam(r, "userID")
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.ListNotificationsByUser(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// SendNotification handles POST /v1/notifications/send
// The Idempotency-Key header overrides the default key of user and outfit.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Job queue not configured", "")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	outfitID, err := uuid.Parse(req.OutfitID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid outfit_id", "outfit_id must be a valid UUID")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = fmt.Sprintf("send:%s:%s", userID, outfitID)
	}

	args, err := json.Marshal(jobs.SendArgs{UserID: userID, OutfitID: outfitID})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode job", "")
		return
	}

	enqueued, err := h.queue.Enqueue(ctx, sqs.Job{
		Name:           jobs.JobSendNotification,
		Args:           args,
		Queue:          jobs.QueueNotifications,
		IdempotencyKey: key,
		GroupID:        userID.String(),
	})
	if err != nil {
		h.logger.Error("failed to enqueue send notification",
			zap.Error(err),
			zap.String("user_id", req.UserID),
			zap.String("outfit_id", req.OutfitID),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue notification", "")
		return
	}

	resp := SendResponse{Enqueued: enqueued, IdempotencyKey: key}
	if !enqueued {
		w.Header().Set("X-Idempotency-Replayed", "true")
	}
	resp.MessageID = h.messageID(ctx, key)

	h.logger.Info("send notification requested",
		zap.String("user_id", req.UserID),
		zap.String("outfit_id", req.OutfitID),
		zap.Bool("enqueued", enqueued),
		zap.String("message_id", resp.MessageID),
	)
	h.writeJSON(w, http.StatusAccepted, resp)
}

// messageID returns the message recorded for key, or "" when the key is
// unknown, still reserved or the lookup failed.
func (h *Handler) messageID(ctx context.Context, key string) string {
	if h.idem == nil {
		return ""
	}
	result, err := h.idem.Check(ctx, key)
	if err != nil {
		h.logger.Warn("failed to look up idempotency result",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return ""
	}
	if result == nil {
		return ""
	}
	return result.MessageID
}

// ListCircuits handles GET /v1/circuits
func (h *Handler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetCircuit handles POST /v1/circuits/{name}/reset
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, b := range h.breakers {
		if b.Name() == name {
			b.Reset()
			h.logger.Info("circuit breaker reset", zap.String("provider", name))
			h.writeJSON(w, http.StatusOK, b.Stats())
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not found", "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

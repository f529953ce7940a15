package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"peermatch-system/models"
	"peermatch-system/services"
)

type QueueHandler struct {
	app          *pocketbase.PocketBase
	queueService *services.QueueService
}

func NewQueueHandler(app *pocketbase.PocketBase, queueService *services.QueueService) *QueueHandler {
	return &QueueHandler{
		app:          app,
		queueService: queueService,
	}
}

// JoinQueue - enter the matchmaking queue
func (h *QueueHandler) JoinQueue(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req struct {
		PreferredSkills []string `json:"preferred_skills"`
		SessionType     string   `json:"session_type"`
		MaxDuration     int      `json:"max_duration"`
		Urgency         string   `json:"urgency"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	status, err := h.queueService.AddToQueue(e.Request.Context(), &models.JoinRequest{
		UserID:          e.Auth.Id,
		PreferredSkills: req.PreferredSkills,
		SessionType:     models.SessionType(req.SessionType),
		MaxDuration:     req.MaxDuration,
		Urgency:         models.Urgency(req.Urgency),
	})
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			return apis.NewBadRequestError(validationErr.Error(), nil)
		}
		slog.Error("join queue failed", "user", e.Auth.Id, "error", err)
		return apis.NewApiError(http.StatusServiceUnavailable, "Failed to join queue", nil)
	}

	return e.JSON(http.StatusOK, status)
}

// LeaveQueue - leave the matchmaking queue; a no-op if not queued
func (h *QueueHandler) LeaveQueue(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	if err := h.queueService.RemoveFromQueue(e.Request.Context(), e.Auth.Id); err != nil {
		slog.Error("leave queue failed", "user", e.Auth.Id, "error", err)
		return apis.NewApiError(http.StatusServiceUnavailable, "Failed to leave queue", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{"message": "Left the queue"})
}

// GetQueueStatus - current position and wait estimate
func (h *QueueHandler) GetQueueStatus(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	status, err := h.queueService.GetQueueStatus(e.Request.Context(), e.Auth.Id)
	if err != nil {
		if errors.Is(err, services.ErrNotInQueue) {
			return apis.NewNotFoundError("Not in queue", nil)
		}
		slog.Error("queue status failed", "user", e.Auth.Id, "error", err)
		return apis.NewApiError(http.StatusServiceUnavailable, "Failed to get queue status", nil)
	}

	return e.JSON(http.StatusOK, status)
}

// GetQueueStats - aggregate queue statistics; degrades to an estimate when
// the store is down
func (h *QueueHandler) GetQueueStats(e *core.RequestEvent) error {
	stats := h.queueService.GetQueueStats(e.Request.Context())
	return e.JSON(http.StatusOK, stats)
}

// GetCandidates - ranked compatible candidates for the matcher
func (h *QueueHandler) GetCandidates(e *core.RequestEvent) error {
	if e.Auth == nil || !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("Matcher access required", nil)
	}

	query := e.Request.URL.Query()

	sessionType := models.SessionType(query.Get("session_type"))
	excludeUserID := query.Get("exclude")

	limit := 5
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return apis.NewBadRequestError("Invalid limit", err)
		}
		limit = parsed
	}

	candidates, err := h.queueService.GetNextCandidates(e.Request.Context(), excludeUserID, sessionType, limit)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			return apis.NewBadRequestError(validationErr.Error(), nil)
		}
		slog.Error("candidate retrieval failed", "error", err)
		return apis.NewApiError(http.StatusServiceUnavailable, "Failed to get candidates", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{"candidates": candidates})
}

// ConfirmMatch - matcher confirms a pairing; both entries leave the queue.
// A 409 means the caller lost a confirmation race and must re-poll.
func (h *QueueHandler) ConfirmMatch(e *core.RequestEvent) error {
	if e.Auth == nil || !e.Auth.IsSuperuser() {
		return apis.NewForbiddenError("Matcher access required", nil)
	}

	var req struct {
		UserA string `json:"user_a"`
		UserB string `json:"user_b"`
	}

	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.UserA == "" || req.UserB == "" || req.UserA == req.UserB {
		return apis.NewBadRequestError("Two distinct user ids are required", nil)
	}

	if err := h.queueService.ConfirmMatch(e.Request.Context(), req.UserA, req.UserB); err != nil {
		if errors.Is(err, services.ErrNotInQueue) {
			return apis.NewApiError(http.StatusConflict, "One of the users is no longer queued", nil)
		}
		slog.Error("match confirmation failed", "error", err)
		return apis.NewApiError(http.StatusServiceUnavailable, "Failed to confirm match", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{"message": "Match confirmed"})
}

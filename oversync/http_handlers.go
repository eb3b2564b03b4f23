// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ClientAuthenticator resolves the authenticated user, terminal and branch of a request.
// Implementations should validate auth (e.g., JWT).
type ClientAuthenticator interface {
	Identify(r *http.Request) (Identity, error)
}

// HTTPSyncHandlers provides HTTP handlers for the terminal sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts every sync route on mux
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/push", h.HandlePush)
	mux.HandleFunc("POST /sync/push/one", h.HandlePushOne)
	mux.HandleFunc("GET /sync/pull", h.HandlePull)
	mux.HandleFunc("POST /sync/ack", h.HandleAck)
	mux.HandleFunc("POST /sync/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("GET /sync/device-status/{deviceId}", h.HandleDeviceStatus)
	mux.HandleFunc("GET /sync/dashboard", h.HandleDashboard)
	mux.HandleFunc("GET /sync/dashboard/history", h.HandleHistory)
	mux.HandleFunc("GET /sync/dashboard/alerts", h.HandleAlerts)
	mux.HandleFunc("GET /sync/failures", h.HandleListFailures)
	mux.HandleFunc("POST /sync/failures/retry", h.HandleRetryFailure)
}

// HandlePush applies a batch of terminal mutations
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}
	resp, err := h.service.ProcessPush(r.Context(), id, &req)
	if err != nil {
		h.writeServiceError(w, "push_failed", err, "device_id", id.DeviceID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandlePushOne applies a single mutation and returns its result directly
func (h *HTTPSyncHandlers) HandlePushOne(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	var item PushItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push item")
		return
	}
	resp, err := h.service.ProcessPush(r.Context(), id, &PushRequest{Items: []PushItem{item}})
	if err != nil {
		h.writeServiceError(w, "push_failed", err, "device_id", id.DeviceID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp.Results[0])
}

// HandlePull serves rows changed since the caller's watermark
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var since time.Time
	if s := q.Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	limit := 0
	if ls := q.Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil || v < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = v
	}

	// includeSelf lets a terminal rebuild its local state after data loss
	includeSelf := q.Get("include_self") == "true"

	resp, err := h.service.ProcessPull(r.Context(), id, since, limit, includeSelf)
	if err != nil {
		h.writeServiceError(w, "pull_failed", err, "device_id", id.DeviceID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleAck records durable receipt of pushed entities
func (h *HTTPSyncHandlers) HandleAck(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse ack request")
		return
	}
	resp, err := h.service.Acknowledge(r.Context(), id, &req)
	if err != nil {
		h.writeServiceError(w, "ack_failed", err, "device_id", id.DeviceID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHeartbeat stores terminal liveness
func (h *HTTPSyncHandlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse heartbeat")
		return
	}
	resp, err := h.service.RecordHeartbeat(r.Context(), id, &req)
	if err != nil {
		h.writeServiceError(w, "heartbeat_failed", err, "device_id", id.DeviceID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDeviceStatus returns the last known state of one terminal
func (h *HTTPSyncHandlers) HandleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	deviceID := r.PathValue("deviceId")
	if deviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "deviceId is required")
		return
	}
	resp, err := h.service.DeviceStatus(r.Context(), deviceID)
	if err != nil {
		h.writeServiceError(w, "device_status_failed", err, "device_id", deviceID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDashboard returns the aggregate sync health view
func (h *HTTPSyncHandlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	resp, err := h.service.Dashboard(r.Context())
	if err != nil {
		h.writeServiceError(w, "dashboard_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHistory lists recently received mutations
func (h *HTTPSyncHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit := 50
	if ls := q.Get("limit"); ls != "" {
		if v, e := strconv.Atoi(ls); e == nil && v > 0 {
			limit = v
		}
	}
	rows, err := h.service.History(r.Context(), q.Get("entityType"), limit)
	if err != nil {
		h.writeServiceError(w, "history_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// HandleAlerts returns current operator alerts
func (h *HTTPSyncHandlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	alerts, err := h.service.Alerts(r.Context())
	if err != nil {
		h.writeServiceError(w, "alerts_failed", err)
		return
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	h.writeJSON(w, http.StatusOK, alerts)
}

// HandleListFailures lists materialization failures
func (h *HTTPSyncHandlers) HandleListFailures(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit := 100
	if ls := q.Get("limit"); ls != "" {
		if v, e := strconv.Atoi(ls); e == nil && v > 0 {
			limit = v
		}
	}
	rows, err := h.service.ListMaterializeFailures(r.Context(), q.Get("entityType"), limit)
	if err != nil {
		h.writeServiceError(w, "list_failures_failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// HandleRetryFailure retries a single failure by id
func (h *HTTPSyncHandlers) HandleRetryFailure(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	// Accept id via query (?id=) or JSON body {"id": n}
	var failureID int64
	if qs := r.URL.Query().Get("id"); qs != "" {
		if v, e := strconv.ParseInt(qs, 10, 64); e == nil {
			failureID = v
		}
	}
	if failureID == 0 {
		var body struct {
			ID int64 `json:"id"`
		}
		if e := json.NewDecoder(r.Body).Decode(&body); e == nil {
			failureID = body.ID
		}
	}
	if failureID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing or invalid id")
		return
	}
	if err := h.service.RetryMaterializeFailure(r.Context(), failureID); err != nil {
		h.writeServiceError(w, "retry_failed", err, "failure_id", failureID)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": failureID, "retried": true})
}

func (h *HTTPSyncHandlers) identify(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, err := h.authenticator.Identify(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return Identity{}, false
	}
	return id, true
}

// writeServiceError maps service sentinel errors onto HTTP status codes
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, code string, err error, logArgs ...any) {
	switch {
	case errors.Is(err, ErrBatchTooLarge):
		h.writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrBadPayload):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrDeviceMismatch):
		h.writeError(w, http.StatusForbidden, "device_mismatch", "deviceId does not match the authenticated device")
	case errors.Is(err, ErrDeviceBusy):
		h.writeError(w, http.StatusServiceUnavailable, "device_busy", "another push for this device is in progress")
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrFailureNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger.Error("Sync request failed", append([]any{"error", err, "code", code}, logArgs...)...)
		h.writeError(w, http.StatusInternalServerError, code, "Internal error")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohammadhprp/nextlimit/internal/limiter"
	"github.com/mohammadhprp/nextlimit/internal/middleware"
	"github.com/mohammadhprp/nextlimit/internal/service"
	"github.com/mohammadhprp/nextlimit/internal/storage"
	"go.uber.org/zap"
)

// SetPolicyRequest represents a policy create or update request
type SetPolicyRequest struct {
	Name   string               `json:"name"`
	Config service.PolicyConfig `json:"config"`
}

// CheckRequest represents a rate limit check request
type CheckRequest struct {
	Policy     string `json:"policy"`
	Identifier string `json:"identifier"`
}

// CheckResponse represents a rate limit check response
type CheckResponse struct {
	Allowed    bool   `json:"allowed"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	Reset      int64  `json:"reset"`       // epoch milliseconds
	RetryAfter int64  `json:"retry_after"` // seconds, 0 when allowed
	Policy     string `json:"policy"`
}

// RateLimitHandler handles rate limit operations
type RateLimitHandler struct {
	svc    *service.RateLimitService
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimitHandler creates a new rate limit handler
func NewRateLimitHandler(svc *service.RateLimitService, logger *zap.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		svc:    svc,
		logger: logger,
		now:    time.Now,
	}
}

// SetPolicy handles POST /ratelimit/policies - create or replace a policy
func (h *RateLimitHandler) SetPolicy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SetPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		status, err := h.svc.SetPolicy(r.Context(), req.Name, &req.Config)
		if err != nil {
			h.writeServiceError(w, "failed to save policy", req.Name, err)
			return
		}

		h.writeJSON(w, http.StatusCreated, status)
	}
}

// GetPolicy handles GET /ratelimit/policies/{name}
func (h *RateLimitHandler) GetPolicy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		status, err := h.svc.GetPolicy(r.Context(), name)
		if err != nil {
			h.writeServiceError(w, "failed to get policy", name, err)
			return
		}

		h.writeJSON(w, http.StatusOK, status)
	}
}

// DeletePolicy handles DELETE /ratelimit/policies/{name}
func (h *RateLimitHandler) DeletePolicy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		if err := h.svc.DeletePolicy(r.Context(), name); err != nil {
			h.writeServiceError(w, "failed to delete policy", name, err)
			return
		}

		h.writeJSON(w, http.StatusOK, map[string]string{
			"message": "policy deleted",
			"policy":  name,
		})
	}
}

// Check handles POST /ratelimit/check - verify if request is allowed
func (h *RateLimitHandler) Check() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Policy == "" {
			req.Policy = service.DefaultPolicy
		}

		res, err := h.svc.Check(r.Context(), req.Policy, req.Identifier)
		if err != nil {
			h.writeServiceError(w, "failed to check rate limit", req.Policy, err)
			return
		}

		now := h.now()
		middleware.WriteHeaders(w, res, now)

		resp := CheckResponse{
			Allowed:   res.Allowed,
			Limit:     res.Limit,
			Remaining: res.Remaining,
			Reset:     res.Reset,
			Policy:    req.Policy,
		}
		status := http.StatusOK
		if !res.Allowed {
			resp.RetryAfter = middleware.RetryAfterSeconds(res, now)
			status = http.StatusTooManyRequests
		}

		h.writeJSON(w, status, resp)
	}
}

// Reset handles DELETE /ratelimit/{policy}/{identifier} - clear an identifier's state
func (h *RateLimitHandler) Reset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		policy, identifier := vars["policy"], vars["identifier"]

		if err := h.svc.Reset(r.Context(), policy, identifier); err != nil {
			h.writeServiceError(w, "failed to reset rate limit", policy, err)
			return
		}

		h.logger.Info("rate limit reset", zap.String("policy", policy), zap.String("identifier", identifier))
		h.writeJSON(w, http.StatusOK, map[string]string{
			"message":    "rate limit reset",
			"policy":     policy,
			"identifier": identifier,
		})
	}
}

// Helper methods

// StatusFor maps service and storage errors onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPolicy), errors.Is(err, limiter.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrStorageUnavailable),
		errors.Is(err, storage.ErrStorageTimeout),
		errors.Is(err, storage.ErrStorageClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *RateLimitHandler) writeServiceError(w http.ResponseWriter, msg, policy string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("policy", policy), zap.Error(err))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	h.writeError(w, status, message)
}

func (h *RateLimitHandler) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

// writeError writes an error response
func (h *RateLimitHandler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

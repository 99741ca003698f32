// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	Authenticate(r *http.Request) (userID, sourceID string, err error)
}

// BatchProcessor applies a batch of queued operations for one user
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, userID, sourceID string, req *BatchRequest) (*BatchResponse, error)
}

// HTTPSyncHandlers provides HTTP handlers for the batch sync API
type HTTPSyncHandlers struct {
	processor     BatchProcessor
	authenticator ClientAuthenticator
	limiter       *rateLimiterStore
	appName       string
	maxBodyBytes  int64
	logger        *slog.Logger
}

// HandlerOption customizes HTTPSyncHandlers
type HandlerOption func(*HTTPSyncHandlers)

// WithRateLimit enables per-user rate limiting of batch submissions
func WithRateLimit(config RateLimitConfig) HandlerOption {
	return func(h *HTTPSyncHandlers) {
		h.limiter = newRateLimiterStore(config)
	}
}

// WithMaxBodyBytes caps the request body size (default 8 MiB)
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *HTTPSyncHandlers) {
		h.maxBodyBytes = n
	}
}

// WithAppName sets the name reported by the health endpoint
func WithAppName(name string) HandlerOption {
	return func(h *HTTPSyncHandlers) {
		h.appName = name
	}
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(processor BatchProcessor, authenticator ClientAuthenticator, logger *slog.Logger, opts ...HandlerOption) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPSyncHandlers{
		processor:     processor,
		authenticator: authenticator,
		appName:       "annosync",
		maxBodyBytes:  8 << 20,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleBatch applies a batch of operations and returns one outcome per operation, in order
func (h *HTTPSyncHandlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, sourceID, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	if h.limiter != nil {
		if ok, wait := h.limiter.allow(userID); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			h.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many batches, retry later")
			return
		}
	}

	var req BatchRequest
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse batch request")
		return
	}

	response, err := h.processor.ProcessBatch(r.Context(), userID, sourceID, &req)
	if err != nil {
		h.logger.Error("Failed to process batch", "error", err, "user_id", userID, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "batch_failed", "Failed to process batch")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode batch response", "error", err, "source_id", sourceID)
	}
}

// HandleHealth reports liveness
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusResponse{Status: "healthy", AppName: h.appName})
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

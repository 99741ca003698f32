// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	userID   string
	sourceID string
	req      *BatchRequest
	err      error
}

func (f *fakeProcessor) ProcessBatch(_ context.Context, userID, sourceID string, req *BatchRequest) (*BatchResponse, error) {
	f.userID, f.sourceID, f.req = userID, sourceID, req
	if f.err != nil {
		return nil, f.err
	}
	out := make([]OperationOutcome, len(req.Operations))
	for i, op := range req.Operations {
		out[i] = statusAccepted(op.IdempotencyKey, 1)
	}
	return &BatchResponse{Outcomes: out}, nil
}

func newHandlerFixture(t *testing.T, opts ...HandlerOption) (*HTTPSyncHandlers, *fakeProcessor, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("handler-secret")
	token, err := jwtAuth.GenerateToken("reader", "device-1", time.Hour)
	require.NoError(t, err)
	proc := &fakeProcessor{}
	return NewHTTPSyncHandlers(proc, jwtAuth, nil, opts...), proc, token
}

func postBatch(h *HTTPSyncHandlers, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/sync/batch", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.HandleBatch(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func TestHandleBatch_Success(t *testing.T) {
	h, proc, token := newHandlerFixture(t)

	body, err := json.Marshal(BatchRequest{Operations: []OperationUpload{
		{IdempotencyKey: "a:0:create", Operation: OpCreate},
		{IdempotencyKey: "b:0:create", Operation: OpCreate},
	}})
	require.NoError(t, err)

	rec := postBatch(h, token, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "reader", proc.userID)
	require.Equal(t, "device-1", proc.sourceID)

	var resp BatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Outcomes, 2)
	require.Equal(t, "a:0:create", resp.Outcomes[0].IdempotencyKey)
	require.Equal(t, "b:0:create", resp.Outcomes[1].IdempotencyKey)
}

func TestHandleBatch_Errors(t *testing.T) {
	t.Run("method", func(t *testing.T) {
		h, _, _ := newHandlerFixture(t)
		rec := httptest.NewRecorder()
		h.HandleBatch(rec, httptest.NewRequest(http.MethodGet, "/sync/batch", nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h, proc, _ := newHandlerFixture(t)
		rec := postBatch(h, "", []byte(`{"operations":[]}`))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "authentication_failed", decodeError(t, rec).Error)
		require.Nil(t, proc.req)
	})

	t.Run("bad json", func(t *testing.T) {
		h, _, token := newHandlerFixture(t)
		rec := postBatch(h, token, []byte(`{"operations":`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "invalid_request", decodeError(t, rec).Error)
	})

	t.Run("body too large", func(t *testing.T) {
		h, _, token := newHandlerFixture(t, WithMaxBodyBytes(16))
		rec := postBatch(h, token, []byte(`{"operations":[{"idempotency_key":"x"}]}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("processor failure", func(t *testing.T) {
		h, proc, token := newHandlerFixture(t)
		proc.err = errors.New("db down")
		rec := postBatch(h, token, []byte(`{"operations":[]}`))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "batch_failed", decodeError(t, rec).Error)
	})
}

func TestHandleBatch_RateLimited(t *testing.T) {
	h, _, token := newHandlerFixture(t, WithRateLimit(RateLimitConfig{Interval: time.Hour, Burst: 1}))

	rec := postBatch(h, token, []byte(`{"operations":[]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postBatch(h, token, []byte(`{"operations":[]}`))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "rate_limited", decodeError(t, rec).Error)
}

func TestHandleHealth(t *testing.T) {
	h, _, _ := newHandlerFixture(t, WithAppName("annosync-test"))
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.Equal(t, "healthy", st.Status)
	require.Equal(t, "annosync-test", st.AppName)
}

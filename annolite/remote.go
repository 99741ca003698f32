// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

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

	"github.com/mobiletoly/go-annosync/annosync"
)

// Remote submits a batch of operations and returns one outcome per operation, in order.
// An error means no outcome is known for any operation of the batch.
type Remote interface {
	SendBatch(ctx context.Context, req *annosync.BatchRequest) (*annosync.BatchResponse, error)
}

// HTTPRemote talks to the batch endpoint of an annosync server.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPRemote creates a remote for baseURL. The bounded call timeout is enforced by the caller's context.
func NewHTTPRemote(baseURL string, token func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// SendBatch posts the batch to /sync/batch.
func (r *HTTPRemote) SendBatch(ctx context.Context, req *annosync.BatchRequest) (*annosync.BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.Token != nil {
		token, err := r.Token(ctx)
		if err != nil {
			return nil, &TransportError{Err: fmt.Errorf("%w: %v", ErrUnauthorized, err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TransportError{Err: fmt.Errorf("%w: %v", ErrNetworkFailure, ctxErr)}
		}
		return nil, &TransportError{Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, transportErrorForStatus(resp.StatusCode, string(raw))
	}

	var out annosync.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &TransportError{Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
		}
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: malformed response: %v", ErrServerError, err)}
	}
	return &out, nil
}

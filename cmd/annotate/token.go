// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// tokenSource hands out a bearer token: the configured static one, or one obtained from the
// server's dummy signin for user on this device.
type tokenSource struct {
	serverURL string
	static    string
	user      string
	password  string
	device    string
	http      *http.Client
	logger    *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token implements the token callback of annolite.HTTPRemote.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if s.static != "" {
		return s.static, nil
	}
	if s.user == "" {
		return "", errors.New("no token configured and no user for signin")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.expires) {
		return s.token, nil
	}

	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(3, b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := s.signin(ctx)
		var se *signinError
		if errors.As(err, &se) && se.status < http.StatusInternalServerError {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.token, nil
}

type signinError struct {
	status int
	body   string
}

func (e *signinError) Error() string {
	return fmt.Sprintf("signin failed with status %d: %s", e.status, e.body)
}

func (s *tokenSource) signin(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"user":     s.user,
		"password": s.password,
		"device":   s.device,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.serverURL, "/")+"/dummy-signin", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.http
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("signin request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &signinError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode signin response: %w", err)
	}
	if out.Token == "" {
		return errors.New("signin response has no token")
	}
	s.token = out.Token
	// refresh a minute early
	s.expires = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	if s.logger != nil {
		s.logger.Debug("Obtained token", "user", s.user, "device", s.device)
	}
	return nil
}

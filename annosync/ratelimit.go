// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-user token bucket settings for the batch endpoint.
type RateLimitConfig struct {
	Interval time.Duration // Time between allowed batches
	Burst    int           // Max burst size
}

// DefaultRateLimitConfig allows ~2 batches per second with a burst of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: 500 * time.Millisecond,
		Burst:    10,
	}
}

type rateLimiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

func newRateLimiterStore(config RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

func (s *rateLimiterStore) get(userID string) *rate.Limiter {
	s.mu.RLock()
	limiter, ok := s.limiters[userID]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.limiters[userID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Every(s.config.Interval), s.config.Burst)
	s.limiters[userID] = limiter
	return limiter
}

// allow reports whether the user may submit now, and otherwise how long to wait.
func (s *rateLimiterStore) allow(userID string) (bool, time.Duration) {
	r := s.get(userID).Reserve()
	if !r.OK() {
		return false, s.config.Interval
	}
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

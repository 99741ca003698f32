// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterStore_BurstThenDeny(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{Interval: time.Hour, Burst: 2})

	ok, _ := store.allow("alice")
	require.True(t, ok)
	ok, _ = store.allow("alice")
	require.True(t, ok)

	ok, wait := store.allow("alice")
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))

	// Other users have their own bucket.
	ok, _ = store.allow("bob")
	require.True(t, ok)
}

func TestRateLimiterStore_DeniedDoesNotConsume(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{Interval: 50 * time.Millisecond, Burst: 1})

	ok, _ := store.allow("alice")
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _ = store.allow("alice")
		require.False(t, ok)
	}

	require.Eventually(t, func() bool {
		ok, _ := store.allow("alice")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestRateLimiterStore_SameLimiterPerUser(t *testing.T) {
	store := newRateLimiterStore(DefaultRateLimitConfig())
	require.Same(t, store.get("alice"), store.get("alice"))
	require.NotSame(t, store.get("alice"), store.get("bob"))
}

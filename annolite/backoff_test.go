// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := backoffPolicy{min: time.Second, max: 10 * time.Second}

	require.Equal(t, time.Second, p.delay(1))
	require.Equal(t, 2*time.Second, p.delay(2))
	require.Equal(t, 4*time.Second, p.delay(3))
	require.Equal(t, 8*time.Second, p.delay(4))
	require.Equal(t, 10*time.Second, p.delay(5))
	require.Equal(t, 10*time.Second, p.delay(20))
}

func TestBackoffPolicy_Jitter(t *testing.T) {
	p := backoffPolicy{min: time.Second, max: time.Minute, jitter: 20}
	for i := 0; i < 50; i++ {
		d := p.delay(3)
		require.GreaterOrEqual(t, d, 3200*time.Millisecond)
		require.LessOrEqual(t, d, 4800*time.Millisecond)
	}

	b := p.newBackoff()
	for i := 0; i < 20; i++ {
		d, stop := b.Next()
		require.False(t, stop)
		require.LessOrEqual(t, d, time.Minute)
	}
}

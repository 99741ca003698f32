// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1", "device-a")

	userID, ok := UserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	sourceID, ok := SourceID(ctx)
	require.True(t, ok)
	require.Equal(t, "device-a", sourceID)
}

func TestIdentityMissing(t *testing.T) {
	_, ok := UserID(context.Background())
	require.False(t, ok)

	_, ok = SourceID(WithIdentity(context.Background(), "user-1", ""))
	require.False(t, ok)
}

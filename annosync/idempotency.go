// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import "strconv"

// IdempotencyKey derives the deterministic key (entityId, baseVersion, operation) used by the
// remote service to recognize a duplicate submission and answer it with the original outcome.
func IdempotencyKey(entityID string, baseVersion int64, op string) string {
	return entityID + ":" + strconv.FormatInt(baseVersion, 10) + ":" + op
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

// Operation constants for queued mutations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Outcome status constants for per-operation batch results
const (
	StAccepted         = "accepted"
	StRejectedStale    = "rejected_stale"
	StRejectedInvalid  = "rejected_invalid"
	StTransientFailure = "transient_failure"
)

// Invalid reason constants
const (
	ReasonBadPayload         = "bad_payload"
	ReasonUnknownEntityType  = "unknown_entity_type"
	ReasonUnknownOperation   = "unknown_operation"
	ReasonEntityTypeMismatch = "entity_type_mismatch"
	ReasonLocationChanged    = "location_changed"
	ReasonNotFound           = "not_found"
	ReasonPayloadTooLarge    = "payload_too_large"
)

// Transient reason constants
const (
	ReasonBatchTooLarge  = "batch_too_large"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonInternalError  = "internal_error"
)

// Payload limits shared by client-side and server-side validation
const (
	MaxNoteLength   = 10000
	MaxBookLength   = 64
	DefaultMaxBatch = 200
)

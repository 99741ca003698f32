// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"encoding/json"
)

// REST/JSON models for the batch endpoint
// Authentication context (user and device) comes from the bearer token, never from the body.

// BatchRequest represents a batch of queued operations submitted by a client
type BatchRequest struct {
	Operations []OperationUpload `json:"operations"`
}

// OperationUpload represents a single queued operation in a batch
type OperationUpload struct {
	IdempotencyKey string          `json:"idempotency_key"` // (entity_id, base_version, operation)
	Operation      string          `json:"operation"`       // create, update, delete
	EntityType     EntityType      `json:"entity_type"`     // bookmark, note, highlight
	EntityID       string          `json:"entity_id"`       // UUID as string
	BaseVersion    int64           `json:"base_version"`    // Version the client believed was current
	Data           json.RawMessage `json:"data,omitempty"`  // AnnotationData snapshot (null for delete)
}

// BatchResponse carries one outcome per submitted operation, in submission order
type BatchResponse struct {
	Outcomes []OperationOutcome `json:"outcomes"`
}

// OperationOutcome represents the result of applying a single operation
type OperationOutcome struct {
	IdempotencyKey string          `json:"idempotency_key"`          // Echo of the submitted key
	Status         string          `json:"status"`                   // accepted, rejected_stale, rejected_invalid, transient_failure
	NewVersion     *int64          `json:"new_version,omitempty"`    // Server version after an accepted operation
	ServerVersion  *int64          `json:"server_version,omitempty"` // Current server version on rejected_stale
	ServerData     json.RawMessage `json:"server_data,omitempty"`    // Current server snapshot on rejected_stale
	ServerDeleted  bool            `json:"server_deleted,omitempty"` // Server row is a tombstone on rejected_stale
	Reason         string          `json:"reason,omitempty"`         // Invalid or transient reason
	Message        string          `json:"message,omitempty"`        // Optional human readable detail
	Duplicate      bool            `json:"duplicate,omitempty"`      // Answered from the idempotency memo
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when an annotation does not exist or is pending deletion.
	ErrNotFound = errors.New("annotation not found")
	// ErrConflictUnresolved is returned when writing to an annotation that awaits conflict resolution.
	ErrConflictUnresolved = errors.New("annotation has an unresolved conflict")
	// ErrInvalidAnnotation wraps validation failures of a local write.
	ErrInvalidAnnotation = errors.New("invalid annotation")
	// ErrLocationImmutable is returned when a write tries to move an annotation.
	ErrLocationImmutable = errors.New("annotation location cannot change")
	// ErrNotInConflict is returned when resolving an annotation that is not in conflict.
	ErrNotInConflict = errors.New("annotation is not in conflict")
	// ErrMergeNotAllowed is returned when merging anything but a note.
	ErrMergeNotAllowed = errors.New("manual merge is only available for notes")
	// ErrNotRestorable is returned when a delete was already submitted and cannot be undone locally.
	ErrNotRestorable = errors.New("annotation delete can no longer be undone")
	// ErrConflictStatus is returned when conflict is set or cleared outside a rejected operation
	// and the Resolver.
	ErrConflictStatus = errors.New("conflict status is managed by sync and resolution")
	// ErrBookmarkConflict is returned when a bookmark operation is flagged as a conflict.
	ErrBookmarkConflict = errors.New("bookmarks never enter conflict")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("client is closed")
)

// Transport errors. Every one of them is a transient failure for the operations in the batch.
var (
	ErrNetworkFailure = errors.New("network failure")
	ErrServerError    = errors.New("server error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
)

// TransportError describes a batch call that did not produce per-operation outcomes.
type TransportError struct {
	StatusCode int    // HTTP status, 0 when the request never completed
	Body       string // Truncated response body
	Err        error  // One of the transport sentinels
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("batch request failed: %v", e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("batch request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("batch request failed with status %d: %v: %s", e.StatusCode, e.Err, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transportErrorForStatus maps a non-200 response to its sentinel.
func transportErrorForStatus(code int, body string) *TransportError {
	var err error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		err = ErrUnauthorized
	case code == http.StatusTooManyRequests:
		err = ErrRateLimited
	default:
		err = ErrServerError
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return &TransportError{StatusCode: code, Body: body, Err: err}
}

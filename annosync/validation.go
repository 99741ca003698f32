// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrBadPayload marks an annotation snapshot that does not fit its entity type.
	ErrBadPayload = errors.New("bad annotation payload")
	// ErrUnknownEntityType marks an entity type outside bookmark, note and highlight.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrUnknownOperation marks an operation outside create, update and delete.
	ErrUnknownOperation = errors.New("unknown operation")
)

// ValidateLocation checks that a location key addresses a verse.
func ValidateLocation(loc LocationKey) error {
	if strings.TrimSpace(loc.Book) == "" {
		return fmt.Errorf("%w: book is required", ErrBadPayload)
	}
	if len(loc.Book) > MaxBookLength {
		return fmt.Errorf("%w: book longer than %d bytes", ErrBadPayload, MaxBookLength)
	}
	if strings.Contains(loc.Book, ".") {
		return fmt.Errorf("%w: book must not contain '.'", ErrBadPayload)
	}
	if loc.Chapter < 1 || loc.Verse < 1 {
		return fmt.Errorf("%w: chapter and verse must be positive", ErrBadPayload)
	}
	return nil
}

// ValidateData checks that a snapshot carries exactly the payload its entity type needs.
func ValidateData(t EntityType, data *AnnotationData) error {
	if data == nil {
		return fmt.Errorf("%w: missing data", ErrBadPayload)
	}
	if err := ValidateLocation(data.Location); err != nil {
		return err
	}
	switch t {
	case EntityBookmark:
		if data.Note != nil || data.Highlight != nil {
			return fmt.Errorf("%w: bookmark carries no payload", ErrBadPayload)
		}
	case EntityNote:
		if data.Highlight != nil {
			return fmt.Errorf("%w: note carries a highlight payload", ErrBadPayload)
		}
		if data.Note == nil || strings.TrimSpace(data.Note.Text) == "" {
			return fmt.Errorf("%w: note text is required", ErrBadPayload)
		}
		if len(data.Note.Text) > MaxNoteLength {
			return fmt.Errorf("%w: note longer than %d bytes", ErrBadPayload, MaxNoteLength)
		}
	case EntityHighlight:
		if data.Note != nil {
			return fmt.Errorf("%w: highlight carries a note payload", ErrBadPayload)
		}
		if data.Highlight == nil {
			return fmt.Errorf("%w: highlight payload is required", ErrBadPayload)
		}
		return validateHighlight(data.Highlight)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
	return nil
}

func validateHighlight(h *HighlightPayload) error {
	if !HighlightColors[h.Color] {
		return fmt.Errorf("%w: unsupported highlight color %q", ErrBadPayload, h.Color)
	}
	if (h.StartOffset == nil) != (h.EndOffset == nil) {
		return fmt.Errorf("%w: highlight offsets must be given together", ErrBadPayload)
	}
	if h.StartOffset != nil {
		if *h.StartOffset < 0 || *h.EndOffset <= *h.StartOffset {
			return fmt.Errorf("%w: highlight offsets out of order", ErrBadPayload)
		}
	}
	return nil
}

// DecodeData unmarshals and validates an operation snapshot.
func DecodeData(t EntityType, raw json.RawMessage) (*AnnotationData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing data", ErrBadPayload)
	}
	var data AnnotationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := ValidateData(t, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// validateOperation checks the envelope of an uploaded operation and returns the invalid
// reason alongside the error.
func validateOperation(op *OperationUpload, maxPayloadBytes int) (string, error) {
	switch op.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return ReasonUnknownOperation, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Operation)
	}
	if !op.EntityType.Valid() {
		return ReasonUnknownEntityType, fmt.Errorf("%w: %q", ErrUnknownEntityType, op.EntityType)
	}
	if _, err := uuid.Parse(op.EntityID); err != nil {
		return ReasonBadPayload, fmt.Errorf("%w: entity_id is not a UUID: %v", ErrBadPayload, err)
	}
	if op.BaseVersion < 0 {
		return ReasonBadPayload, fmt.Errorf("%w: negative base_version", ErrBadPayload)
	}
	if op.IdempotencyKey != IdempotencyKey(op.EntityID, op.BaseVersion, op.Operation) {
		return ReasonBadPayload, fmt.Errorf("%w: idempotency_key does not match operation", ErrBadPayload)
	}
	if op.Operation != OpDelete {
		if maxPayloadBytes > 0 && len(op.Data) > maxPayloadBytes {
			return ReasonPayloadTooLarge, fmt.Errorf("payload of %d bytes exceeds limit %d", len(op.Data), maxPayloadBytes)
		}
		if _, err := DecodeData(op.EntityType, op.Data); err != nil {
			return ReasonBadPayload, err
		}
	}
	return "", nil
}

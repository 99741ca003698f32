// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-annosync/annosync"
)

// SyncStatus is the per-annotation synchronization state. Exactly one holds at a time.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// Annotation is a bookmark, note or highlight attached to a verse, together with its sync state.
type Annotation struct {
	ID        string
	Type      annosync.EntityType
	Location  annosync.LocationKey
	Note      *annosync.NotePayload
	Highlight *annosync.HighlightPayload

	// Version grows on every local write and every accepted remote write.
	Version int64
	// ServerVersion is the last version the remote store acknowledged; new operations are based on it.
	ServerVersion int64
	Status        SyncStatus
	Deleted       bool   // Deleted locally, waiting for the remote delete to be acknowledged
	SyncError     string // Last validation error reported by the remote store
	Incoming      *Incoming

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Incoming is the remote side of a conflict.
type Incoming struct {
	Version int64
	Data    *annosync.AnnotationData // nil when the remote annotation is deleted
	Deleted bool
}

// NewBookmark returns an unsaved bookmark for loc.
func NewBookmark(loc annosync.LocationKey) *Annotation {
	return &Annotation{Type: annosync.EntityBookmark, Location: loc}
}

// NewNote returns an unsaved note for loc.
func NewNote(loc annosync.LocationKey, text string) *Annotation {
	return &Annotation{Type: annosync.EntityNote, Location: loc, Note: &annosync.NotePayload{Text: text}}
}

// NewHighlight returns an unsaved highlight for loc. Offsets are optional but come in pairs.
func NewHighlight(loc annosync.LocationKey, color string, start, end *int) *Annotation {
	return &Annotation{
		Type:      annosync.EntityHighlight,
		Location:  loc,
		Highlight: &annosync.HighlightPayload{Color: color, StartOffset: start, EndOffset: end},
	}
}

// Data returns the snapshot replayed remotely for this annotation.
func (a *Annotation) Data() *annosync.AnnotationData {
	return &annosync.AnnotationData{
		Location:  a.Location,
		Note:      a.Note,
		Highlight: a.Highlight,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func (a *Annotation) validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidAnnotation, a.Type)
	}
	if err := annosync.ValidateData(a.Type, a.Data()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAnnotation, err)
	}
	return nil
}

func (a *Annotation) applyData(d *annosync.AnnotationData) {
	a.Location = d.Location
	a.Note = d.Note
	a.Highlight = d.Highlight
	if !d.CreatedAt.IsZero() {
		a.CreatedAt = d.CreatedAt
	}
	if !d.UpdatedAt.IsZero() {
		a.UpdatedAt = d.UpdatedAt
	}
}

func marshalData(d *annosync.AnnotationData) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode annotation data: %w", err)
	}
	return string(raw), nil
}

func unmarshalData(raw string) (*annosync.AnnotationData, error) {
	var d annosync.AnnotationData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to decode annotation data: %w", err)
	}
	return &d, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

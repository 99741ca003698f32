// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestValidateLocation(t *testing.T) {
	require.NoError(t, ValidateLocation(LocationKey{Book: "GEN", Chapter: 1, Verse: 1}))

	cases := map[string]LocationKey{
		"empty book":   {Book: " ", Chapter: 1, Verse: 1},
		"dotted book":  {Book: "1.JN", Chapter: 1, Verse: 1},
		"long book":    {Book: strings.Repeat("x", MaxBookLength+1), Chapter: 1, Verse: 1},
		"zero chapter": {Book: "GEN", Chapter: 0, Verse: 1},
		"zero verse":   {Book: "GEN", Chapter: 1, Verse: 0},
	}
	for name, loc := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, ValidateLocation(loc), ErrBadPayload)
		})
	}
}

func TestValidateData(t *testing.T) {
	loc := LocationKey{Book: "JHN", Chapter: 3, Verse: 16}

	require.NoError(t, ValidateData(EntityBookmark, &AnnotationData{Location: loc}))
	require.NoError(t, ValidateData(EntityNote, &AnnotationData{Location: loc, Note: &NotePayload{Text: "love"}}))
	require.NoError(t, ValidateData(EntityHighlight, &AnnotationData{Location: loc, Highlight: &HighlightPayload{Color: "yellow"}}))
	require.NoError(t, ValidateData(EntityHighlight, &AnnotationData{Location: loc,
		Highlight: &HighlightPayload{Color: "blue", StartOffset: intPtr(0), EndOffset: intPtr(5)}}))

	bad := []struct {
		name string
		t    EntityType
		data *AnnotationData
	}{
		{"nil data", EntityNote, nil},
		{"bookmark with note", EntityBookmark, &AnnotationData{Location: loc, Note: &NotePayload{Text: "x"}}},
		{"note without text", EntityNote, &AnnotationData{Location: loc, Note: &NotePayload{Text: "  "}}},
		{"note too long", EntityNote, &AnnotationData{Location: loc, Note: &NotePayload{Text: strings.Repeat("a", MaxNoteLength+1)}}},
		{"note with highlight", EntityNote, &AnnotationData{Location: loc, Note: &NotePayload{Text: "x"}, Highlight: &HighlightPayload{Color: "blue"}}},
		{"highlight missing", EntityHighlight, &AnnotationData{Location: loc}},
		{"highlight bad color", EntityHighlight, &AnnotationData{Location: loc, Highlight: &HighlightPayload{Color: "black"}}},
		{"highlight half offsets", EntityHighlight, &AnnotationData{Location: loc, Highlight: &HighlightPayload{Color: "pink", StartOffset: intPtr(1)}}},
		{"highlight reversed offsets", EntityHighlight, &AnnotationData{Location: loc, Highlight: &HighlightPayload{Color: "pink", StartOffset: intPtr(4), EndOffset: intPtr(4)}}},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, ValidateData(tc.t, tc.data), ErrBadPayload)
		})
	}

	require.ErrorIs(t, ValidateData("sticker", &AnnotationData{Location: loc}), ErrUnknownEntityType)
}

func TestValidateOperation(t *testing.T) {
	id := uuid.NewString()
	noteData, err := json.Marshal(AnnotationData{
		Location: LocationKey{Book: "PSA", Chapter: 23, Verse: 1},
		Note:     &NotePayload{Text: "shepherd"},
	})
	require.NoError(t, err)

	valid := func() OperationUpload {
		return OperationUpload{
			IdempotencyKey: IdempotencyKey(id, 0, OpCreate),
			Operation:      OpCreate,
			EntityType:     EntityNote,
			EntityID:       id,
			BaseVersion:    0,
			Data:           noteData,
		}
	}

	op := valid()
	reason, err := validateOperation(&op, 0)
	require.NoError(t, err)
	require.Empty(t, reason)

	cases := []struct {
		name   string
		mutate func(op *OperationUpload)
		reason string
	}{
		{"unknown operation", func(op *OperationUpload) { op.Operation = "upsert" }, ReasonUnknownOperation},
		{"unknown entity type", func(op *OperationUpload) { op.EntityType = "sticker" }, ReasonUnknownEntityType},
		{"entity id not uuid", func(op *OperationUpload) { op.EntityID = "nope" }, ReasonBadPayload},
		{"negative base", func(op *OperationUpload) {
			op.BaseVersion = -1
			op.IdempotencyKey = IdempotencyKey(id, -1, OpCreate)
		}, ReasonBadPayload},
		{"key mismatch", func(op *OperationUpload) { op.IdempotencyKey = "x" }, ReasonBadPayload},
		{"missing data", func(op *OperationUpload) { op.Data = nil }, ReasonBadPayload},
		{"wrong payload for type", func(op *OperationUpload) { op.EntityType = EntityBookmark }, ReasonBadPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := valid()
			tc.mutate(&op)
			reason, err := validateOperation(&op, 0)
			require.Error(t, err)
			require.Equal(t, tc.reason, reason)
		})
	}

	t.Run("payload too large", func(t *testing.T) {
		op := valid()
		reason, err := validateOperation(&op, 8)
		require.Error(t, err)
		require.Equal(t, ReasonPayloadTooLarge, reason)
	})

	t.Run("delete needs no data", func(t *testing.T) {
		op := OperationUpload{
			IdempotencyKey: IdempotencyKey(id, 3, OpDelete),
			Operation:      OpDelete,
			EntityType:     EntityHighlight,
			EntityID:       id,
			BaseVersion:    3,
		}
		_, err := validateOperation(&op, 0)
		require.NoError(t, err)
	})
}

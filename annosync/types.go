// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityType tags the annotation variant.
type EntityType string

const (
	EntityBookmark  EntityType = "bookmark"
	EntityNote      EntityType = "note"
	EntityHighlight EntityType = "highlight"
)

// Valid reports whether t is one of the known annotation variants.
func (t EntityType) Valid() bool {
	switch t {
	case EntityBookmark, EntityNote, EntityHighlight:
		return true
	default:
		return false
	}
}

// LocationKey addresses a verse in the corpus. It never changes after creation.
type LocationKey struct {
	Book    string `json:"book"`
	Chapter int    `json:"chapter"`
	Verse   int    `json:"verse"`
}

// String renders the key as book.chapter.verse.
func (k LocationKey) String() string {
	return k.Book + "." + strconv.Itoa(k.Chapter) + "." + strconv.Itoa(k.Verse)
}

// ParseLocationKey parses the book.chapter.verse form produced by String.
func ParseLocationKey(s string) (LocationKey, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 {
		return LocationKey{}, fmt.Errorf("invalid location key %q", s)
	}
	j := strings.LastIndex(s[:i], ".")
	if j <= 0 {
		return LocationKey{}, fmt.Errorf("invalid location key %q", s)
	}
	chapter, err := strconv.Atoi(s[j+1 : i])
	if err != nil {
		return LocationKey{}, fmt.Errorf("invalid chapter in location key %q: %w", s, err)
	}
	verse, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return LocationKey{}, fmt.Errorf("invalid verse in location key %q: %w", s, err)
	}
	return LocationKey{Book: s[:j], Chapter: chapter, Verse: verse}, nil
}

// NotePayload is the free-text content of a note.
type NotePayload struct {
	Text string `json:"text"`
}

// HighlightPayload is a colored span, optionally narrowed to character offsets within the verse.
type HighlightPayload struct {
	Color       string `json:"color"`
	StartOffset *int   `json:"start_offset,omitempty"`
	EndOffset   *int   `json:"end_offset,omitempty"`
}

// HighlightColors lists the accepted highlight colors.
var HighlightColors = map[string]bool{
	"yellow": true,
	"green":  true,
	"blue":   true,
	"pink":   true,
	"purple": true,
	"orange": true,
}

// AnnotationData is the full snapshot carried by an operation so it can be replayed remotely.
type AnnotationData struct {
	Location  LocationKey       `json:"location"`
	Note      *NotePayload      `json:"note,omitempty"`
	Highlight *HighlightPayload `json:"highlight,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

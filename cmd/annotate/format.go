// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/mobiletoly/go-annosync/annolite"
	"github.com/mobiletoly/go-annosync/annosync"
)

var (
	syncedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	conflictStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

func statusLabel(a *annolite.Annotation) string {
	label := string(a.Status)
	if a.Deleted {
		label += ",deleted"
	}
	switch a.Status {
	case annolite.StatusSynced:
		return syncedStyle.Render(label)
	case annolite.StatusConflict:
		return conflictStyle.Render(label)
	default:
		return pendingStyle.Render(label)
	}
}

func describe(a *annolite.Annotation) string {
	switch a.Type {
	case annosync.EntityNote:
		if a.Note != nil {
			return strconv.Quote(a.Note.Text)
		}
	case annosync.EntityHighlight:
		if h := a.Highlight; h != nil {
			if h.StartOffset != nil && h.EndOffset != nil {
				return fmt.Sprintf("%s [%d:%d]", h.Color, *h.StartOffset, *h.EndOffset)
			}
			return h.Color
		}
	}
	return ""
}

func printAnnotation(w io.Writer, a *annolite.Annotation) {
	fmt.Fprintf(w, "%s  %-9s %-14s v%d  %s  %s\n",
		a.ID, a.Type, a.Location.String(), a.Version, statusLabel(a), describe(a))
	if a.SyncError != "" {
		fmt.Fprintf(w, "    %s\n", conflictStyle.Render("rejected: "+a.SyncError))
	}
}

func printAggregate(w io.Writer, agg annolite.Aggregate) {
	syncing := ""
	if agg.IsSyncing {
		syncing = pendingStyle.Render(" (syncing)")
	}
	fmt.Fprintf(w, "pending %d  conflicts %s  failed %d  rejected %d%s\n",
		agg.PendingCount,
		conflictCount(agg.ConflictCount),
		agg.FailedCount,
		agg.InvalidCount,
		syncing)
}

func conflictCount(n int) string {
	if n == 0 {
		return dimStyle.Render("0")
	}
	return conflictStyle.Render(strconv.Itoa(n))
}

func printResult(w io.Writer, r annolite.BatchResult) {
	fmt.Fprintf(w, "sent %d  accepted %d  stale %d  invalid %d  transient %d  failed %d\n",
		r.Sent, r.Accepted, r.Stale, r.Invalid, r.Transient, r.Failed)
	if r.Err != nil {
		fmt.Fprintf(w, "    %s\n", conflictStyle.Render(r.Err.Error()))
	}
}

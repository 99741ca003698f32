// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestStatus_StatusOf(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	a := putNote(t, c, "status")
	st, err := c.Status.StatusOf(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, st)

	_, err = c.Drain(ctx)
	require.NoError(t, err)
	st, err = c.Status.StatusOf(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, st)

	_, err = c.Status.StatusOf(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatus_Aggregate(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	c := newTestClient(t, remote, nil)

	agg, err := c.Status.Aggregate(ctx)
	require.NoError(t, err)
	require.Equal(t, Aggregate{}, agg)

	conflictedNote(t, c, remote, "mine", "theirs")
	putNote(t, c, "pending 1")
	putNote(t, c, "pending 2")

	agg, err = c.Status.Aggregate(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, agg.PendingCount)
	require.Equal(t, 1, agg.ConflictCount)
	require.Zero(t, agg.FailedCount)
	require.False(t, agg.IsSyncing)
}

func TestStatus_IsSyncingDuringForegroundBatch(t *testing.T) {
	ctx := context.Background()
	remote := newMemRemote()
	c := newTestClient(t, remote, nil)
	putNote(t, c, "in flight")

	gate := make(chan struct{})
	remote.setGate(gate)
	done := make(chan error, 1)
	go func() {
		_, err := c.SyncOnce(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return remote.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)
	agg, err := c.Status.Aggregate(ctx)
	require.NoError(t, err)
	require.True(t, agg.IsSyncing)

	close(gate)
	require.NoError(t, <-done)
	agg, err = c.Status.Aggregate(ctx)
	require.NoError(t, err)
	require.False(t, agg.IsSyncing)
	require.Zero(t, agg.PendingCount)
}

func TestStatus_SubscribeDeliversLatest(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	updates, cancel := c.Status.Subscribe()
	defer cancel()

	initial := <-updates
	require.Zero(t, initial.PendingCount)

	a := putNote(t, c, "one")
	putNote(t, c, "two")
	putNote(t, c, "three")

	// Single slot: only the newest aggregate is kept for a slow reader.
	latest := <-updates
	require.Equal(t, 3, latest.PendingCount)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected queued aggregate: %+v", extra)
	default:
	}

	_, err := c.Drain(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case agg := <-updates:
			return agg.PendingCount == 0
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusSynced, mustGet(t, c, a.ID).Status)
}

func TestStatus_EventsForRemovedAnnotation(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, newMemRemote(), nil)

	a := putNote(t, c, "short lived")
	events, cancel := c.Status.SubscribeEvents(4)
	defer cancel()

	require.NoError(t, c.Store.Delete(ctx, a.ID))
	ev := <-events
	require.Equal(t, a.ID, ev.EntityID)
	require.True(t, ev.Removed)
}

func TestStatus_SlowEventSubscriberDoesNotBlockWrites(t *testing.T) {
	c := newTestClient(t, newMemRemote(), nil)
	events, cancel := c.Status.SubscribeEvents(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		putNote(t, c, "burst")
	}
	require.Len(t, events, 1)
}

func TestStatus_CancelAndClose(t *testing.T) {
	c := newTestClient(t, newMemRemote(), nil)

	updates, cancel := c.Status.Subscribe()
	<-updates
	cancel()
	cancel()
	_, ok := <-updates
	require.False(t, ok)

	events, _ := c.Status.SubscribeEvents(1)
	require.NoError(t, c.Close())
	_, ok = <-events
	require.False(t, ok)

	late, _ := c.Status.Subscribe()
	_, ok = <-late
	require.False(t, ok)
}

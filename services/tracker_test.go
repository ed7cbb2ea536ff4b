// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	store := storage.NewMemory()
	tr := NewTracker(store, log.NoOp())
	t.Cleanup(func() {
		tr.Close()
		store.Close()
	})
	clock := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return clock }
	return tr, &clock
}

func TestTrackerCapWithinWindow(t *testing.T) {
	tr, _ := newTestTracker(t)

	const interval = time.Hour
	for i := 0; i < 4; i++ {
		require.True(t, tr.CanIncrement("bid", "budget", interval, 4), "check %d", i)
		tr.Increment("bid", "budget", interval, 4)
	}
	require.False(t, tr.CanIncrement("bid", "budget", interval, 4))
	require.Equal(t, int64(4), tr.Value("bid", "budget"))
}

func TestTrackerWindowReset(t *testing.T) {
	tr, clock := newTestTracker(t)

	const interval = 5 * time.Minute
	for i := 0; i < 3; i++ {
		require.True(t, tr.TryIncrement("bid", "payouts", interval, 3))
	}
	require.False(t, tr.TryIncrement("bid", "payouts", interval, 3))

	*clock = clock.Add(interval)
	require.True(t, tr.CanIncrement("bid", "payouts", interval, 3))
	require.Equal(t, int64(0), tr.Value("bid", "payouts"))
	require.True(t, tr.TryIncrement("bid", "payouts", interval, 3))
}

func TestTrackerTryIncrementAtomic(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.True(t, tr.TryIncrement("bid", "budget", time.Hour, 1))
	require.False(t, tr.TryIncrement("bid", "budget", time.Hour, 1))
	require.Equal(t, int64(1), tr.Value("bid", "budget"))
}

func TestTrackerCountersIndependent(t *testing.T) {
	tr, _ := newTestTracker(t)

	require.True(t, tr.TryIncrement("bid-a", "payouts", time.Hour, 1))
	require.True(t, tr.TryIncrement("bid-b", "payouts", time.Hour, 1))
	require.True(t, tr.TryIncrement("bid-a", "budget", time.Hour, 1))
	require.False(t, tr.TryIncrement("bid-a", "payouts", time.Hour, 1))
}

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()

	tr := NewTracker(store, log.NoOp())
	require.True(t, tr.TryIncrement("bid", "payouts", time.Hour, 2))
	require.True(t, tr.TryIncrement("bid", "payouts", time.Hour, 2))
	require.NoError(t, tr.Close())

	tr2 := NewTracker(store, log.NoOp())
	defer tr2.Close()
	require.Equal(t, int64(2), tr2.Value("bid", "payouts"))
	require.False(t, tr2.TryIncrement("bid", "payouts", time.Hour, 2))
}

func TestTrackerPurgesStaleCounters(t *testing.T) {
	tr, clock := newTestTracker(t)

	require.True(t, tr.TryIncrement("bid", "payouts", time.Minute, 5))
	*clock = clock.Add(4 * time.Minute)
	tr.purge()

	tr.mu.Lock()
	_, ok := tr.tracked["bid"]
	tr.mu.Unlock()
	require.False(t, ok)
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
)

const (
	trackerKey           = "tracker"
	trackerCleanupPeriod = 5 * time.Second
	// Counters idle for three full windows are purged.
	trackerPurgeFactor = 3
)

type trackedCounter struct {
	Value                int64 `json:"value"`
	LastReset            int64 `json:"lastReset"`
	ResetIntervalSeconds int64 `json:"resetIntervalSeconds"`
	MaxValue             int64 `json:"maxValue"`
}

// Tracker maintains windowed rate counters (payout caps, daily budgets)
// keyed by (bid id, counter name). Counters reset lazily when their
// window elapses and the whole table is persisted as one JSON document,
// so limits survive restarts.
type Tracker struct {
	logger log.Logger
	store  *storage.Storage
	now    func() time.Time

	mu      sync.Mutex
	tracked map[string]map[string]*trackedCounter

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTracker loads the persisted counter table and starts the purge loop.
func NewTracker(store *storage.Storage, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.NoOp()
	}
	t := &Tracker{
		logger:  logger,
		store:   store,
		now:     time.Now,
		tracked: make(map[string]map[string]*trackedCounter),
		stop:    make(chan struct{}),
	}

	raw, err := store.Get([]byte(trackerKey))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &t.tracked); err != nil {
			logger.Warn("tracker state unreadable, starting fresh", log.Error(err))
			t.tracked = make(map[string]map[string]*trackedCounter)
		}
	case !storage.IsNotFound(err):
		logger.Warn("tracker load failed", log.Error(err))
	}

	go t.cleanupLoop()
	return t
}

func (t *Tracker) counter(key, name string, resetInterval time.Duration, maxValue int64) *trackedCounter {
	counters, ok := t.tracked[key]
	if !ok {
		counters = make(map[string]*trackedCounter)
		t.tracked[key] = counters
	}
	tc, ok := counters[name]
	if !ok {
		tc = &trackedCounter{
			ResetIntervalSeconds: int64(resetInterval / time.Second),
			MaxValue:             maxValue,
		}
		counters[name] = tc
	}
	now := t.now().Unix()
	if tc.LastReset == 0 || now-tc.LastReset >= tc.ResetIntervalSeconds {
		tc.Value = 0
		tc.LastReset = now
	}
	return tc
}

// CanIncrement reports whether the counter is below its cap in the
// current window.
func (t *Tracker) CanIncrement(key, name string, resetInterval time.Duration, maxValue int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc := t.counter(key, name, resetInterval, maxValue)
	return tc.Value < maxValue
}

// Increment bumps the counter by one and persists.
func (t *Tracker) Increment(key, name string, resetInterval time.Duration, maxValue int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc := t.counter(key, name, resetInterval, maxValue)
	tc.Value++
	t.commitLocked()
}

// TryIncrement checks the cap and bumps the counter under one lock
// acquisition, so concurrent payment paths cannot both pass the check.
func (t *Tracker) TryIncrement(key, name string, resetInterval time.Duration, maxValue int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tc := t.counter(key, name, resetInterval, maxValue)
	if tc.Value >= maxValue {
		return false
	}
	tc.Value++
	t.commitLocked()
	return true
}

// Value returns the counter's value in the current window, 0 when the
// window elapsed or the counter is unknown.
func (t *Tracker) Value(key, name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	counters, ok := t.tracked[key]
	if !ok {
		return 0
	}
	tc, ok := counters[name]
	if !ok {
		return 0
	}
	now := t.now().Unix()
	if tc.LastReset == 0 || now-tc.LastReset >= tc.ResetIntervalSeconds {
		return 0
	}
	return tc.Value
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(trackerCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.purge()
		}
	}
}

func (t *Tracker) purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().Unix()
	changed := false
	for key, counters := range t.tracked {
		for name, tc := range counters {
			if tc.LastReset != 0 && now-tc.LastReset >= tc.ResetIntervalSeconds*trackerPurgeFactor {
				delete(counters, name)
				changed = true
			}
		}
		if len(counters) == 0 {
			delete(t.tracked, key)
		}
	}
	if changed {
		t.commitLocked()
	}
}

func (t *Tracker) commitLocked() {
	raw, err := json.Marshal(t.tracked)
	if err != nil {
		t.logger.Warn("tracker marshal failed", log.Error(err))
		return
	}
	if err := t.store.Put([]byte(trackerKey), raw); err != nil {
		t.logger.Warn("tracker persist failed", log.Error(err))
	}
}

// Close stops the purge loop.
func (t *Tracker) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

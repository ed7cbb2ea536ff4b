// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package display

import (
	"sync"
	"time"

	"github.com/NostrGameEngine/nostrads/protocol"
)

const defaultCacheSize = 512

// bidCache dedupes ranked candidates across queues so that derank and
// penalty bookkeeping survives queue refreshes. It is bounded: when full
// the least recently used entry is evicted.
type bidCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ad       *RankedAd
	lastUsed time.Time
}

func newBidCache(max int) *bidCache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &bidCache{max: max, entries: make(map[string]*cacheEntry)}
}

func (c *bidCache) getOrCreate(bid *protocol.Bid) *RankedAd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[bid.ID()]; ok {
		e.lastUsed = time.Now()
		return e.ad
	}
	if len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	ad := newRankedAd(bid)
	c.entries[bid.ID()] = &cacheEntry{ad: ad, lastUsed: time.Now()}
	return ad
}

func (c *bidCache) get(id string) *RankedAd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.lastUsed = time.Now()
		return e.ad
	}
	return nil
}

func (c *bidCache) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range c.entries {
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}

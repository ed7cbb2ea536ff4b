// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package display

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/services"
	"github.com/NostrGameEngine/nostrads/transport"
)

const (
	// queueSize bounds the candidate pool per placement.
	queueSize = 10
	// refreshInterval is the minimum time between candidate refreshes.
	refreshInterval = 60 * time.Second
	// fetchRounds bounds how many query rounds one refresh may run.
	fetchRounds = 3
	// windowSlack pads the time windows so bids created at the window
	// boundary are not lost to clock skew.
	windowSlack = 2100 * time.Millisecond
	// goodScoreThreshold is the base score above which a candidate
	// counts toward the refresh early-stop target.
	goodScoreThreshold = 1.0
)

// CandidateFilter vets a candidate right before it is returned for
// display. An error hard-deranks the candidate.
type CandidateFilter func(bid *protocol.Bid) (bool, error)

// RankedQueue maintains the ranked candidate pool for one placement.
// Equal placements share one queue through the display client.
type RankedQueue struct {
	pool      transport.Pool
	taxonomy  *types.Taxonomy
	penalties *services.PenaltyStore
	logger    log.Logger
	cache     *bidCache
	adspace   *Adspace

	refs atomic.Int32

	mu         sync.Mutex
	ranked     []*RankedAd
	newestSeen time.Time
	oldestSeen time.Time
	lastUpdate time.Time

	now func() time.Time
}

func newRankedQueue(
	pool transport.Pool,
	taxonomy *types.Taxonomy,
	penalties *services.PenaltyStore,
	logger log.Logger,
	cache *bidCache,
	adspace *Adspace,
) *RankedQueue {
	q := &RankedQueue{
		pool:      pool,
		taxonomy:  taxonomy,
		penalties: penalties,
		logger:    logger,
		cache:     cache,
		adspace:   adspace,
		now:       time.Now,
	}
	q.refs.Store(1)
	return q
}

// Adspace returns the placement this queue serves.
func (q *RankedQueue) Adspace() *Adspace { return q.adspace }

// Next returns the best candidate for the given pixel box, refreshing the
// pool if it is stale. The returned candidate is soft-deranked so that
// repeated calls rotate through the pool. Returns nil when nothing fits.
func (q *RankedQueue) Next(ctx context.Context, width, height int, filter CandidateFilter) *RankedAd {
	q.refresh(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ranked) == 0 {
		return nil
	}

	sort.SliceStable(q.ranked, func(i, j int) bool {
		return q.ranked[i].ContextualScore(q.adspace, width, height) >
			q.ranked[j].ContextualScore(q.adspace, width, height)
	})

	for _, candidate := range q.ranked {
		if candidate.ContextualScore(q.adspace, width, height) < 0 {
			continue
		}
		if filter != nil {
			ok, err := filter(candidate.Bid())
			if err != nil {
				q.logger.Warn("candidate filter failed",
					log.String("bid", candidate.Bid().ID()), log.Error(err))
				candidate.Derank(true)
				continue
			}
			if !ok {
				continue
			}
		}
		candidate.Derank(false)
		return candidate
	}
	return nil
}

// targetsThisSpace re-checks the bid's whitelists client-side; relays
// cannot express "tag absent or contains X".
func (q *RankedQueue) targetsThisSpace(bid *protocol.Bid) bool {
	if len(bid.TargetedOfferers) > 0 && !slices.Contains(bid.TargetedOfferers, q.adspace.UserKey) {
		return false
	}
	if len(bid.TargetedApps) > 0 && !slices.Contains(bid.TargetedApps, q.adspace.AppKey) {
		return false
	}
	return true
}

func (q *RankedQueue) refresh(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if !q.lastUpdate.IsZero() && now.Before(q.lastUpdate.Add(refreshInterval)) {
		return
	}
	q.lastUpdate = now

	// Keep unexpired candidates from the previous pool.
	merged := make([]*RankedAd, 0, queueSize)
	for _, r := range q.ranked {
		if exp, ok := r.Bid().Expiration(); ok && exp.Before(now) {
			continue
		}
		merged = append(merged, r)
	}

	if q.newestSeen.IsZero() {
		q.newestSeen = now
	}
	if q.oldestSeen.IsZero() {
		q.oldestSeen = now
	}

	goodRanks := 0
	for round := 0; round < fetchRounds && goodRanks < queueSize*2; round++ {
		batch := q.fetchBids(ctx,
			q.filterUntil(q.oldestSeen.Add(windowSlack)))
		if round == 0 {
			batch = append(batch,
				q.fetchBids(ctx, q.filterSince(q.newestSeen.Add(-windowSlack)))...)
		}

		for _, r := range batch {
			bid := r.Bid()
			if !q.targetsThisSpace(bid) {
				continue
			}
			r.SetPenalty(q.penalties.Get(bid.Pubkey()))

			if r.BaseScore() >= goodScoreThreshold {
				goodRanks++
			}
			created := bid.Event.CreatedAt.Time()
			if created.After(q.newestSeen) {
				q.newestSeen = created
			}
			if created.Before(q.oldestSeen) {
				q.oldestSeen = created
			}

			if !slices.ContainsFunc(merged, func(m *RankedAd) bool {
				return m.Bid().AdID == bid.AdID
			}) {
				merged = append(merged, r)
			}
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].BaseScore() > merged[j].BaseScore()
	})
	if len(merged) > queueSize {
		merged = merged[:queueSize]
	}
	q.ranked = merged
}

func (q *RankedQueue) filterUntil(t time.Time) nostr.Filter {
	f := q.adspace.Filter()
	ts := nostr.Timestamp(t.Unix())
	f.Until = &ts
	f.Limit = queueSize
	return f
}

func (q *RankedQueue) filterSince(t time.Time) nostr.Filter {
	f := q.adspace.Filter()
	ts := nostr.Timestamp(t.Unix())
	f.Since = &ts
	f.Limit = queueSize
	return f
}

func (q *RankedQueue) fetchBids(ctx context.Context, filter nostr.Filter) []*RankedAd {
	events, err := q.pool.Fetch(ctx, filter)
	if err != nil {
		q.logger.Warn("candidate fetch failed", log.Error(err))
		return nil
	}
	out := make([]*RankedAd, 0, len(events))
	for _, evt := range events {
		bid, err := protocol.ParseBid(q.taxonomy, evt)
		if err != nil {
			q.logger.Debug("discarding bid", log.String("event", evt.ID), log.Error(err))
			continue
		}
		out = append(out, q.cache.getOrCreate(bid))
	}
	return out
}

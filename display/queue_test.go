// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package display

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/services"
	"github.com/NostrGameEngine/nostrads/transport"
)

type queueFixture struct {
	pool      *transport.MemoryPool
	store     *storage.Storage
	penalties *services.PenaltyStore
	cache     *bidCache
	delegate  *transport.KeySigner
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	f := &queueFixture{
		pool:     transport.NewMemoryPool(),
		store:    storage.NewMemory(),
		cache:    newBidCache(0),
		delegate: transport.NewGeneratedSigner(),
	}
	f.penalties = services.NewPenaltyStore(f.store, log.NoOp())
	t.Cleanup(func() {
		f.pool.Close()
		f.store.Close()
	})
	return f
}

func (f *queueFixture) publishBid(t *testing.T, spec protocol.BidSpec) *protocol.Bid {
	t.Helper()
	advertiser := transport.NewGeneratedSigner()
	if spec.Delegate == "" {
		spec.Delegate = f.delegate.PublicKey()
	}
	bid, err := protocol.BuildBid(context.Background(), advertiser, nil, spec)
	require.NoError(t, err)
	require.NoError(t, f.pool.Publish(context.Background(), bid.Event))
	return bid
}

func squareBidSpec(adID string, msats int64) protocol.BidSpec {
	return protocol.BidSpec{
		AdID:        adID,
		Description: "queue test ad",
		Payload:     "https://cdn.example/ad.png",
		Link:        "https://example.com",
		BidMsats:    msats,
		ActionType:  types.ActionView,
		MimeType:    types.MimeImagePNG,
		Size:        types.SizeSquare250x250,
	}
}

func squareAdspace() *Adspace {
	return &Adspace{
		UID:       "main-square",
		Ratio:     types.Ratio1x1,
		PriceSlot: types.PriceSlotBTC1K,
		AppKey:    "app",
		UserKey:   "user",
	}
}

func (f *queueFixture) queue(space *Adspace) *RankedQueue {
	return newRankedQueue(f.pool, types.NewTaxonomy(), f.penalties, log.NoOp(), f.cache, space)
}

func TestQueueNextReturnsHighestBidder(t *testing.T) {
	f := newQueueFixture(t)
	f.publishBid(t, squareBidSpec("cheap", 1000))
	pricey := f.publishBid(t, squareBidSpec("pricey", 100_000))

	q := f.queue(squareAdspace())
	got := q.Next(context.Background(), 250, 250, nil)
	require.NotNil(t, got)
	require.Equal(t, pricey.AdID, got.Bid().AdID)

	// The winner was soft-deranked on the way out.
	require.NotEmpty(t, got.deranks)
}

func TestQueueNextSkipsFilteredCandidates(t *testing.T) {
	f := newQueueFixture(t)
	cheap := f.publishBid(t, squareBidSpec("cheap", 1000))
	pricey := f.publishBid(t, squareBidSpec("pricey", 100_000))

	q := f.queue(squareAdspace())
	got := q.Next(context.Background(), 250, 250, func(bid *protocol.Bid) (bool, error) {
		return bid.AdID != pricey.AdID, nil
	})
	require.NotNil(t, got)
	require.Equal(t, cheap.AdID, got.Bid().AdID)
}

func TestQueueFilterErrorHardDeranks(t *testing.T) {
	f := newQueueFixture(t)
	f.publishBid(t, squareBidSpec("cheap", 1000))
	pricey := f.publishBid(t, squareBidSpec("pricey", 100_000))

	q := f.queue(squareAdspace())
	var deranked *RankedAd
	got := q.Next(context.Background(), 250, 250, func(bid *protocol.Bid) (bool, error) {
		if bid.AdID == pricey.AdID {
			return false, errors.New("creative failed to load")
		}
		return true, nil
	})
	require.NotNil(t, got)
	require.NotEqual(t, pricey.AdID, got.Bid().AdID)

	for _, r := range q.ranked {
		if r.Bid().AdID == pricey.AdID {
			deranked = r
		}
	}
	require.NotNil(t, deranked)
	require.Less(t, deranked.BaseScore(), 0.001)
}

func TestQueueEnforcesTargetingWhitelists(t *testing.T) {
	f := newQueueFixture(t)
	closed := squareBidSpec("closed", 100_000)
	closed.TargetedApps = []string{"someone-else"}
	f.publishBid(t, closed)
	open := f.publishBid(t, squareBidSpec("open", 1000))

	q := f.queue(squareAdspace())
	got := q.Next(context.Background(), 250, 250, nil)
	require.NotNil(t, got)
	require.Equal(t, open.AdID, got.Bid().AdID)
	require.Len(t, q.ranked, 1)
}

func TestQueueDeduplicatesByAdID(t *testing.T) {
	f := newQueueFixture(t)
	f.publishBid(t, squareBidSpec("same-ad", 1000))
	f.publishBid(t, squareBidSpec("same-ad", 2000))
	f.publishBid(t, squareBidSpec("other-ad", 1000))

	q := f.queue(squareAdspace())
	require.NotNil(t, q.Next(context.Background(), 250, 250, nil))
	require.Len(t, q.ranked, 2)
}

func TestQueueRefreshIntervalThrottles(t *testing.T) {
	f := newQueueFixture(t)
	f.publishBid(t, squareBidSpec("first", 1000))

	q := f.queue(squareAdspace())
	clock := time.Now()
	q.now = func() time.Time { return clock }

	require.NotNil(t, q.Next(context.Background(), 250, 250, nil))
	require.Len(t, q.ranked, 1)

	// A bid arriving between refreshes stays invisible until the next one.
	f.publishBid(t, squareBidSpec("second", 100_000))
	q.Next(context.Background(), 250, 250, nil)
	require.Len(t, q.ranked, 1)

	clock = clock.Add(refreshInterval + time.Second)
	q.Next(context.Background(), 250, 250, nil)
	require.Len(t, q.ranked, 2)
}

func TestQueueAppliesStoredPenalty(t *testing.T) {
	f := newQueueFixture(t)
	bid := f.publishBid(t, squareBidSpec("penalized", 2000))
	f.penalties.Set(bid.Pubkey(), 100)

	q := f.queue(squareAdspace())
	got := q.Next(context.Background(), 250, 250, nil)
	require.NotNil(t, got)
	require.Equal(t, 100, got.penalty)
}

func TestClientAdspaceRegistrationRefCounts(t *testing.T) {
	f := newQueueFixture(t)
	c, err := NewClient(Config{
		Pool:   f.pool,
		Signer: transport.NewGeneratedSigner(),
		Logger: log.NoOp(),
		Store:  f.store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	space := squareAdspace()
	q1 := c.RegisterAdspace(space)
	q2 := c.RegisterAdspace(space)
	require.Same(t, q1, q2)

	c.UnregisterAdspace(space)
	require.Contains(t, c.queues, space.Key())
	c.UnregisterAdspace(space)
	require.NotContains(t, c.queues, space.Key())
}

func TestClientLoadNextAdRequiresRegistration(t *testing.T) {
	f := newQueueFixture(t)
	c, err := NewClient(Config{
		Pool:   f.pool,
		Signer: transport.NewGeneratedSigner(),
		Logger: log.NoOp(),
		Store:  f.store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.LoadNextAd(context.Background(), squareAdspace(), 250, 250, nil, nil, nil)
	require.ErrorIs(t, err, ErrAdspaceNotRegistered)
}

func TestClientLoadNextAdEmptyMarket(t *testing.T) {
	f := newQueueFixture(t)
	c, err := NewClient(Config{
		Pool:   f.pool,
		Signer: transport.NewGeneratedSigner(),
		Logger: log.NoOp(),
		Store:  f.store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	space := squareAdspace()
	c.RegisterAdspace(space)
	_, err = c.LoadNextAd(context.Background(), space, 250, 250, nil, nil, nil)
	require.ErrorIs(t, err, ErrNoAds)
}

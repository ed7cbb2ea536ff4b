// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package display

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NostrGameEngine/nostrads/negotiation"
	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/metric"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/services"
	"github.com/NostrGameEngine/nostrads/transport"
)

var (
	// ErrNoAds is returned when no candidate fits the placement.
	ErrNoAds = errors.New("no ads available")
	// ErrAdspaceNotRegistered is returned when loading from a
	// placement that was never registered.
	ErrAdspaceNotRegistered = errors.New("adspace not registered")
	// ErrAdRejected is returned when the show callback declines the ad.
	ErrAdRejected = errors.New("ad display rejected")
	// ErrNegotiationFailed is returned when the negotiation closes
	// before the ad could be shown.
	ErrNegotiationFailed = errors.New("ad negotiation failed")
)

// ShowCallback presents the creative to the user. Returning false or an
// error declines the ad and bails the negotiation.
type ShowCallback func(ctx context.Context, bid *protocol.Bid, offer *protocol.Offer) (bool, error)

// CompletedCallback fires when a negotiation closes, with whether a
// payout was collected.
type CompletedCallback func(h *negotiation.OffererHandler, offer *protocol.Offer, completed bool, message string)

// InvalidateCallback signals that a shown ad should be cleared from its
// placement.
type InvalidateCallback func(h *negotiation.OffererHandler, offer *protocol.Offer, reason string)

// Config configures a display Client.
type Config struct {
	Pool     transport.Pool
	Signer   transport.Signer
	Logger   log.Logger
	Metrics  *metric.Metrics
	Taxonomy *types.Taxonomy
	Store    *storage.Storage

	MaxDifficulty     int
	AcceptanceTimeout time.Duration
	SweepInterval     time.Duration

	// PenaltyIncrease is added to an advertiser's stored penalty when
	// it bails after our payment request. Default 1.
	PenaltyIncrease int
	// CacheSize bounds the shared candidate cache.
	CacheSize int

	// OnInvalidate fires when a shown ad must be cleared.
	OnInvalidate InvalidateCallback
}

// Client is the display (offerer) side of the exchange: it runs the
// ranked auction over candidate bids, shows the winner and collects the
// payout.
type Client struct {
	*services.Service

	penalties       *services.PenaltyStore
	cache           *bidCache
	penaltyIncrease int
	onInvalidate    InvalidateCallback

	mu     sync.Mutex
	queues map[string]*RankedQueue
}

// NewClient creates a display client. Start must be called before ads
// can be loaded.
func NewClient(cfg Config) (*Client, error) {
	base, err := services.NewService(services.Config{
		Pool:              cfg.Pool,
		Signer:            cfg.Signer,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		Taxonomy:          cfg.Taxonomy,
		MaxDifficulty:     cfg.MaxDifficulty,
		AcceptanceTimeout: cfg.AcceptanceTimeout,
		SweepInterval:     cfg.SweepInterval,
		ForcedCloseReason: protocol.BailActionIncomplete,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		Service:         base,
		penalties:       services.NewPenaltyStore(cfg.Store, base.Logger()),
		cache:           newBidCache(cfg.CacheSize),
		penaltyIncrease: cfg.PenaltyIncrease,
		onInvalidate:    cfg.OnInvalidate,
		queues:          make(map[string]*RankedQueue),
	}
	if c.penaltyIncrease <= 0 {
		c.penaltyIncrease = 1
	}
	return c, nil
}

// RegisterAdspace registers a placement. Equal placements share one
// queue, reference counted.
func (c *Client) RegisterAdspace(adspace *Adspace) *RankedQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := adspace.Key()
	if q, ok := c.queues[key]; ok {
		q.refs.Add(1)
		return q
	}
	q := newRankedQueue(c.Pool(), c.Taxonomy(), c.penalties, c.Logger(), c.cache, adspace)
	c.queues[key] = q
	return q
}

// UnregisterAdspace drops one reference to the placement's queue,
// removing the queue when none remain.
func (c *Client) UnregisterAdspace(adspace *Adspace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := adspace.Key()
	q, ok := c.queues[key]
	if !ok {
		return
	}
	if q.refs.Add(-1) <= 0 {
		delete(c.queues, key)
	}
}

// LoadNextAd selects the best candidate for the placement, negotiates it
// and shows it through showCallback. It blocks until the ad has been
// shown (returning the bid) or the negotiation failed.
func (c *Client) LoadNextAd(
	ctx context.Context,
	adspace *Adspace,
	width, height int,
	filter CandidateFilter,
	showCallback ShowCallback,
	completedCallback CompletedCallback,
) (*protocol.Bid, error) {
	c.mu.Lock()
	queue, ok := c.queues[adspace.Key()]
	c.mu.Unlock()
	if !ok {
		return nil, ErrAdspaceNotRegistered
	}

	candidate := queue.Next(ctx, width, height, filter)
	if candidate == nil {
		return nil, ErrNoAds
	}
	bid := candidate.Bid()

	l := &offerListener{
		client:    c,
		ctx:       ctx,
		candidate: candidate,
		show:      showCallback,
		completed: completedCallback,
		result:    make(chan loadResult, 1),
	}

	h, err := c.OpenNegotiation(ctx, adspace.AppKey, bid, l)
	if err != nil {
		candidate.Derank(true)
		return nil, err
	}
	if _, err := h.MakeOffer(ctx); err != nil {
		candidate.Derank(true)
		c.Bail(ctx, &h.Handler, protocol.BailUnknown)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-l.result:
		return res.bid, res.err
	}
}

// OpenNegotiation creates and registers an offerer negotiation over the
// bid, seeded with the advertiser's stored penalty. MakeOffer must be
// called to actually publish the offer; LoadNextAd does all of this.
func (c *Client) OpenNegotiation(ctx context.Context, appKey string, bid *protocol.Bid, listener negotiation.OffererListener) (*negotiation.OffererHandler, error) {
	h := negotiation.NewOffererHandler(c.Pool(), c.Signer(), c.Logger(), bid,
		appKey, c.MaxDifficulty())
	h.SetCounterpartyPenalty(c.penalties.Get(bid.Pubkey()))
	if listener != nil {
		h.AddListener(listener)
	}
	c.Register(&h.Handler)
	return h, nil
}

type loadResult struct {
	bid *protocol.Bid
	err error
}

// offerListener drives one LoadNextAd call through the negotiation
// callbacks, resolving the pending result exactly once.
type offerListener struct {
	client    *Client
	ctx       context.Context
	candidate *RankedAd
	show      ShowCallback
	completed CompletedCallback
	result    chan loadResult

	requestedPayment atomic.Bool
	resolveOnce      sync.Once
}

func (l *offerListener) resolve(bid *protocol.Bid, err error) {
	l.resolveOnce.Do(func() {
		l.result <- loadResult{bid: bid, err: err}
	})
}

func (l *offerListener) ShowAd(h *negotiation.OffererHandler, accept *protocol.AcceptOffer, shown func(string)) {
	h.MarkAccepted()
	ok, err := l.show(l.ctx, h.Bid(), h.Offer())
	if err != nil || !ok {
		if err == nil {
			err = ErrAdRejected
		}
		l.client.Bail(l.ctx, &h.Handler, protocol.BailActionIncomplete)
		l.resolve(nil, err)
		return
	}
	l.resolve(h.Bid(), nil)
	shown("Ad shown successfully")
}

func (l *offerListener) OnRequestingPayment(h *negotiation.OffererHandler) {
	l.requestedPayment.Store(true)
}

func (l *offerListener) VerifyPayout(h *negotiation.OffererHandler, payout *protocol.Payout) {
	// Payouts are taken at face value for now; the preimage is kept in
	// the payout event for out-of-band audit.
	h.MarkCompleted()
	l.persistPenalty(h)
}

func (l *offerListener) OnBail(hh *negotiation.Handler, bail *protocol.Bail, initiatedByCounterparty bool) {
	if !initiatedByCounterparty {
		return
	}
	if l.requestedPayment.Load() {
		// Bailing after we asked for payment means the ad was shown
		// and never paid for.
		hh.PunishCounterparty(l.client.penaltyIncrease)
	}
	l.persistPenaltyHandler(hh)
}

func (l *offerListener) OnClose(hh *negotiation.Handler, offer *protocol.Offer) {
	if offer == nil {
		l.resolve(nil, ErrNegotiationFailed)
		return
	}
	h := offererHandlerOf(hh)
	completed := hh.Completed()
	if l.completed != nil && h != nil {
		msg := "Negotiation closed without payment"
		if completed {
			msg = "Negotiation closed successfully"
		}
		l.completed(h, offer, completed, msg)
	}
	if !completed {
		l.candidate.Derank(true)
		if l.client.onInvalidate != nil && h != nil {
			l.client.onInvalidate(h, offer, "negotiation closed")
		}
		l.resolve(nil, ErrNegotiationFailed)
	}
}

func (l *offerListener) persistPenalty(h *negotiation.OffererHandler) {
	l.persistPenaltyHandler(&h.Handler)
}

func (l *offerListener) persistPenaltyHandler(hh *negotiation.Handler) {
	l.client.penalties.Set(hh.Bid().Pubkey(), hh.CounterpartyPenalty())
}

// offererHandlerOf recovers the offerer wrapper from the embedded
// handler passed to shared Listener callbacks.
func offererHandlerOf(hh *negotiation.Handler) *negotiation.OffererHandler {
	if o, ok := hh.Role().(*negotiation.OffererHandler); ok {
		return o
	}
	return nil
}

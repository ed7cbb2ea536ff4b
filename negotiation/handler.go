// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package negotiation drives the per-impression negotiation state machine
// between an offerer and a bid's delegate.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/transport"
)

var (
	// ErrPowUnmet means a message arrived without the proof of work we
	// demanded from the counterparty.
	ErrPowUnmet = errors.New("proof of work below demanded difficulty")
	// ErrDifficultyTooHigh means the counterparty demanded more work
	// than this side is willing to mine.
	ErrDifficultyTooHigh = errors.New("demanded difficulty above ceiling")
	// ErrSelfNegotiation means a party tried to negotiate its own bid.
	ErrSelfNegotiation = errors.New("cannot negotiate own bid")
	// ErrNotDelegate means the signer is not the bid's delegate.
	ErrNotDelegate = errors.New("signer is not the bid delegate")
)

// Listener observes negotiation lifecycle transitions. Callbacks fire on
// the handler's dispatch goroutine and must not block.
type Listener interface {
	// OnBail fires once when the negotiation is bailed, by either side.
	OnBail(h *Handler, bail *protocol.Bail, initiatedByCounterparty bool)
	// OnClose fires exactly once when the negotiation is torn down.
	OnClose(h *Handler, offer *protocol.Offer)
}

// roleMessage dispatch lets OffererHandler and DelegateHandler extend the
// shared state machine.
type roleHandler interface {
	handleMessage(ctx context.Context, msg protocol.NegotiationMessage) error
}

// Handler holds the state shared by both sides of a negotiation: the bid,
// the offer once opened, PoW penalties and lifecycle flags.
type Handler struct {
	pool      transport.Pool
	signer    transport.Signer
	logger    log.Logger
	bid       *protocol.Bid
	maxDiff   int
	createdAt time.Time
	role      roleHandler

	mu                  sync.Mutex
	listeners           []Listener
	offer               *protocol.Offer
	counterpartyPenalty int
	localPenalty        int

	accepted  atomic.Bool
	completed atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newHandler(pool transport.Pool, signer transport.Signer, logger log.Logger, bid *protocol.Bid, maxDiff int) Handler {
	if logger == nil {
		logger = log.NoOp()
	}
	return Handler{
		pool:      pool,
		signer:    signer,
		logger:    logger,
		bid:       bid,
		maxDiff:   maxDiff,
		createdAt: time.Now(),
	}
}

// Bid returns the bid under negotiation.
func (h *Handler) Bid() *protocol.Bid { return h.bid }

// Signer returns the identity driving this side of the negotiation.
func (h *Handler) Signer() transport.Signer { return h.signer }

// CreatedAt returns when the handler was created, the reference point for
// hold-time and acceptance timeouts.
func (h *Handler) CreatedAt() time.Time { return h.createdAt }

// MaxDifficulty returns the PoW ceiling above which counterparty demands
// are refused.
func (h *Handler) MaxDifficulty() int { return h.maxDiff }

// Role returns the side-specific wrapper (an *OffererHandler or
// *DelegateHandler) the shared callbacks can type-assert on.
func (h *Handler) Role() any { return h.role }

// Offer returns the offer the negotiation runs under, nil before Open.
func (h *Handler) Offer() *protocol.Offer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offer
}

// Open binds the handler to an offer. Subsequent opens are ignored.
func (h *Handler) Open(offer *protocol.Offer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offer != nil {
		return
	}
	h.offer = offer
	h.bid.BindOffer(offer.Raw().ID)
}

// AddListener subscribes a lifecycle listener.
func (h *Handler) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// RemoveListener unsubscribes a lifecycle listener.
func (h *Handler) RemoveListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cur := range h.listeners {
		if cur == l {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			return
		}
	}
}

func (h *Handler) listenerSnapshot() []Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Listener, len(h.listeners))
	copy(out, h.listeners)
	return out
}

// Accepted reports whether the delegate accepted the offer.
func (h *Handler) Accepted() bool { return h.accepted.Load() }

// MarkAccepted records that the offer was accepted.
func (h *Handler) MarkAccepted() { h.accepted.Store(true) }

// Completed reports whether the negotiation reached payout.
func (h *Handler) Completed() bool { return h.completed.Load() }

// MarkCompleted records that the negotiation reached payout.
func (h *Handler) MarkCompleted() { h.completed.Store(true) }

// Closed reports whether the negotiation was torn down.
func (h *Handler) Closed() bool { return h.closed.Load() }

// CounterpartyPenalty returns the PoW difficulty currently demanded from
// the counterparty.
func (h *Handler) CounterpartyPenalty() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counterpartyPenalty
}

// SetCounterpartyPenalty seeds the difficulty demanded from the
// counterparty, typically from the persisted penalty list.
func (h *Handler) SetCounterpartyPenalty(penalty int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counterpartyPenalty = penalty
}

// LocalPenalty returns the difficulty the counterparty demands from us.
func (h *Handler) LocalPenalty() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localPenalty
}

func (h *Handler) setLocalPenalty(penalty int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.localPenalty = penalty
}

// PunishCounterparty raises the demanded difficulty by delta, clamped to
// the ceiling, and returns the new value.
func (h *Handler) PunishCounterparty(delta int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counterpartyPenalty += delta
	if h.counterpartyPenalty > h.maxDiff {
		h.counterpartyPenalty = h.maxDiff
	}
	return h.counterpartyPenalty
}

// Close tears the negotiation down. It is idempotent: listeners observe
// exactly one OnClose.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		offer := h.Offer()
		for _, l := range h.listenerSnapshot() {
			l.OnClose(h, offer)
		}
	})
}

// Bail walks away from the negotiation. After completion it only closes;
// before an offer exists there is nothing to announce. Otherwise it
// publishes a bail with the reason, notifies listeners and closes.
func (h *Handler) Bail(ctx context.Context, reason protocol.BailReason) error {
	if h.Completed() {
		h.Close()
		return nil
	}
	offer := h.Offer()
	if offer == nil {
		h.Close()
		return nil
	}

	bail, err := protocol.BuildBail(ctx, h.signer, offer, reason)
	var publishErr error
	if err != nil {
		publishErr = err
	} else if publishErr = h.pool.Publish(ctx, bail.Raw()); publishErr != nil {
		h.logger.Warn("bail publish failed",
			log.String("offer", offer.Raw().ID),
			log.Error(publishErr))
	}
	if bail != nil {
		for _, l := range h.listenerSnapshot() {
			l.OnBail(h, bail, false)
		}
	}
	h.Close()
	return publishErr
}

// Handle processes an incoming negotiation event addressed to this
// negotiation. Malformed or expired events are discarded silently;
// protocol violations (missing PoW, excessive difficulty demands) are
// returned to the caller, which must translate them into a bail.
func (h *Handler) Handle(ctx context.Context, evt *nostr.Event) error {
	if h.Closed() {
		return nil
	}

	msg, err := protocol.DecodeMessage(ctx, h.signer, evt, h.Offer())
	if err != nil {
		h.logger.Debug("discarding negotiation event",
			log.String("event", evt.ID),
			log.Error(err))
		return nil
	}

	// The opening offer can be re-delivered by relays; it carries no
	// state transition.
	if _, ok := msg.(*protocol.Offer); ok {
		return nil
	}

	if pm, ok := msg.(protocol.PowMessage); ok {
		if demanded := h.CounterpartyPenalty(); demanded > 0 {
			if got := nip13.CommittedDifficulty(evt); got < demanded {
				return fmt.Errorf("%w: event %s committed %d, demanded %d",
					ErrPowUnmet, evt.ID, nip13.CommittedDifficulty(evt), demanded)
			}
		}
		// The counterparty served its sentence.
		h.SetCounterpartyPenalty(0)

		if d := pm.RequestedDifficulty(); d > h.LocalPenalty() {
			if d > h.maxDiff {
				return fmt.Errorf("%w: %d > %d", ErrDifficultyTooHigh, d, h.maxDiff)
			}
			h.setLocalPenalty(d)
		}
	}

	if bail, ok := msg.(*protocol.Bail); ok {
		h.logger.Info("negotiation bailed by counterparty",
			log.String("bid", h.bid.ID()),
			log.String("reason", string(bail.Reason)))
		for _, l := range h.listenerSnapshot() {
			l.OnBail(h, bail, true)
		}
		h.Close()
		return nil
	}

	return h.role.handleMessage(ctx, msg)
}

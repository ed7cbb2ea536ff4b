// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package negotiation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/transport"
	"github.com/NostrGameEngine/nostrads/wallet"
)

// NotifyPayout publishes the payout proof for a settled invoice. Only the
// first invocation publishes; later ones are ignored.
type NotifyPayout func(ctx context.Context, message, preimage string) error

// DelegateListener extends Listener with the delegate-side callback.
type DelegateListener interface {
	Listener
	// OnPaymentRequest fires once per negotiation with the invoice to
	// settle. The implementation pays it, then calls notify.
	OnPaymentRequest(h *DelegateHandler, req *protocol.PaymentRequest, invoice string, notify NotifyPayout)
}

// DelegateHandler is the delegate side of a negotiation: it accepts the
// offer and settles exactly one payment per negotiation.
type DelegateHandler struct {
	Handler
	endpoint wallet.PayEndpoint
	paid     atomic.Bool
}

// NewDelegateHandler creates the delegate side over a bid. endpoint is
// the offerer app's resolved payment endpoint.
func NewDelegateHandler(
	pool transport.Pool,
	signer transport.Signer,
	logger log.Logger,
	bid *protocol.Bid,
	endpoint wallet.PayEndpoint,
	maxDiff int,
) *DelegateHandler {
	h := &DelegateHandler{
		Handler:  newHandler(pool, signer, logger, bid, maxDiff),
		endpoint: endpoint,
	}
	h.role = h
	return h
}

// AcceptOffer opens the negotiation and publishes the acceptance, mining
// the difficulty the offerer demanded and demanding the offerer's current
// penalty in return. Accepting one's own offer, or an offer on a bid we
// do not delegate for, is refused.
func (h *DelegateHandler) AcceptOffer(ctx context.Context, offer *protocol.Offer) error {
	if offer.Raw().PubKey == h.signer.PublicKey() {
		return ErrSelfNegotiation
	}
	if h.bid.Delegate != h.signer.PublicKey() {
		return ErrNotDelegate
	}

	h.Open(offer)
	accept, err := protocol.BuildAcceptOffer(ctx, h.signer, offer,
		h.CounterpartyPenalty(), h.LocalPenalty(), time.Now().Add(h.bid.HoldTime))
	if err != nil {
		return err
	}
	return h.pool.Publish(ctx, accept.Raw())
}

func (h *DelegateHandler) handleMessage(ctx context.Context, msg protocol.NegotiationMessage) error {
	req, ok := msg.(*protocol.PaymentRequest)
	if !ok {
		h.logger.Debug("ignoring unexpected negotiation message",
			log.String("event", msg.Raw().ID))
		return nil
	}

	// One payment per negotiation, whatever relays re-deliver.
	if h.paid.Swap(true) {
		h.logger.Debug("duplicate payment request ignored",
			log.String("event", req.Raw().ID))
		return nil
	}

	invoice, err := h.endpoint.FetchInvoice(ctx, h.bid.BidMsats, "Payment for "+h.bid.ID())
	if err != nil {
		h.logger.Warn("invoice fetch failed",
			log.String("bid", h.bid.ID()),
			log.Error(err))
		return h.Bail(ctx, protocol.BailFailedPayment)
	}

	var once sync.Once
	notify := NotifyPayout(func(ctx context.Context, message, preimage string) error {
		var err error
		once.Do(func() {
			err = h.notifyPayout(ctx, message, preimage)
		})
		return err
	})
	for _, l := range h.listenerSnapshot() {
		if dl, ok := l.(DelegateListener); ok {
			dl.OnPaymentRequest(h, req, invoice, notify)
		}
	}
	return nil
}

func (h *DelegateHandler) notifyPayout(ctx context.Context, message, preimage string) error {
	offer := h.Offer()
	if offer == nil {
		return nil
	}
	payout, err := protocol.BuildPayout(ctx, h.signer, offer, message, preimage,
		time.Now().Add(h.bid.HoldTime))
	if err != nil {
		return err
	}
	return h.pool.Publish(ctx, payout.Raw())
}

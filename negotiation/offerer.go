// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/transport"
)

// OffererListener extends Listener with the offerer-side callbacks.
type OffererListener interface {
	Listener
	// ShowAd presents the creative. Call shown with a receipt message
	// exactly when the paid action completed; extra calls are ignored.
	ShowAd(h *OffererHandler, accept *protocol.AcceptOffer, shown func(message string))
	// OnRequestingPayment fires right before the payment request is
	// published.
	OnRequestingPayment(h *OffererHandler)
	// VerifyPayout fires when the delegate publishes its payout proof.
	VerifyPayout(h *OffererHandler, payout *protocol.Payout)
}

// OffererHandler is the offerer (ad-displaying) side of a negotiation: it
// makes the offer, shows the ad on acceptance, requests payment and
// verifies the payout.
type OffererHandler struct {
	Handler
	appPubkey string
}

// NewOffererHandler creates the offerer side over a bid. appPubkey
// identifies the app embedding the adspace.
func NewOffererHandler(
	pool transport.Pool,
	signer transport.Signer,
	logger log.Logger,
	bid *protocol.Bid,
	appPubkey string,
	maxDiff int,
) *OffererHandler {
	h := &OffererHandler{
		Handler:   newHandler(pool, signer, logger, bid, maxDiff),
		appPubkey: appPubkey,
	}
	h.role = h
	return h
}

// AppPubkey returns the app identity the offer is made under.
func (h *OffererHandler) AppPubkey() string { return h.appPubkey }

// MakeOffer opens the negotiation and publishes the offer, demanding the
// counterparty's current PoW penalty on the response. Offering on one's
// own bid is refused.
func (h *OffererHandler) MakeOffer(ctx context.Context) (*protocol.Offer, error) {
	if h.signer.PublicKey() == h.bid.Pubkey() {
		return nil, ErrSelfNegotiation
	}

	offer, err := protocol.BuildOffer(ctx, h.signer, h.bid, h.appPubkey,
		h.CounterpartyPenalty(), time.Now().Add(h.bid.HoldTime))
	if err != nil {
		return nil, err
	}
	h.Open(offer)
	if h.Closed() {
		return offer, nil
	}
	if err := h.pool.Publish(ctx, offer.Raw()); err != nil {
		return nil, err
	}
	return offer, nil
}

func (h *OffererHandler) handleMessage(ctx context.Context, msg protocol.NegotiationMessage) error {
	switch m := msg.(type) {
	case *protocol.AcceptOffer:
		// The continuation may fire long after this dispatch returns,
		// once the user actually saw the ad.
		contCtx := context.WithoutCancel(ctx)
		var once sync.Once
		shown := func(message string) {
			once.Do(func() {
				h.requestPayment(contCtx, message)
			})
		}
		for _, l := range h.listenerSnapshot() {
			if ol, ok := l.(OffererListener); ok {
				ol.ShowAd(h, m, shown)
			}
		}
	case *protocol.Payout:
		for _, l := range h.listenerSnapshot() {
			if ol, ok := l.(OffererListener); ok {
				ol.VerifyPayout(h, m)
			}
		}
	default:
		h.logger.Debug("ignoring unexpected negotiation message",
			log.String("event", msg.Raw().ID))
	}
	return nil
}

func (h *OffererHandler) requestPayment(ctx context.Context, message string) {
	offer := h.Offer()
	if offer == nil || h.Closed() {
		return
	}
	for _, l := range h.listenerSnapshot() {
		if ol, ok := l.(OffererListener); ok {
			ol.OnRequestingPayment(h)
		}
	}

	req, err := protocol.BuildPaymentRequest(ctx, h.signer, offer, message,
		h.CounterpartyPenalty(), h.LocalPenalty(), time.Now().Add(h.bid.HoldTime))
	if err != nil {
		h.logger.Error("payment request build failed",
			log.String("offer", offer.Raw().ID),
			log.Error(err))
		return
	}
	if err := h.pool.Publish(ctx, req.Raw()); err != nil {
		h.logger.Error("payment request publish failed",
			log.String("offer", offer.Raw().ID),
			log.Error(err))
	}
}

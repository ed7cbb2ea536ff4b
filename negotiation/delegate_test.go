// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
)

// fakeEndpoint counts invoice fetches and can be made to fail.
type fakeEndpoint struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEndpoint) FetchInvoice(ctx context.Context, amountMsats int64, comment string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "lnbc20n1fakeinvoice", nil
}

type delegateListener struct {
	recordingListener
	mu       sync.Mutex
	invoices []string
	notify   NotifyPayout
}

func (d *delegateListener) OnPaymentRequest(h *DelegateHandler, req *protocol.PaymentRequest, invoice string, notify NotifyPayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invoices = append(d.invoices, invoice)
	d.notify = notify
}

func TestDelegateAcceptOfferGuards(t *testing.T) {
	ctx := context.Background()
	p := newTestParties(t)

	oh := NewOffererHandler(p.pool, p.offerer, log.NoOp(), p.bid, "app", testMaxDiff)
	offer, err := oh.MakeOffer(ctx)
	require.NoError(t, err)

	// Accepting one's own offer.
	self := NewDelegateHandler(p.pool, p.offerer, log.NoOp(), p.bid, &fakeEndpoint{}, testMaxDiff)
	require.ErrorIs(t, self.AcceptOffer(ctx, offer), ErrSelfNegotiation)

	// Accepting with a signer the bid does not delegate to.
	stranger := NewDelegateHandler(p.pool, p.advertiser, log.NoOp(), p.bid, &fakeEndpoint{}, testMaxDiff)
	require.ErrorIs(t, stranger.AcceptOffer(ctx, offer), ErrNotDelegate)
}

func TestDelegatePaysOncePerNegotiation(t *testing.T) {
	ctx := context.Background()
	p := newTestParties(t)
	endpoint := &fakeEndpoint{}
	l := &delegateListener{}

	oh := NewOffererHandler(p.pool, p.offerer, log.NoOp(), p.bid, "app", testMaxDiff)
	offer, err := oh.MakeOffer(ctx)
	require.NoError(t, err)

	dh := NewDelegateHandler(p.pool, p.delegate, log.NoOp(), p.bid, endpoint, testMaxDiff)
	dh.AddListener(l)
	require.NoError(t, dh.AcceptOffer(ctx, offer))

	expire := time.Now().Add(time.Minute)
	first, err := protocol.BuildPaymentRequest(ctx, p.offerer, offer, "shown", 0, 0, expire)
	require.NoError(t, err)
	second, err := protocol.BuildPaymentRequest(ctx, p.offerer, offer, "shown again", 0, 0, expire)
	require.NoError(t, err)

	require.NoError(t, dh.Handle(ctx, first.Raw()))
	require.NoError(t, dh.Handle(ctx, second.Raw()))

	require.Equal(t, int32(1), endpoint.calls.Load())
	require.Equal(t, []string{"lnbc20n1fakeinvoice"}, l.invoices)

	// The payout publishes once however often notify is called.
	require.NoError(t, l.notify(ctx, "paid", "deadbeef"))
	require.NoError(t, l.notify(ctx, "paid", "deadbeef"))

	var payouts int
	for _, evt := range eventsOfKind(p.pool, protocol.KindNegotiation) {
		if evt.PubKey == p.delegate.PublicKey() {
			msg, err := protocol.DecodeMessage(ctx, p.offerer, evt, offer)
			require.NoError(t, err)
			if po, ok := msg.(*protocol.Payout); ok {
				payouts++
				require.Equal(t, "deadbeef", po.Preimage)
			}
		}
	}
	require.Equal(t, 1, payouts)
}

func TestDelegateBailsWhenInvoiceFetchFails(t *testing.T) {
	ctx := context.Background()
	p := newTestParties(t)
	endpoint := &fakeEndpoint{err: errors.New("endpoint down")}
	l := &delegateListener{}

	oh := NewOffererHandler(p.pool, p.offerer, log.NoOp(), p.bid, "app", testMaxDiff)
	offer, err := oh.MakeOffer(ctx)
	require.NoError(t, err)

	dh := NewDelegateHandler(p.pool, p.delegate, log.NoOp(), p.bid, endpoint, testMaxDiff)
	dh.AddListener(l)
	require.NoError(t, dh.AcceptOffer(ctx, offer))

	req, err := protocol.BuildPaymentRequest(ctx, p.offerer, offer, "shown", 0, 0,
		time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, dh.Handle(ctx, req.Raw()))

	require.True(t, dh.Closed())
	require.Empty(t, l.invoices)

	var bailed bool
	for _, evt := range eventsOfKind(p.pool, protocol.KindNegotiation) {
		if evt.PubKey != p.delegate.PublicKey() {
			continue
		}
		msg, err := protocol.DecodeMessage(ctx, p.offerer, evt, offer)
		require.NoError(t, err)
		if b, ok := msg.(*protocol.Bail); ok {
			bailed = true
			require.Equal(t, protocol.BailFailedPayment, b.Reason)
		}
	}
	require.True(t, bailed)
}

func TestOffererVerifiesPayout(t *testing.T) {
	ctx := context.Background()
	p := newTestParties(t)
	l := &recordingListener{}

	oh := NewOffererHandler(p.pool, p.offerer, log.NoOp(), p.bid, "app", testMaxDiff)
	oh.AddListener(l)
	offer, err := oh.MakeOffer(ctx)
	require.NoError(t, err)

	payout, err := protocol.BuildPayout(ctx, p.delegate, offer, "done", "cafebabe",
		time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, oh.Handle(ctx, payout.Raw()))
	require.Equal(t, 1, l.payouts)
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package delegate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"

	"github.com/NostrGameEngine/nostrads/negotiation"
	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/transport"
	"github.com/NostrGameEngine/nostrads/wallet"
)

const (
	testKindNWCRequest  = 23194
	testKindNWCResponse = 23195
)

// fakeNWCService is an in-process NIP-47 wallet service: it answers
// pay_invoice requests on the shared pool with a fixed preimage.
type fakeNWCService struct {
	pubkey   string
	payments atomic.Int32
}

func startFakeNWCService(t *testing.T, pool *transport.MemoryPool) *fakeNWCService {
	t.Helper()
	secret := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	svc := &fakeNWCService{pubkey: pubkey}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := pool.Subscribe(ctx, nostr.Filter{
		Kinds: []int{testKindNWCRequest},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
	})
	require.NoError(t, err)

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				shared, err := nip04.ComputeSharedSecret(evt.PubKey, secret)
				if err != nil {
					continue
				}
				svc.payments.Add(1)
				body := `{"result_type":"pay_invoice","result":{"preimage":"feedface","fees_paid":1}}`
				ciphertext, err := nip04.Encrypt(body, shared)
				if err != nil {
					continue
				}
				resp := &nostr.Event{
					Kind:      testKindNWCResponse,
					CreatedAt: nostr.Now(),
					Content:   ciphertext,
					Tags:      nostr.Tags{{"p", evt.PubKey}, {"e", evt.ID}},
				}
				if err := resp.Sign(secret); err != nil {
					continue
				}
				_ = pool.Publish(ctx, resp)
			}
		}
	}()
	return svc
}

func (s *fakeNWCService) uri() string {
	return fmt.Sprintf("nostr+walletconnect://%s?relay=wss://relay.test&secret=%s",
		s.pubkey, nostr.GeneratePrivateKey())
}

// fakeAppEndpoint stands in for the app's LNURL-pay service.
type fakeAppEndpoint struct {
	invoices atomic.Int32
}

func (f *fakeAppEndpoint) FetchInvoice(ctx context.Context, amountMsats int64, comment string) (string, error) {
	f.invoices.Add(1)
	return "lnbc20n1appinvoice", nil
}

// offererSide drives the display half of a negotiation by hand: it shows
// the ad immediately and records the payout.
type offererSide struct {
	handler *negotiation.OffererHandler

	mu       sync.Mutex
	payouts  []string
	bails    []protocol.BailReason
	rejected bool
}

func (o *offererSide) OnBail(h *negotiation.Handler, bail *protocol.Bail, byCounterparty bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bails = append(o.bails, bail.Reason)
}

func (o *offererSide) OnClose(h *negotiation.Handler, offer *protocol.Offer) {}

func (o *offererSide) ShowAd(h *negotiation.OffererHandler, accept *protocol.AcceptOffer, shown func(string)) {
	h.MarkAccepted()
	if o.rejected {
		return
	}
	shown("ad shown")
}

func (o *offererSide) OnRequestingPayment(h *negotiation.OffererHandler) {}

func (o *offererSide) VerifyPayout(h *negotiation.OffererHandler, payout *protocol.Payout) {
	h.MarkCompleted()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payouts = append(o.payouts, payout.Preimage)
}

func (o *offererSide) snapshot() (payouts []string, bails []protocol.BailReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.payouts...), append([]protocol.BailReason(nil), o.bails...)
}

type delegateFixture struct {
	pool       *transport.MemoryPool
	store      *storage.Storage
	advertiser *transport.KeySigner
	delegate   *transport.KeySigner
	offerer    *transport.KeySigner
	nwc        *fakeNWCService
	app        *fakeAppEndpoint
	service    *Service
}

func newDelegateFixture(t *testing.T, cfg Config) *delegateFixture {
	t.Helper()
	f := &delegateFixture{
		pool:       transport.NewMemoryPool(),
		store:      storage.NewMemory(),
		advertiser: transport.NewGeneratedSigner(),
		delegate:   transport.NewGeneratedSigner(),
		offerer:    transport.NewGeneratedSigner(),
		app:        &fakeAppEndpoint{},
	}
	f.nwc = startFakeNWCService(t, f.pool)

	cfg.Pool = f.pool
	cfg.Signer = f.delegate
	cfg.Logger = log.NoOp()
	cfg.Store = f.store
	cfg.WalletDialer = func(ctx context.Context, relays []string) (transport.Pool, error) {
		return f.pool, nil
	}
	if cfg.MetadataResolver == nil {
		cfg.MetadataResolver = func(ctx context.Context, appPubkey string) (wallet.PayEndpoint, error) {
			return f.app, nil
		}
	}

	svc, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, svc.Listen(context.Background(), time.Now().Add(-time.Minute)))
	f.service = svc
	t.Cleanup(func() {
		_ = svc.Close()
		f.pool.Close()
		f.store.Close()
	})
	return f
}

func (f *delegateFixture) publishBid(t *testing.T, msats, maxPayouts, dailyBudget int64) *protocol.Bid {
	t.Helper()
	bid, err := protocol.BuildBid(context.Background(), f.advertiser, nil, protocol.BidSpec{
		Description: "e2e test ad",
		Payload:     "https://cdn.example/ad.png",
		Link:        "https://example.com",
		BidMsats:    msats,
		MaxPayouts:  maxPayouts,
		ActionType:  types.ActionView,
		MimeType:    types.MimeImagePNG,
		Size:        types.SizeSquare250x250,
		Delegate:    f.delegate.PublicKey(),
		DelegatePayload: &protocol.DelegatePayload{
			NWC:              f.nwc.uri(),
			DailyBudgetMsats: dailyBudget,
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.pool.Publish(context.Background(), bid.Event))

	require.Eventually(t, func() bool {
		_, ok := f.service.bindings.Load(bid.ID())
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	return bid
}

// negotiate runs the offerer side over the shared pool until the handler
// closes or the timeout passes.
func (f *delegateFixture) negotiate(t *testing.T, bid *protocol.Bid) *offererSide {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	side := &offererSide{}
	h := negotiation.NewOffererHandler(f.pool, f.offerer, log.NoOp(), bid, "app",
		f.service.MaxDifficulty())
	side.handler = h
	h.AddListener(side)

	sub, err := f.pool.Subscribe(ctx, protocol.NegotiationFilter(f.offerer.PublicKey()))
	require.NoError(t, err)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				_ = h.Handle(ctx, evt)
			}
		}
	}()

	_, err = h.MakeOffer(ctx)
	require.NoError(t, err)
	return side
}

func TestDelegateSettlesNegotiationEndToEnd(t *testing.T) {
	f := newDelegateFixture(t, Config{})
	bid := f.publishBid(t, 2000, 3, 100)

	side := f.negotiate(t, bid)

	require.Eventually(t, func() bool {
		payouts, _ := side.snapshot()
		return len(payouts) == 1
	}, 5*time.Second, 20*time.Millisecond)

	payouts, bails := side.snapshot()
	require.Equal(t, []string{"feedface"}, payouts)
	require.Empty(t, bails)
	require.Equal(t, int32(1), f.nwc.payments.Load())
	require.Equal(t, int32(1), f.app.invoices.Load())
	require.EqualValues(t, 1, f.service.Tracker().Value(bid.ID(), "payouts"))
	require.EqualValues(t, 1, f.service.Tracker().Value(bid.ID(), "budget"))
}

func TestDelegateEnforcesPayoutCap(t *testing.T) {
	f := newDelegateFixture(t, Config{})
	bid := f.publishBid(t, 2000, 1, 100)

	// Exhaust the single allowed payout up front.
	f.service.Tracker().Increment(bid.ID(), "payouts", bid.PayoutResetInterval, bid.MaxPayouts)

	side := f.negotiate(t, bid)

	require.Eventually(t, func() bool {
		_, bails := side.snapshot()
		return len(bails) == 1
	}, 5*time.Second, 20*time.Millisecond)

	payouts, bails := side.snapshot()
	require.Empty(t, payouts)
	require.Equal(t, []protocol.BailReason{protocol.BailPayoutLimit}, bails)
	require.Zero(t, f.nwc.payments.Load())
}

func TestDelegateEnforcesDailyBudget(t *testing.T) {
	f := newDelegateFixture(t, Config{})
	bid := f.publishBid(t, 2000, 10, 1)

	// One unit of budget is already spent; the next payment must bail.
	f.service.Tracker().Increment(bid.ID(), "budget", budgetResetInterval, 1)

	side := f.negotiate(t, bid)

	require.Eventually(t, func() bool {
		_, bails := side.snapshot()
		return len(bails) == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, bails := side.snapshot()
	require.Equal(t, []protocol.BailReason{protocol.BailOutOfBudget}, bails)
	require.Zero(t, f.nwc.payments.Load())
}

func TestDelegateHonorsBidFilter(t *testing.T) {
	f := newDelegateFixture(t, Config{
		BidFilter: func(ctx context.Context, bid *protocol.Bid) bool { return false },
	})

	bid, err := protocol.BuildBid(context.Background(), f.advertiser, nil, protocol.BidSpec{
		Description: "filtered ad",
		Payload:     "https://cdn.example/ad.png",
		Link:        "https://example.com",
		BidMsats:    2000,
		ActionType:  types.ActionView,
		MimeType:    types.MimeImagePNG,
		Size:        types.SizeSquare250x250,
		Delegate:    f.delegate.PublicKey(),
		DelegatePayload: &protocol.DelegatePayload{
			NWC:              f.nwc.uri(),
			DailyBudgetMsats: 100,
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.pool.Publish(context.Background(), bid.Event))

	time.Sleep(200 * time.Millisecond)
	_, bound := f.service.bindings.Load(bid.ID())
	require.False(t, bound)
}

func TestDelegateIgnoresOffersFromNonTargetedOfferers(t *testing.T) {
	f := newDelegateFixture(t, Config{})

	stranger := transport.NewGeneratedSigner()
	bid, err := protocol.BuildBid(context.Background(), f.advertiser, nil, protocol.BidSpec{
		Description:      "targeted ad",
		Payload:          "https://cdn.example/ad.png",
		Link:             "https://example.com",
		BidMsats:         2000,
		ActionType:       types.ActionView,
		MimeType:         types.MimeImagePNG,
		Size:             types.SizeSquare250x250,
		Delegate:         f.delegate.PublicKey(),
		TargetedOfferers: []string{stranger.PublicKey()},
		DelegatePayload: &protocol.DelegatePayload{
			NWC:              f.nwc.uri(),
			DailyBudgetMsats: 100,
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.pool.Publish(context.Background(), bid.Event))
	require.Eventually(t, func() bool {
		_, ok := f.service.bindings.Load(bid.ID())
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	side := f.negotiate(t, bid)

	time.Sleep(300 * time.Millisecond)
	require.False(t, side.handler.Accepted())
	require.Empty(t, f.service.Negotiations())
}

func TestDelegateCollectsFee(t *testing.T) {
	f := newDelegateFixture(t, Config{})
	collector := &fakeAppEndpoint{}
	require.NoError(t, f.service.SetFee(FeeSchedule{
		Percent:   0.01,
		MinMsats:  1,
		MaxMsats:  10_000,
		Collector: collector,
	}))

	bid := f.publishBid(t, 2000, 3, 100)
	side := f.negotiate(t, bid)

	require.Eventually(t, func() bool {
		payouts, _ := side.snapshot()
		return len(payouts) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Payout payment plus the async fee payment.
	require.Eventually(t, func() bool {
		return f.nwc.payments.Load() == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(1), collector.invoices.Load())
}

func TestDelegateUnbindsOnBidCancellation(t *testing.T) {
	f := newDelegateFixture(t, Config{})
	bid := f.publishBid(t, 2000, 3, 100)

	del := &nostr.Event{
		Kind:      nostr.KindDeletion,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"e", bid.ID()},
			{"k", "30100"},
		},
	}
	require.NoError(t, f.advertiser.Sign(context.Background(), del))
	require.NoError(t, f.pool.Publish(context.Background(), del))

	require.Eventually(t, func() bool {
		_, ok := f.service.bindings.Load(bid.ID())
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package delegate implements the delegate service: it binds bids
// assigned to its key, accepts offers on them, enforces budget and payout
// caps, and settles payments from the advertiser's wallet.
package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/shopspring/decimal"

	"github.com/NostrGameEngine/nostrads/negotiation"
	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/metric"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/services"
	"github.com/NostrGameEngine/nostrads/transport"
	"github.com/NostrGameEngine/nostrads/wallet"
)

const (
	// budgetResetInterval is the daily-budget window.
	budgetResetInterval = 24 * time.Hour
	// defaultLookback bounds how far back bids are replayed on start.
	defaultLookback = 5 * time.Minute
)

// ErrAlreadyBound is returned when a bid is already being handled.
var ErrAlreadyBound = errors.New("bid already bound")

// BidFilter vets incoming bids before they are bound.
type BidFilter func(ctx context.Context, bid *protocol.Bid) bool

// OfferFilter vets incoming offers before they are accepted.
type OfferFilter func(ctx context.Context, h *negotiation.DelegateHandler, offer *protocol.Offer) bool

// Config configures a delegate Service.
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

	BidFilter   BidFilter
	OfferFilter OfferFilter

	// WalletDialer opens pools for NIP-47 wallet relays; defaults to
	// real relay connections.
	WalletDialer wallet.PoolDialer
	// HTTPClient is used for LNURL-pay resolution.
	HTTPClient *http.Client
	// MetadataResolver resolves an app pubkey to its payment endpoint;
	// defaults to a NIP-01 profile lookup on the pool.
	MetadataResolver func(ctx context.Context, appPubkey string) (wallet.PayEndpoint, error)
}

// FeeSchedule is the delegate's cut, taken per settled payout.
type FeeSchedule struct {
	MinMsats  int64
	Percent   float64
	MaxMsats  int64
	Collector wallet.PayEndpoint
}

type boundBid struct {
	bid     *protocol.Bid
	wallet  wallet.Wallet
	payload *protocol.DelegatePayload
}

// Service is the delegate side of the exchange.
type Service struct {
	*services.Service

	penalties    *services.PenaltyStore
	tracker      *services.Tracker
	bidFilter    BidFilter
	offerFilter  OfferFilter
	walletDialer wallet.PoolDialer
	resolveApp   func(ctx context.Context, appPubkey string) (wallet.PayEndpoint, error)

	feeMu sync.Mutex
	fee   FeeSchedule

	bindings sync.Map // bid event id -> *boundBid

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a delegate service over the given storage. Listen must be
// called to start processing.
func New(cfg Config) (*Service, error) {
	s := &Service{
		bidFilter:    cfg.BidFilter,
		offerFilter:  cfg.OfferFilter,
		walletDialer: cfg.WalletDialer,
	}
	if s.walletDialer == nil {
		s.walletDialer = wallet.DialRelays
	}

	base, err := services.NewService(services.Config{
		Pool:              cfg.Pool,
		Signer:            cfg.Signer,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		Taxonomy:          cfg.Taxonomy,
		MaxDifficulty:     cfg.MaxDifficulty,
		AcceptanceTimeout: cfg.AcceptanceTimeout,
		SweepInterval:     cfg.SweepInterval,
		ForcedCloseReason: protocol.BailCancelled,
		OnBidCancelled:    s.unbind,
	})
	if err != nil {
		return nil, err
	}
	s.Service = base
	s.penalties = services.NewPenaltyStore(cfg.Store, base.Logger())
	s.tracker = services.NewTracker(cfg.Store, base.Logger())

	s.resolveApp = cfg.MetadataResolver
	if s.resolveApp == nil {
		httpClient := cfg.HTTPClient
		s.resolveApp = func(ctx context.Context, appPubkey string) (wallet.PayEndpoint, error) {
			return s.resolveAppPaymentEndpoint(ctx, appPubkey, httpClient)
		}
	}
	return s, nil
}

// Penalties returns the penalty store.
func (s *Service) Penalties() *services.PenaltyStore { return s.penalties }

// Tracker returns the rate tracker.
func (s *Service) Tracker() *services.Tracker { return s.tracker }

// SetFee configures the delegate's per-payout fee.
func (s *Service) SetFee(fee FeeSchedule) error {
	if fee.MinMsats < 0 || fee.Percent < 0 || fee.MaxMsats < 0 {
		return fmt.Errorf("invalid fee schedule")
	}
	s.feeMu.Lock()
	s.fee = fee
	s.feeMu.Unlock()
	return nil
}

// Listen starts the service: bids delegated to this key since the given
// time (zero means a short lookback) and incoming offers.
func (s *Service) Listen(ctx context.Context, since time.Time) error {
	if s.started {
		return errors.New("delegate service already listening")
	}
	s.started = true
	if since.IsZero() {
		since = time.Now().Add(-defaultLookback)
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)

	pk := s.Signer().PublicKey()
	bidSub, err := s.Pool().Subscribe(ctx,
		protocol.NewBidFilter().OnlyForDelegates(pk).Since(since).Filter())
	if err != nil {
		return err
	}
	offerSub, err := s.Pool().Subscribe(ctx, protocol.NegotiationFilter(pk))
	if err != nil {
		bidSub.Close()
		return err
	}

	s.Logger().Info("delegate listening",
		log.String("pubkey", pk),
		log.String("since", since.Format(time.RFC3339)))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer bidSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-bidSub.Events():
				if !ok {
					return
				}
				s.onBidEvent(ctx, evt)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer offerSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-offerSub.Events():
				if !ok {
					return
				}
				s.onNegotiationEvent(ctx, evt)
			}
		}
	}()
	return nil
}

func (s *Service) onBidEvent(ctx context.Context, evt *nostr.Event) {
	s.Metrics().BidsSeen.Inc()
	bid, err := protocol.ParseBid(s.Taxonomy(), evt)
	if err != nil {
		s.Logger().Debug("discarding bid", log.String("event", evt.ID), log.Error(err))
		return
	}
	if s.bidFilter != nil && !s.bidFilter(ctx, bid) {
		s.Logger().Info("bid rejected by filter", log.String("bid", bid.ID()))
		return
	}
	if err := s.BindBid(ctx, bid); err != nil && !errors.Is(err, ErrAlreadyBound) {
		s.Logger().Warn("bid binding failed", log.String("bid", bid.ID()), log.Error(err))
	}
}

// BindBid decrypts the bid's wallet instructions, opens the wallet and
// starts serving offers on the bid.
func (s *Service) BindBid(ctx context.Context, bid *protocol.Bid) error {
	if _, exists := s.bindings.Load(bid.ID()); exists {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, bid.ID())
	}

	payload, err := bid.DecryptDelegatePayload(ctx, s.Signer())
	if err != nil {
		return err
	}
	w, err := wallet.Resolve(ctx, payload.NWC, s.walletDialer)
	if err != nil {
		return fmt.Errorf("open wallet for bid %s: %w", bid.ID(), err)
	}

	if _, loaded := s.bindings.LoadOrStore(bid.ID(), &boundBid{
		bid:     bid,
		wallet:  w,
		payload: payload,
	}); loaded {
		w.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyBound, bid.ID())
	}
	s.Metrics().BidsBound.Inc()
	s.Logger().Info("bid bound", log.String("bid", bid.ID()),
		log.Int64("msats", bid.BidMsats))
	return nil
}

func (s *Service) unbind(ref string, byCoordinates bool) {
	s.bindings.Range(func(key, value any) bool {
		b := value.(*boundBid)
		match := b.bid.ID() == ref
		if byCoordinates {
			match = b.bid.Coordinates() == ref
		}
		if match {
			s.bindings.Delete(key)
			b.wallet.Close()
			s.Logger().Info("bid unbound", log.String("bid", b.bid.ID()))
		}
		return true
	})
}

func (s *Service) onNegotiationEvent(ctx context.Context, evt *nostr.Event) {
	targetID := firstTagValue(evt, "d")
	if targetID == "" {
		return
	}
	value, ok := s.bindings.Load(targetID)
	if !ok {
		// Not an offer on a bound bid; in-negotiation events are
		// routed by the base orchestrator.
		return
	}
	binding := value.(*boundBid)

	offer, err := protocol.DecodeOffer(ctx, s.Signer(), evt, binding.bid)
	if err != nil {
		s.Logger().Debug("discarding offer",
			log.String("event", evt.ID), log.Error(err))
		return
	}
	s.handleOffer(ctx, binding, offer)
}

func (s *Service) handleOffer(ctx context.Context, binding *boundBid, offer *protocol.Offer) {
	bid := binding.bid
	offerer := offer.Raw().PubKey

	if len(bid.TargetedOfferers) > 0 && !slices.Contains(bid.TargetedOfferers, offerer) {
		s.Logger().Info("ignoring offer from non-targeted offerer",
			log.String("bid", bid.ID()), log.String("offerer", offerer))
		return
	}
	if len(bid.TargetedApps) > 0 && !slices.Contains(bid.TargetedApps, offer.AppPubkey) {
		s.Logger().Info("ignoring offer from non-targeted app",
			log.String("bid", bid.ID()), log.String("app", offer.AppPubkey))
		return
	}

	endpoint, err := s.resolveApp(ctx, offer.AppPubkey)
	if err != nil {
		s.Logger().Warn("app payment endpoint resolution failed",
			log.String("app", offer.AppPubkey), log.Error(err))
		return
	}

	h := negotiation.NewDelegateHandler(s.Pool(), s.Signer(), s.Logger(), bid,
		endpoint, s.MaxDifficulty())

	// Refuse early when the payout window is exhausted, before any
	// wallet call can happen.
	if !s.tracker.CanIncrement(bid.ID(), "payouts", bid.PayoutResetInterval, bid.MaxPayouts) {
		s.Logger().Warn("payout cap reached", log.String("bid", bid.ID()))
		h.Open(offer)
		s.Service.Bail(ctx, &h.Handler, protocol.BailPayoutLimit)
		return
	}
	h.MarkAccepted()

	if s.offerFilter != nil && !s.offerFilter(ctx, h, offer) {
		s.Logger().Info("offer rejected by filter",
			log.String("offer", offer.Raw().ID))
		return
	}

	penalty := s.penalties.Get(offerer)
	s.Register(&h.Handler)
	h.AddListener(&paymentListener{service: s, binding: binding})
	h.SetCounterpartyPenalty(penalty)

	s.Logger().Info("accepting offer",
		log.String("offer", offer.Raw().ID),
		log.String("bid", bid.ID()),
		log.Int("penalty", penalty))
	if err := h.AcceptOffer(ctx, offer); err != nil {
		s.Logger().Warn("offer acceptance failed",
			log.String("offer", offer.Raw().ID), log.Error(err))
	}
}

// paymentListener settles one payment per negotiation, under the bid's
// budget and payout caps.
type paymentListener struct {
	service *Service
	binding *boundBid
}

func (l *paymentListener) OnBail(h *negotiation.Handler, bail *protocol.Bail, initiatedByCounterparty bool) {
	l.service.Logger().Info("negotiation bailed",
		log.String("bid", h.Bid().ID()),
		log.String("reason", string(bail.Reason)),
		log.Bool("by_counterparty", initiatedByCounterparty))
}

func (l *paymentListener) OnClose(h *negotiation.Handler, offer *protocol.Offer) {}

func (l *paymentListener) OnPaymentRequest(h *negotiation.DelegateHandler, req *protocol.PaymentRequest, invoice string, notify negotiation.NotifyPayout) {
	s := l.service
	bid := l.binding.bid
	ctx := context.Background()

	if !s.tracker.TryIncrement(bid.ID(), "budget", budgetResetInterval, l.binding.payload.DailyBudgetMsats) {
		s.Logger().Warn("daily budget exhausted", log.String("bid", bid.ID()))
		s.Service.Bail(ctx, &h.Handler, protocol.BailOutOfBudget)
		return
	}
	if !s.tracker.TryIncrement(bid.ID(), "payouts", bid.PayoutResetInterval, bid.MaxPayouts) {
		s.Logger().Warn("payout cap reached", log.String("bid", bid.ID()))
		s.Service.Bail(ctx, &h.Handler, protocol.BailPayoutLimit)
		return
	}

	start := time.Now()
	res, err := l.binding.wallet.PayInvoice(ctx, invoice, bid.BidMsats)
	if err != nil {
		s.Logger().Warn("invoice payment failed",
			log.String("bid", bid.ID()), log.Error(err))
		s.Service.Bail(ctx, &h.Handler, protocol.BailFailedPayment)
		return
	}
	s.Metrics().PaymentDuration.Observe(time.Since(start).Seconds())
	s.Metrics().MsatsPaid.Add(float64(bid.BidMsats))

	msg := "Payout for " + bid.AdID + " completed!"
	if err := notify(ctx, msg, res.Preimage); err != nil {
		s.Logger().Warn("payout notification failed",
			log.String("bid", bid.ID()), log.Error(err))
		s.Service.Bail(ctx, &h.Handler, protocol.BailFailedPayment)
		return
	}
	h.MarkCompleted()
	s.Metrics().PayoutsCompleted.Inc()

	// Fee collection must never delay or fail the payout.
	go s.collectFee(ctx, l.binding, bid)
}

func (s *Service) collectFee(ctx context.Context, binding *boundBid, bid *protocol.Bid) {
	s.feeMu.Lock()
	fee := s.fee
	s.feeMu.Unlock()
	if fee.Collector == nil {
		return
	}

	amount := decimal.NewFromInt(bid.BidMsats).
		Mul(decimal.NewFromFloat(fee.Percent)).
		IntPart()
	if amount < fee.MinMsats {
		amount = fee.MinMsats
	}
	if amount > fee.MaxMsats {
		amount = fee.MaxMsats
	}
	if amount <= 0 {
		return
	}

	invoice, err := fee.Collector.FetchInvoice(ctx, amount, "Delegate fee")
	if err != nil {
		s.Logger().Warn("fee invoice fetch failed",
			log.String("bid", bid.ID()), log.Error(err))
		return
	}
	if _, err := binding.wallet.PayInvoice(ctx, invoice, amount); err != nil {
		s.Logger().Error("fee payment failed",
			log.String("bid", bid.ID()), log.Error(err))
		return
	}
	s.Metrics().FeesPaid.Add(float64(amount))
}

// resolveAppPaymentEndpoint fetches the app's NIP-01 profile and resolves
// its lightning address into an LNURL-pay endpoint.
func (s *Service) resolveAppPaymentEndpoint(ctx context.Context, appPubkey string, client *http.Client) (wallet.PayEndpoint, error) {
	events, err := s.Pool().Fetch(ctx, nostr.Filter{
		Kinds:   []int{protocol.KindMetadata},
		Authors: []string{appPubkey},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no profile for app %s", appPubkey)
	}

	var profile struct {
		Lud16 string `json:"lud16"`
		Lud06 string `json:"lud06"`
	}
	if err := json.Unmarshal([]byte(events[0].Content), &profile); err != nil {
		return nil, fmt.Errorf("profile of app %s: %w", appPubkey, err)
	}
	address := profile.Lud16
	if address == "" {
		address = profile.Lud06
	}
	if address == "" {
		return nil, fmt.Errorf("app %s has no payment address", appPubkey)
	}
	return wallet.ResolveLnurl(ctx, address, client)
}

// Close stops listening, closes wallets and shuts down the orchestrator.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.Service.Close()
	s.wg.Wait()
	s.bindings.Range(func(key, value any) bool {
		value.(*boundBid).wallet.Close()
		s.bindings.Delete(key)
		return true
	})
	s.tracker.Close()
	return err
}

func firstTagValue(evt *nostr.Event, name string) string {
	if tag := evt.Tags.GetFirst([]string{name}); tag != nil && len(*tag) > 1 {
		return (*tag)[1]
	}
	return ""
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package services holds the shared negotiation orchestrator and the
// persistent state (penalties, rate counters) both sides of the exchange
// rely on.
package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/negotiation"
	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/metric"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/transport"
)

const (
	// DefaultMaxDifficulty caps counterparty PoW demands.
	DefaultMaxDifficulty = 32
	// DefaultAcceptanceTimeout bounds how long an unaccepted offer is
	// kept alive.
	DefaultAcceptanceTimeout = 5 * time.Second

	defaultSweepInterval = time.Second
)

// Config configures a Service. Zero fields take defaults.
type Config struct {
	Pool     transport.Pool
	Signer   transport.Signer
	Logger   log.Logger
	Metrics  *metric.Metrics
	Taxonomy *types.Taxonomy

	MaxDifficulty     int
	AcceptanceTimeout time.Duration
	SweepInterval     time.Duration

	// ForcedCloseReason is the bail published for negotiations still
	// open when the service shuts down.
	ForcedCloseReason protocol.BailReason

	// OnBidCancelled fires for each reference of an observed NIP-09
	// deletion of a bid: the bid event id, or its replaceable-event
	// coordinates when byCoordinates is set.
	OnBidCancelled func(ref string, byCoordinates bool)
}

// Service tracks active negotiations for one identity: it routes incoming
// negotiation events to the right handler, watches bid cancellations, and
// sweeps expired or completed negotiations once per second.
type Service struct {
	pool              transport.Pool
	signer            transport.Signer
	logger            log.Logger
	metrics           *metric.Metrics
	taxonomy          *types.Taxonomy
	maxDiff           int
	acceptanceTimeout time.Duration
	sweepInterval     time.Duration
	forcedCloseReason protocol.BailReason
	onBidCancelled    func(ref string, byCoordinates bool)

	mu           sync.Mutex
	negotiations []*negotiation.Handler

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates an orchestrator. Start must be called before it
// processes anything.
func NewService(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NoOp()
	}
	if cfg.Taxonomy == nil {
		cfg.Taxonomy = types.NewTaxonomy()
	}
	if cfg.Metrics == nil {
		m, err := metric.NewMetrics()
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}
	if cfg.MaxDifficulty == 0 {
		cfg.MaxDifficulty = DefaultMaxDifficulty
	}
	if cfg.AcceptanceTimeout == 0 {
		cfg.AcceptanceTimeout = DefaultAcceptanceTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ForcedCloseReason == "" {
		cfg.ForcedCloseReason = protocol.BailActionIncomplete
	}

	return &Service{
		pool:              cfg.Pool,
		signer:            cfg.Signer,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		taxonomy:          cfg.Taxonomy,
		maxDiff:           cfg.MaxDifficulty,
		acceptanceTimeout: cfg.AcceptanceTimeout,
		sweepInterval:     cfg.SweepInterval,
		forcedCloseReason: cfg.ForcedCloseReason,
		onBidCancelled:    cfg.OnBidCancelled,
	}, nil
}

// Pool returns the relay pool.
func (s *Service) Pool() transport.Pool { return s.pool }

// Signer returns the service identity.
func (s *Service) Signer() transport.Signer { return s.signer }

// Logger returns the service logger.
func (s *Service) Logger() log.Logger { return s.logger }

// Metrics returns the service metrics.
func (s *Service) Metrics() *metric.Metrics { return s.metrics }

// Taxonomy returns the content taxonomy.
func (s *Service) Taxonomy() *types.Taxonomy { return s.taxonomy }

// MaxDifficulty returns the PoW demand ceiling.
func (s *Service) MaxDifficulty() int { return s.maxDiff }

// Start opens the cancellation and negotiation subscriptions and starts
// the sweep loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cancelSub, err := s.pool.Subscribe(ctx, protocol.CancellationFilter())
	if err != nil {
		cancel()
		return err
	}
	negSub, err := s.pool.Subscribe(ctx, protocol.NegotiationFilter(s.signer.PublicKey()))
	if err != nil {
		cancelSub.Close()
		cancel()
		return err
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer cancelSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-cancelSub.Events():
				if !ok {
					return
				}
				s.handleCancellation(ctx, evt)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer negSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-negSub.Events():
				if !ok {
					return
				}
				s.dispatch(ctx, evt)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
	return nil
}

// Register tracks a negotiation until it closes.
func (s *Service) Register(h *negotiation.Handler) {
	s.mu.Lock()
	s.negotiations = append(s.negotiations, h)
	n := len(s.negotiations)
	s.mu.Unlock()

	s.metrics.NegotiationsOpened.Inc()
	s.metrics.ActiveNegotiations.Set(float64(n))
}

// Negotiations returns a snapshot of the active negotiations.
func (s *Service) Negotiations() []*negotiation.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*negotiation.Handler, len(s.negotiations))
	copy(out, s.negotiations)
	return out
}

// dispatch routes a negotiation event to the handler whose offer it
// targets, provided the author is that negotiation's counterparty.
func (s *Service) dispatch(ctx context.Context, evt *nostr.Event) {
	offerID := firstTagValue(evt, "d")
	if offerID == "" {
		return
	}

	own := s.signer.PublicKey()
	for _, h := range s.Negotiations() {
		offer := h.Offer()
		if offer == nil {
			continue
		}
		bid := h.Bid()

		// On the delegate's side the counterparty is the offerer; on
		// the offerer's side it is the bid's delegate.
		counterparty := bid.Delegate
		if own == bid.Delegate {
			counterparty = offer.Raw().PubKey
		}
		if offer.Raw().ID != offerID || counterparty != evt.PubKey {
			continue
		}
		if h.Closed() || h.Completed() {
			return
		}
		if err := h.Handle(ctx, evt); err != nil {
			s.logger.Warn("negotiation protocol violation",
				log.String("bid", bid.ID()),
				log.String("event", evt.ID),
				log.Error(err))
			s.Bail(ctx, h, protocol.BailUnknown)
		}
		return
	}
}

// Bail walks the handler away and records the reason.
func (s *Service) Bail(ctx context.Context, h *negotiation.Handler, reason protocol.BailReason) {
	if err := h.Bail(ctx, reason); err != nil {
		s.logger.Warn("bail failed",
			log.String("bid", h.Bid().ID()),
			log.Error(err))
	}
	s.metrics.NegotiationsBailed.WithLabelValues(string(reason)).Inc()
}

func (s *Service) handleCancellation(ctx context.Context, evt *nostr.Event) {
	s.metrics.BidsCancelled.Inc()
	for _, tag := range evt.Tags.GetAll([]string{"e"}) {
		if len(tag) > 1 {
			s.cancelRef(ctx, tag[1], false)
		}
	}
	for _, tag := range evt.Tags.GetAll([]string{"a"}) {
		if len(tag) > 1 {
			s.cancelRef(ctx, tag[1], true)
		}
	}
}

func (s *Service) cancelRef(ctx context.Context, ref string, byCoordinates bool) {
	for _, h := range s.Negotiations() {
		bid := h.Bid()
		match := bid.ID() == ref
		if byCoordinates {
			match = bid.Coordinates() == ref
		}
		if match && !h.Closed() && !h.Completed() {
			s.logger.Info("negotiation cancelled by advertiser",
				log.String("bid", bid.ID()))
			s.Bail(ctx, h, protocol.BailCancelled)
		}
	}
	if s.onBidCancelled != nil {
		s.onBidCancelled(ref, byCoordinates)
	}
}

// sweep closes completed negotiations, bails expired or never-accepted
// ones, and drops closed handlers from the registry.
func (s *Service) sweep(ctx context.Context) {
	now := time.Now()
	for _, h := range s.Negotiations() {
		if h.Completed() {
			s.metrics.NegotiationsCompleted.Inc()
			h.Close()
		} else if h.CreatedAt().Add(h.Bid().HoldTime).Before(now) ||
			(!h.Accepted() && h.CreatedAt().Add(s.acceptanceTimeout).Before(now)) {
			s.logger.Debug("negotiation timed out", log.String("bid", h.Bid().ID()))
			s.Bail(ctx, h, protocol.BailExpired)
		}
	}

	s.mu.Lock()
	kept := s.negotiations[:0]
	for _, h := range s.negotiations {
		if !h.Closed() {
			kept = append(kept, h)
		}
	}
	s.negotiations = kept
	n := len(kept)
	s.mu.Unlock()
	s.metrics.ActiveNegotiations.Set(float64(n))
}

// Close bails every open negotiation with the forced-close reason and
// stops the service. It is idempotent.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, h := range s.Negotiations() {
		if !h.Completed() {
			s.Bail(ctx, h, s.forcedCloseReason)
		}
		h.Close()
	}
	s.mu.Lock()
	s.negotiations = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func firstTagValue(evt *nostr.Event, name string) string {
	if tag := evt.Tags.GetFirst([]string{name}); tag != nil && len(*tag) > 1 {
		return (*tag)[1]
	}
	return ""
}

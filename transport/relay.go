// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/pkg/log"
)

// ErrNoRelays is returned when a pool could not connect to any relay.
var ErrNoRelays = errors.New("no reachable relays")

const fetchTimeout = 10 * time.Second

// RelayPool is a Pool over a set of nostr relays. Writes go to every relay,
// reads are merged and deduplicated by event id.
type RelayPool struct {
	log log.Logger

	mu     sync.RWMutex
	relays map[string]*nostr.Relay
	closed bool
}

// NewRelayPool connects to the given relay URLs. Unreachable relays are
// logged and skipped; it fails only when none connect.
func NewRelayPool(ctx context.Context, urls []string, logger log.Logger) (*RelayPool, error) {
	if logger == nil {
		logger = log.NoOp()
	}
	p := &RelayPool{
		log:    logger,
		relays: make(map[string]*nostr.Relay, len(urls)),
	}
	for _, url := range urls {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			logger.Warn("relay connect failed", log.String("url", url), log.Error(err))
			continue
		}
		p.relays[url] = relay
	}
	if len(p.relays) == 0 {
		return nil, ErrNoRelays
	}
	return p, nil
}

// Publish sends the event to every relay. It succeeds when at least one
// relay accepts the event.
func (p *RelayPool) Publish(ctx context.Context, evt *nostr.Event) error {
	p.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	var lastErr error
	published := false
	for _, relay := range relays {
		if err := relay.Publish(ctx, *evt); err != nil {
			lastErr = err
			p.log.Debug("publish rejected",
				log.String("relay", relay.URL),
				log.String("event", evt.ID),
				log.Error(err))
			continue
		}
		published = true
	}
	if !published {
		if lastErr == nil {
			lastErr = ErrNoRelays
		}
		return lastErr
	}
	return nil
}

type relaySubscription struct {
	events chan *nostr.Event
	cancel context.CancelFunc
	once   sync.Once
}

func (s *relaySubscription) Events() <-chan *nostr.Event { return s.events }

func (s *relaySubscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe opens the filters on every relay and merges the streams,
// dropping events already seen from another relay.
func (p *RelayPool) Subscribe(ctx context.Context, filters ...nostr.Filter) (Subscription, error) {
	p.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	subCtx, cancel := context.WithCancel(ctx)
	out := &relaySubscription{
		events: make(chan *nostr.Event, 128),
		cancel: cancel,
	}

	var (
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
		wg     sync.WaitGroup
	)
	subscribed := 0
	for _, relay := range relays {
		sub, err := relay.Subscribe(subCtx, nostr.Filters(filters))
		if err != nil {
			p.log.Warn("subscribe failed", log.String("relay", relay.URL), log.Error(err))
			continue
		}
		subscribed++
		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-subCtx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					seenMu.Lock()
					_, dup := seen[evt.ID]
					if !dup {
						seen[evt.ID] = struct{}{}
					}
					seenMu.Unlock()
					if dup {
						continue
					}
					select {
					case out.events <- evt:
					case <-subCtx.Done():
						return
					}
				}
			}
		}(sub)
	}
	if subscribed == 0 {
		cancel()
		return nil, ErrNoRelays
	}

	go func() {
		wg.Wait()
		close(out.events)
	}()
	return out, nil
}

// Fetch collects stored events for the filter from every relay, waiting for
// each relay's end-of-stored-events marker.
func (p *RelayPool) Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	p.mu.RLock()
	relays := make([]*nostr.Relay, 0, len(p.relays))
	for _, r := range p.relays {
		relays = append(relays, r)
	}
	p.mu.RUnlock()

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		byID   = make(map[string]*nostr.Event)
		wg     sync.WaitGroup
		active = 0
	)
	for _, relay := range relays {
		sub, err := relay.Subscribe(fetchCtx, nostr.Filters{filter})
		if err != nil {
			p.log.Debug("fetch subscribe failed", log.String("relay", relay.URL), log.Error(err))
			continue
		}
		active++
		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-fetchCtx.Done():
					return
				case <-sub.EndOfStoredEvents:
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					mu.Lock()
					byID[evt.ID] = evt
					mu.Unlock()
				}
			}
		}(sub)
	}
	if active == 0 {
		return nil, ErrNoRelays
	}
	wg.Wait()

	out := make([]*nostr.Event, 0, len(byID))
	for _, evt := range byID {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close disconnects every relay.
func (p *RelayPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, relay := range p.relays {
		relay.Close()
	}
	return nil
}

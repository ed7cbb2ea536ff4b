// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// MemoryPool is an in-process Pool. Every published event is stored and
// fanned out to matching live subscriptions. It backs tests and single
// process setups where no relay is involved.
type MemoryPool struct {
	mu     sync.Mutex
	events []*nostr.Event
	byID   map[string]struct{}
	subs   map[int]*memorySub
	nextID int
	closed bool
}

// NewMemoryPool creates an empty in-process pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		byID: make(map[string]struct{}),
		subs: make(map[int]*memorySub),
	}
}

type memorySub struct {
	pool    *MemoryPool
	id      int
	filters nostr.Filters
	events  chan *nostr.Event
	once    sync.Once
}

func (s *memorySub) Events() <-chan *nostr.Event { return s.events }

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.pool.mu.Lock()
		delete(s.pool.subs, s.id)
		s.pool.mu.Unlock()
		close(s.events)
	})
}

// Publish stores the event and delivers it to matching subscriptions.
// Duplicate event ids are ignored.
func (p *MemoryPool) Publish(_ context.Context, evt *nostr.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrNoRelays
	}
	if _, dup := p.byID[evt.ID]; dup {
		p.mu.Unlock()
		return nil
	}
	p.byID[evt.ID] = struct{}{}
	p.events = append(p.events, evt)
	subs := make([]*memorySub, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		if !matchesAny(s.filters, evt) {
			continue
		}
		select {
		case s.events <- evt:
		default:
			// Slow consumer, drop for it rather than block the publisher.
		}
	}
	return nil
}

// Subscribe streams future events matching any of the filters.
func (p *MemoryPool) Subscribe(ctx context.Context, filters ...nostr.Filter) (Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrNoRelays
	}
	s := &memorySub{
		pool:    p,
		id:      p.nextID,
		filters: nostr.Filters(filters),
		events:  make(chan *nostr.Event, 256),
	}
	p.subs[s.id] = s
	p.nextID++
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

// Fetch returns stored events matching the filter, newest first.
func (p *MemoryPool) Fetch(_ context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	p.mu.Lock()
	var out []*nostr.Event
	for _, evt := range p.events {
		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close ends every subscription and rejects further publishes.
func (p *MemoryPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := make([]*memorySub, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Published returns a snapshot of every stored event, in publish order.
func (p *MemoryPool) Published() []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*nostr.Event, len(p.events))
	copy(out, p.events)
	return out
}

func matchesAny(filters nostr.Filters, evt *nostr.Event) bool {
	for _, f := range filters {
		// Limit constrains stored-event queries, not live streams.
		f.Limit = 0
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

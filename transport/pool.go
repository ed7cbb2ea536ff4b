// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription is a live stream of events matching a set of filters. The
// channel is closed when the subscription ends.
type Subscription interface {
	Events() <-chan *nostr.Event
	Close()
}

// Pool abstracts the relay fabric: publish an event, stream events matching
// filters, or fetch stored events once. Implementations deduplicate events
// seen from multiple relays by id.
type Pool interface {
	Publish(ctx context.Context, evt *nostr.Event) error
	Subscribe(ctx context.Context, filters ...nostr.Filter) (Subscription, error)
	// Fetch returns stored events matching the filter, newest first,
	// honoring filter.Limit when set.
	Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Close() error
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package protocol implements the wire codec of the ad exchange: bid
// events, encrypted negotiation events and their subscription filters.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used by the exchange.
const (
	// KindBid is the parameterized-replaceable kind for ad bids.
	KindBid = 30100
	// KindNegotiation is the kind for encrypted negotiation events.
	KindNegotiation = 30101
	// KindDeletion is the NIP-09 deletion kind used to cancel bids.
	KindDeletion = 5
	// KindMetadata is the NIP-01 profile kind, read for payment addresses.
	KindMetadata = 0
)

// ErrInvalidEvent marks events that fail structural validation. Such
// events are discarded, never bailed over.
var ErrInvalidEvent = errors.New("invalid event")

// ErrEventExpired marks events whose expiration tag has passed.
var ErrEventExpired = errors.New("event expired")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// tagValue returns the first value of the named tag, or "".
func tagValue(evt *nostr.Event, name string) string {
	if tag := evt.Tags.GetFirst([]string{name}); tag != nil && len(*tag) > 1 {
		return (*tag)[1]
	}
	return ""
}

// tagValues returns the first value of every tag with the given name.
func tagValues(evt *nostr.Event, name string) []string {
	var out []string
	for _, tag := range evt.Tags.GetAll([]string{name}) {
		if len(tag) > 1 {
			out = append(out, tag[1])
		}
	}
	return out
}

// ExpirationOf returns the event's NIP-40 expiration, if any.
func ExpirationOf(evt *nostr.Event) (time.Time, bool) {
	v := tagValue(evt, "expiration")
	if v == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

// checkNotExpired fails when the event carries an expiration in the past.
func checkNotExpired(evt *nostr.Event, now time.Time) error {
	if exp, ok := ExpirationOf(evt); ok && !exp.After(now) {
		return ErrEventExpired
	}
	return nil
}

func expirationTag(t time.Time) nostr.Tag {
	return nostr.Tag{"expiration", strconv.FormatInt(t.Unix(), 10)}
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/protocol/types"
)

// BidFilter builds a subscription filter for kind-30100 bid events.
// Helpers narrow it one targeting dimension at a time.
type BidFilter struct {
	filter nostr.Filter
}

// NewBidFilter creates an unrestricted bid filter.
func NewBidFilter() *BidFilter {
	return &BidFilter{filter: nostr.Filter{
		Kinds: []int{KindBid},
		Tags:  nostr.TagMap{},
	}}
}

// OnlyForApps narrows to bids whitelisting one of the given app pubkeys.
func (f *BidFilter) OnlyForApps(pubkeys ...string) *BidFilter {
	f.filter.Tags["y"] = append(f.filter.Tags["y"], pubkeys...)
	return f
}

// OnlyForOfferers narrows to bids whitelisting one of the given offerer
// pubkeys.
func (f *BidFilter) OnlyForOfferers(pubkeys ...string) *BidFilter {
	f.filter.Tags["p"] = append(f.filter.Tags["p"], pubkeys...)
	return f
}

// OnlyForDelegates narrows to bids assigned to the given delegates.
func (f *BidFilter) OnlyForDelegates(pubkeys ...string) *BidFilter {
	f.filter.Tags["D"] = append(f.filter.Tags["D"], pubkeys...)
	return f
}

// WithActionTypes narrows to bids paying for the given action types.
func (f *BidFilter) WithActionTypes(actions ...types.ActionType) *BidFilter {
	for _, a := range actions {
		f.filter.Tags["k"] = append(f.filter.Tags["k"], string(a))
	}
	return f
}

// WithMimeTypes narrows to bids carrying the given media types.
func (f *BidFilter) WithMimeTypes(mimes ...types.MimeType) *BidFilter {
	for _, m := range mimes {
		f.filter.Tags["m"] = append(f.filter.Tags["m"], string(m))
	}
	return f
}

// WithCategories narrows to bids tagged with the given taxonomy terms.
func (f *BidFilter) WithCategories(terms ...*types.Term) *BidFilter {
	for _, t := range terms {
		f.filter.Tags["t"] = append(f.filter.Tags["t"], t.ID)
	}
	return f
}

// WithLanguages narrows to bids in the given languages.
func (f *BidFilter) WithLanguages(langs ...string) *BidFilter {
	f.filter.Tags["l"] = append(f.filter.Tags["l"], langs...)
	return f
}

// WithSizes narrows to bids of the given canonical sizes.
func (f *BidFilter) WithSizes(sizes ...types.Size) *BidFilter {
	for _, s := range sizes {
		f.filter.Tags["s"] = append(f.filter.Tags["s"], string(s))
	}
	return f
}

// WithAspectRatios narrows to bids in the given ratio buckets.
func (f *BidFilter) WithAspectRatios(ratios ...types.AspectRatio) *BidFilter {
	for _, r := range ratios {
		f.filter.Tags["S"] = append(f.filter.Tags["S"], string(r))
	}
	return f
}

// WithPriceSlot narrows to bids at the given slot or any higher one.
func (f *BidFilter) WithPriceSlot(slot types.PriceSlot) *BidFilter {
	f.filter.Tags["f"] = append(f.filter.Tags["f"], slot.AtOrAbove()...)
	return f
}

// ByAuthors narrows to bids published by the given pubkeys.
func (f *BidFilter) ByAuthors(pubkeys ...string) *BidFilter {
	f.filter.Authors = append(f.filter.Authors, pubkeys...)
	return f
}

// Since narrows to bids created at or after t.
func (f *BidFilter) Since(t time.Time) *BidFilter {
	ts := nostr.Timestamp(t.Unix())
	f.filter.Since = &ts
	return f
}

// Until narrows to bids created at or before t.
func (f *BidFilter) Until(t time.Time) *BidFilter {
	ts := nostr.Timestamp(t.Unix())
	f.filter.Until = &ts
	return f
}

// Limit caps the number of stored events returned.
func (f *BidFilter) Limit(n int) *BidFilter {
	f.filter.Limit = n
	return f
}

// Filter returns the built nostr filter.
func (f *BidFilter) Filter() nostr.Filter {
	return f.filter
}

// NegotiationFilter returns a filter for negotiation events addressed to
// the given pubkey.
func NegotiationFilter(counterparty string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindNegotiation},
		Tags:  nostr.TagMap{"p": []string{counterparty}},
	}
}

// CancellationFilter returns a filter for NIP-09 deletions of bid events.
func CancellationFilter() nostr.Filter {
	return nostr.Filter{
		Kinds: []int{KindDeletion},
		Tags:  nostr.TagMap{"k": []string{"30100"}},
	}
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package display implements the offerer side of the exchange: ad
// placements, the ranked auction over candidate bids, and the client
// that shows ads and collects payouts.
package display

import (
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
)

// Adspace describes one ad placement. Placements with the same Key share
// one candidate queue.
type Adspace struct {
	// UID, when set, is the sole identity of the placement.
	UID string

	Ratio     types.AspectRatio
	PriceSlot types.PriceSlot
	MimeTypes []types.MimeType

	// Categories and Languages narrow the candidate pool; empty means
	// unrestricted.
	Categories []*types.Term
	Languages  []string

	// AdvertisersWhitelist limits candidates to these bid authors.
	AdvertisersWhitelist []string

	// AppKey identifies the app the placement belongs to; UserKey is
	// the offerer identity that will negotiate.
	AppKey  string
	UserKey string
}

// Key returns the identity under which equal placements are pooled.
func (a *Adspace) Key() string {
	if a.UID != "" {
		return a.UID
	}
	parts := []string{
		string(a.Ratio),
		string(a.PriceSlot),
		joinMimes(a.MimeTypes),
		joinTerms(a.Categories),
		joinSorted(a.Languages),
		joinSorted(a.AdvertisersWhitelist),
	}
	return strings.Join(parts, "|")
}

// Filter returns the relay-side filter matching bids for this placement.
// Offerer and app whitelist tags cannot be negated relay-side, so absent
// tags are re-checked client-side by the queue.
func (a *Adspace) Filter() nostr.Filter {
	f := protocol.NewBidFilter().
		WithAspectRatios(a.Ratio).
		WithPriceSlot(a.PriceSlot)
	if len(a.MimeTypes) > 0 {
		f = f.WithMimeTypes(a.MimeTypes...)
	}
	if len(a.Categories) > 0 {
		f = f.WithCategories(a.Categories...)
	}
	if len(a.Languages) > 0 {
		f = f.WithLanguages(a.Languages...)
	}
	if len(a.AdvertisersWhitelist) > 0 {
		f = f.ByAuthors(a.AdvertisersWhitelist...)
	}
	return f.Filter()
}

// hasCategory reports whether any of the bid's categories is one the
// placement asked for.
func (a *Adspace) hasCategory(bid *protocol.Bid) bool {
	for _, want := range a.Categories {
		for _, got := range bid.Categories {
			if got.ID == want.ID {
				return true
			}
		}
	}
	return false
}

func joinMimes(mimes []types.MimeType) string {
	s := make([]string, len(mimes))
	for i, m := range mimes {
		s[i] = string(m)
	}
	return joinSorted(s)
}

func joinTerms(terms []*types.Term) string {
	s := make([]string, len(terms))
	for i, t := range terms {
		s[i] = t.ID
	}
	return joinSorted(s)
}

func joinSorted(values []string) string {
	s := make([]string, len(values))
	copy(s, values)
	sort.Strings(s)
	return strings.Join(s, ",")
}

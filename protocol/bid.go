// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/transport"
)

// offerIDPlaceholder in a bid's link is substituted with the id of the
// offer the impression was negotiated under.
const offerIDPlaceholder = "$OFFER_ID"

// Bid is a parsed, validated ad bid event. Targeting lives in plaintext
// tags so relays can filter on it; descriptive fields live in the JSON
// content; the delegate payload is encrypted to the delegate.
type Bid struct {
	Event *nostr.Event

	AdID         string
	Description  string
	Context      string
	Payload      string
	CallToAction string

	BidMsats            int64
	HoldTime            time.Duration
	MaxPayouts          int64
	PayoutResetInterval time.Duration

	ActionType  types.ActionType
	MimeType    types.MimeType
	Size        types.Size
	AspectRatio types.AspectRatio
	PriceSlot   types.PriceSlot

	Categories []*types.Term
	Languages  []string

	// TargetedOfferers and TargetedApps are pubkey whitelists; empty
	// means unrestricted.
	TargetedOfferers []string
	TargetedApps     []string

	// Delegate is the pubkey negotiating and paying on the
	// advertiser's behalf.
	Delegate string

	link                     string
	encryptedDelegatePayload string
	linkedOfferID            string
}

type bidContent struct {
	Description         string `json:"description"`
	Context             string `json:"context,omitempty"`
	Payload             string `json:"payload"`
	Link                string `json:"link,omitempty"`
	CallToAction        string `json:"call_to_action,omitempty"`
	BidMsats            int64  `json:"bid"`
	HoldTime            int64  `json:"hold_time"`
	MaxPayouts          int64  `json:"max_payouts"`
	PayoutResetInterval int64  `json:"payout_reset_interval"`
}

// DelegatePayload is the bid's encrypted instruction block for the
// delegate: the wallet to pay from and the daily spend ceiling.
type DelegatePayload struct {
	NWC              string `json:"nwc"`
	DailyBudgetMsats int64  `json:"dailyBudget"`
}

// ParseBid parses and validates a kind-30100 event.
func ParseBid(tax *types.Taxonomy, evt *nostr.Event) (*Bid, error) {
	if evt.Kind != KindBid {
		return nil, invalidf("bid has kind %d", evt.Kind)
	}
	if err := checkNotExpired(evt, time.Now()); err != nil {
		return nil, err
	}

	var content bidContent
	if err := json.Unmarshal([]byte(evt.Content), &content); err != nil {
		return nil, invalidf("bid content: %v", err)
	}

	b := &Bid{
		Event:        evt,
		AdID:         tagValue(evt, "d"),
		Description:  content.Description,
		Context:      content.Context,
		Payload:      content.Payload,
		CallToAction: content.CallToAction,
		BidMsats:     content.BidMsats,
		HoldTime:     time.Duration(content.HoldTime) * time.Second,
		MaxPayouts:   content.MaxPayouts,
		PayoutResetInterval: time.Duration(content.PayoutResetInterval) * time.Second,
		Languages:           tagValues(evt, "l"),
		TargetedOfferers:    tagValues(evt, "p"),
		TargetedApps:        tagValues(evt, "y"),
		link:                content.Link,
	}

	var err error
	if b.ActionType, err = types.ParseActionType(tagValue(evt, "k")); err != nil {
		return nil, invalidf("bid %s: %v", evt.ID, err)
	}
	if b.MimeType, err = types.ParseMimeType(tagValue(evt, "m")); err != nil {
		return nil, invalidf("bid %s: %v", evt.ID, err)
	}
	if b.Size, err = types.ParseSize(tagValue(evt, "s")); err != nil {
		return nil, invalidf("bid %s: %v", evt.ID, err)
	}
	if b.AspectRatio, err = types.ParseAspectRatio(tagValue(evt, "S")); err != nil {
		return nil, invalidf("bid %s: %v", evt.ID, err)
	}
	if b.PriceSlot, err = types.ParsePriceSlot(tagValue(evt, "f")); err != nil {
		return nil, invalidf("bid %s: %v", evt.ID, err)
	}

	for _, id := range tagValues(evt, "t") {
		b.Categories = append(b.Categories, tax.ByID(id))
	}

	if dTag := evt.Tags.GetFirst([]string{"D"}); dTag != nil {
		if len(*dTag) > 1 {
			b.Delegate = (*dTag)[1]
		}
		if len(*dTag) > 2 {
			b.encryptedDelegatePayload = (*dTag)[2]
		}
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bid) validate() error {
	switch {
	case b.AdID == "":
		return invalidf("bid %s: missing ad id", b.Event.ID)
	case b.Description == "":
		return invalidf("bid %s: missing description", b.Event.ID)
	case b.Payload == "":
		return invalidf("bid %s: missing payload", b.Event.ID)
	case b.Delegate == "":
		return invalidf("bid %s: missing delegate", b.Event.ID)
	case b.BidMsats <= 0:
		return invalidf("bid %s: non-positive bid amount", b.Event.ID)
	case b.HoldTime <= 0:
		return invalidf("bid %s: non-positive hold time", b.Event.ID)
	case b.MaxPayouts <= 0:
		return invalidf("bid %s: non-positive max payouts", b.Event.ID)
	case b.PayoutResetInterval <= 0:
		return invalidf("bid %s: non-positive payout reset interval", b.Event.ID)
	case b.PriceSlot.Msats() > b.BidMsats:
		return invalidf("bid %s: price slot %s above bid amount %d",
			b.Event.ID, b.PriceSlot, b.BidMsats)
	}
	return nil
}

// ID returns the bid event id.
func (b *Bid) ID() string {
	return b.Event.ID
}

// Pubkey returns the advertiser pubkey.
func (b *Bid) Pubkey() string {
	return b.Event.PubKey
}

// Coordinates returns the replaceable-event address of the bid.
func (b *Bid) Coordinates() string {
	return fmt.Sprintf("%d:%s:%s", KindBid, b.Event.PubKey, b.AdID)
}

// Expiration returns the bid's expiration, if any.
func (b *Bid) Expiration() (time.Time, bool) {
	return ExpirationOf(b.Event)
}

// BindOffer ties the bid instance to a negotiated offer so that the link
// placeholder can be substituted.
func (b *Bid) BindOffer(offerID string) {
	b.linkedOfferID = offerID
}

// Link returns the click-through link with the offer id substituted when
// the bid is bound to an offer.
func (b *Bid) Link() string {
	if b.linkedOfferID == "" {
		return b.link
	}
	return strings.ReplaceAll(b.link, offerIDPlaceholder, b.linkedOfferID)
}

// HasDelegatePayload reports whether the bid carries an encrypted payload
// for its delegate.
func (b *Bid) HasDelegatePayload() bool {
	return b.encryptedDelegatePayload != ""
}

// DecryptDelegatePayload decrypts the wallet instruction block. Only the
// delegate and the advertiser hold the conversation key.
func (b *Bid) DecryptDelegatePayload(ctx context.Context, signer transport.Signer) (*DelegatePayload, error) {
	if b.encryptedDelegatePayload == "" {
		return nil, invalidf("bid %s: no delegate payload", b.Event.ID)
	}
	counterparty := b.Event.PubKey
	if signer.PublicKey() == b.Event.PubKey {
		counterparty = b.Delegate
	}
	plaintext, err := signer.Decrypt(ctx, b.encryptedDelegatePayload, counterparty)
	if err != nil {
		return nil, fmt.Errorf("decrypt delegate payload of bid %s: %w", b.Event.ID, err)
	}
	var payload DelegatePayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, invalidf("bid %s: delegate payload: %v", b.Event.ID, err)
	}
	return &payload, nil
}

// BidSpec describes a bid to be built and signed. Zero fields fall back
// to protocol defaults where one exists.
type BidSpec struct {
	AdID         string // generated when empty
	Description  string
	Context      string
	Payload      string
	Link         string
	CallToAction string

	BidMsats            int64
	HoldTime            time.Duration // default 60s
	MaxPayouts          int64         // default 3
	PayoutResetInterval time.Duration // default 5m

	ActionType  types.ActionType
	MimeType    types.MimeType
	Size        types.Size
	AspectRatio types.AspectRatio // derived from Size when empty
	PriceSlot   types.PriceSlot   // derived from BidMsats when empty

	Categories []string // taxonomy term ids
	Languages  []string

	TargetedOfferers []string
	TargetedApps     []string

	Delegate        string
	DelegatePayload *DelegatePayload

	Expiration time.Time
}

// BuildBid signs a bid event built from spec and returns it parsed.
func BuildBid(ctx context.Context, signer transport.Signer, tax *types.Taxonomy, spec BidSpec) (*Bid, error) {
	if spec.AdID == "" {
		spec.AdID = uuid.NewString()
	}
	if spec.HoldTime == 0 {
		spec.HoldTime = 60 * time.Second
	}
	if spec.MaxPayouts == 0 {
		spec.MaxPayouts = 3
	}
	if spec.PayoutResetInterval == 0 {
		spec.PayoutResetInterval = 5 * time.Minute
	}
	if spec.AspectRatio == "" {
		spec.AspectRatio = spec.Size.Ratio()
	}
	if spec.PriceSlot == "" {
		slot, err := types.PriceSlotFromMsats(spec.BidMsats)
		if err != nil {
			return nil, err
		}
		spec.PriceSlot = slot
	}

	content, err := json.Marshal(bidContent{
		Description:         spec.Description,
		Context:             spec.Context,
		Payload:             spec.Payload,
		Link:                spec.Link,
		CallToAction:        spec.CallToAction,
		BidMsats:            spec.BidMsats,
		HoldTime:            int64(spec.HoldTime / time.Second),
		MaxPayouts:          spec.MaxPayouts,
		PayoutResetInterval: int64(spec.PayoutResetInterval / time.Second),
	})
	if err != nil {
		return nil, err
	}

	evt := &nostr.Event{
		Kind:      KindBid,
		CreatedAt: nostr.Now(),
		Content:   string(content),
		Tags:      nostr.Tags{{"d", spec.AdID}},
	}

	delegateTag := nostr.Tag{"D", spec.Delegate}
	if spec.DelegatePayload != nil {
		plaintext, err := json.Marshal(spec.DelegatePayload)
		if err != nil {
			return nil, err
		}
		encrypted, err := signer.Encrypt(ctx, string(plaintext), spec.Delegate)
		if err != nil {
			return nil, fmt.Errorf("encrypt delegate payload: %w", err)
		}
		delegateTag = append(delegateTag, encrypted)
	}
	evt.Tags = append(evt.Tags, delegateTag)

	for _, id := range spec.Categories {
		evt.Tags = append(evt.Tags, nostr.Tag{"t", id})
	}
	for _, lang := range spec.Languages {
		evt.Tags = append(evt.Tags, nostr.Tag{"l", lang})
	}
	evt.Tags = append(evt.Tags,
		nostr.Tag{"m", string(spec.MimeType)},
		nostr.Tag{"s", string(spec.Size)},
		nostr.Tag{"k", string(spec.ActionType)},
		nostr.Tag{"S", string(spec.AspectRatio)},
		nostr.Tag{"f", string(spec.PriceSlot)},
	)
	for _, pk := range spec.TargetedOfferers {
		evt.Tags = append(evt.Tags, nostr.Tag{"p", pk})
	}
	for _, pk := range spec.TargetedApps {
		evt.Tags = append(evt.Tags, nostr.Tag{"y", pk})
	}
	if !spec.Expiration.IsZero() {
		evt.Tags = append(evt.Tags, expirationTag(spec.Expiration))
	}

	if err := signer.Sign(ctx, evt); err != nil {
		return nil, err
	}

	tax = ensureTaxonomy(tax)
	return ParseBid(tax, evt)
}

func ensureTaxonomy(tax *types.Taxonomy) *types.Taxonomy {
	if tax == nil {
		return types.NewTaxonomy()
	}
	return tax
}

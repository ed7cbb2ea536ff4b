// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/transport"
)

// Negotiation message types carried in the encrypted content.
const (
	typeOffer          = "offer"
	typeAcceptOffer    = "accept_offer"
	typePaymentRequest = "payment_request"
	typePayout         = "payout"
	typeBail           = "bail"
)

// BailReason explains why a party walked away from a negotiation.
type BailReason string

const (
	BailOutOfBudget      BailReason = "out_of_budget"
	BailExpired          BailReason = "expired"
	BailFailedPayment    BailReason = "failed_payment"
	BailActionIncomplete BailReason = "action_incomplete"
	BailCancelled        BailReason = "cancelled"
	BailUnknown          BailReason = "unknown"
	BailPayoutLimit      BailReason = "payout_limit"
)

// ParseBailReason maps a wire reason onto the known set, falling back to
// BailUnknown.
func ParseBailReason(s string) BailReason {
	switch r := BailReason(s); r {
	case BailOutOfBudget, BailExpired, BailFailedPayment,
		BailActionIncomplete, BailCancelled, BailPayoutLimit:
		return r
	}
	return BailUnknown
}

// NegotiationMessage is a decoded kind-30101 event. Concrete types are
// Offer, AcceptOffer, PaymentRequest, Payout and Bail.
type NegotiationMessage interface {
	// Raw returns the signed event the message was decoded from.
	Raw() *nostr.Event
	// TargetID is the event id the negotiation refers to: the bid id
	// for offers, the offer id for everything else.
	TargetID() string
	// Counterparty is the pubkey the event is addressed to.
	Counterparty() string
}

// PowMessage is a negotiation message that may demand proof of work on
// the next response.
type PowMessage interface {
	NegotiationMessage
	// RequestedDifficulty is the difficulty demanded for the response,
	// 0 when none.
	RequestedDifficulty() int
}

type envelope struct {
	evt *nostr.Event
}

func (e envelope) Raw() *nostr.Event   { return e.evt }
func (e envelope) TargetID() string    { return tagValue(e.evt, "d") }
func (e envelope) Counterparty() string { return tagValue(e.evt, "p") }

// Offer opens a negotiation over a bid. It is the only negotiation
// message whose target is the bid itself.
type Offer struct {
	envelope
	// Bid is the bid the offer targets.
	Bid *Bid
	// AppPubkey identifies the app the adspace belongs to.
	AppPubkey string

	difficulty int
}

// RequestedDifficulty returns the PoW difficulty demanded for responses.
func (o *Offer) RequestedDifficulty() int { return o.difficulty }

// AcceptOffer is the delegate's acceptance of an offer.
type AcceptOffer struct {
	envelope
	difficulty int
}

// RequestedDifficulty returns the PoW difficulty demanded for responses.
func (a *AcceptOffer) RequestedDifficulty() int { return a.difficulty }

// PaymentRequest asks the delegate to pay after the ad action completed.
type PaymentRequest struct {
	envelope
	Message string

	difficulty int
}

// RequestedDifficulty returns the PoW difficulty demanded for responses.
func (p *PaymentRequest) RequestedDifficulty() int { return p.difficulty }

// Payout proves the delegate settled the invoice.
type Payout struct {
	envelope
	Message  string
	Preimage string
}

// Bail terminates a negotiation with a reason.
type Bail struct {
	envelope
	Reason BailReason
}

type negotiationContent struct {
	Type       string `json:"type"`
	Message    string `json:"message,omitempty"`
	Difficulty int    `json:"difficulty,omitempty"`
	Preimage   string `json:"preimage,omitempty"`
}

// DecodeOffer decodes and validates an incoming offer over the given bid.
func DecodeOffer(ctx context.Context, signer transport.Signer, evt *nostr.Event, bid *Bid) (*Offer, error) {
	content, err := decodeContent(ctx, signer, evt)
	if err != nil {
		return nil, err
	}
	if content.Type != typeOffer {
		return nil, invalidf("event %s: expected offer, got %q", evt.ID, content.Type)
	}
	return newOffer(evt, bid, content)
}

func newOffer(evt *nostr.Event, bid *Bid, content *negotiationContent) (*Offer, error) {
	o := &Offer{
		envelope:   envelope{evt: evt},
		Bid:        bid,
		AppPubkey:  tagValue(evt, "y"),
		difficulty: content.Difficulty,
	}
	if o.AppPubkey == "" {
		return nil, invalidf("offer %s: missing app pubkey", evt.ID)
	}
	if bid != nil && o.TargetID() != bid.ID() {
		return nil, invalidf("offer %s: targets %s, not bid %s", evt.ID, o.TargetID(), bid.ID())
	}
	return o, nil
}

// DecodeMessage decodes and validates a negotiation event exchanged under
// the given offer.
func DecodeMessage(ctx context.Context, signer transport.Signer, evt *nostr.Event, offer *Offer) (NegotiationMessage, error) {
	content, err := decodeContent(ctx, signer, evt)
	if err != nil {
		return nil, err
	}

	switch content.Type {
	case typeOffer:
		var bid *Bid
		if offer != nil {
			bid = offer.Bid
		}
		return newOffer(evt, bid, content)
	case typeAcceptOffer:
		return &AcceptOffer{envelope: envelope{evt: evt}, difficulty: content.Difficulty}, nil
	case typePaymentRequest:
		return &PaymentRequest{
			envelope:   envelope{evt: evt},
			Message:    content.Message,
			difficulty: content.Difficulty,
		}, nil
	case typePayout:
		if content.Message == "" {
			return nil, invalidf("payout %s: missing message", evt.ID)
		}
		return &Payout{
			envelope: envelope{evt: evt},
			Message:  content.Message,
			Preimage: content.Preimage,
		}, nil
	case typeBail:
		if content.Message == "" {
			return nil, invalidf("bail %s: missing reason", evt.ID)
		}
		return &Bail{
			envelope: envelope{evt: evt},
			Reason:   ParseBailReason(content.Message),
		}, nil
	}
	return nil, invalidf("event %s: unknown negotiation type %q", evt.ID, content.Type)
}

func decodeContent(ctx context.Context, signer transport.Signer, evt *nostr.Event) (*negotiationContent, error) {
	if evt.Kind != KindNegotiation {
		return nil, invalidf("negotiation has kind %d", evt.Kind)
	}
	if tagValue(evt, "d") == "" {
		return nil, invalidf("negotiation %s: missing target", evt.ID)
	}
	if tagValue(evt, "p") == "" {
		return nil, invalidf("negotiation %s: missing counterparty", evt.ID)
	}
	if err := checkNotExpired(evt, time.Now()); err != nil {
		return nil, err
	}

	plaintext, err := signer.Decrypt(ctx, evt.Content, evt.PubKey)
	if err != nil {
		return nil, invalidf("negotiation %s: decrypt: %v", evt.ID, err)
	}
	var content negotiationContent
	if err := json.Unmarshal([]byte(plaintext), &content); err != nil {
		return nil, invalidf("negotiation %s: content: %v", evt.ID, err)
	}
	if content.Type == "" {
		return nil, invalidf("negotiation %s: missing type", evt.ID)
	}
	return &content, nil
}

// responseCounterparty resolves who a message under the offer must be
// encrypted to: the offer's counterparty when we authored the offer, the
// offerer otherwise.
func responseCounterparty(signer transport.Signer, offer *Offer) string {
	if signer.PublicKey() == offer.Raw().PubKey {
		return offer.Counterparty()
	}
	return offer.Raw().PubKey
}

func buildNegotiation(
	ctx context.Context,
	signer transport.Signer,
	targetID, counterparty string,
	content negotiationContent,
	extraTags nostr.Tags,
	minePow int,
	expiration time.Time,
) (*nostr.Event, error) {
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	ciphertext, err := signer.Encrypt(ctx, string(plaintext), counterparty)
	if err != nil {
		return nil, err
	}

	evt := &nostr.Event{
		Kind:      KindNegotiation,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags: nostr.Tags{
			{"d", targetID},
			{"p", counterparty},
		},
	}
	evt.Tags = append(evt.Tags, extraTags...)
	if !expiration.IsZero() {
		evt.Tags = append(evt.Tags, expirationTag(expiration))
	}

	if err := signer.SignPow(ctx, evt, minePow); err != nil {
		return nil, err
	}
	return evt, nil
}

// BuildOffer signs an offer over the bid, addressed to the bid's
// delegate. requestDifficulty demands PoW on the delegate's response.
func BuildOffer(
	ctx context.Context,
	signer transport.Signer,
	bid *Bid,
	appPubkey string,
	requestDifficulty int,
	expiration time.Time,
) (*Offer, error) {
	content := negotiationContent{Type: typeOffer, Difficulty: requestDifficulty}
	evt, err := buildNegotiation(ctx, signer, bid.ID(), bid.Delegate, content,
		nostr.Tags{{"y", appPubkey}}, 0, expiration)
	if err != nil {
		return nil, err
	}
	return newOffer(evt, bid, &content)
}

// BuildAcceptOffer signs the delegate's acceptance of the offer, mining
// minePow bits and demanding requestDifficulty on the response.
func BuildAcceptOffer(
	ctx context.Context,
	signer transport.Signer,
	offer *Offer,
	requestDifficulty, minePow int,
	expiration time.Time,
) (*AcceptOffer, error) {
	content := negotiationContent{Type: typeAcceptOffer, Difficulty: requestDifficulty}
	evt, err := buildNegotiation(ctx, signer, offer.Raw().ID,
		responseCounterparty(signer, offer), content, nil, minePow, expiration)
	if err != nil {
		return nil, err
	}
	return &AcceptOffer{envelope: envelope{evt: evt}, difficulty: content.Difficulty}, nil
}

// BuildPaymentRequest signs the offerer's payment request under the offer.
func BuildPaymentRequest(
	ctx context.Context,
	signer transport.Signer,
	offer *Offer,
	message string,
	requestDifficulty, minePow int,
	expiration time.Time,
) (*PaymentRequest, error) {
	content := negotiationContent{Type: typePaymentRequest, Message: message, Difficulty: requestDifficulty}
	evt, err := buildNegotiation(ctx, signer, offer.Raw().ID,
		responseCounterparty(signer, offer), content, nil, minePow, expiration)
	if err != nil {
		return nil, err
	}
	return &PaymentRequest{
		envelope:   envelope{evt: evt},
		Message:    content.Message,
		difficulty: content.Difficulty,
	}, nil
}

// BuildPayout signs the delegate's payout proof under the offer.
func BuildPayout(
	ctx context.Context,
	signer transport.Signer,
	offer *Offer,
	message, preimage string,
	expiration time.Time,
) (*Payout, error) {
	content := negotiationContent{Type: typePayout, Message: message, Preimage: preimage}
	evt, err := buildNegotiation(ctx, signer, offer.Raw().ID,
		responseCounterparty(signer, offer), content, nil, 0, expiration)
	if err != nil {
		return nil, err
	}
	return &Payout{
		envelope: envelope{evt: evt},
		Message:  content.Message,
		Preimage: content.Preimage,
	}, nil
}

// BuildBail signs a bail under the offer.
func BuildBail(
	ctx context.Context,
	signer transport.Signer,
	offer *Offer,
	reason BailReason,
) (*Bail, error) {
	content := negotiationContent{Type: typeBail, Message: string(reason)}
	evt, err := buildNegotiation(ctx, signer, offer.Raw().ID,
		responseCounterparty(signer, offer), content, nil, 0, time.Time{})
	if err != nil {
		return nil, err
	}
	return &Bail{envelope: envelope{evt: evt}, Reason: reason}, nil
}

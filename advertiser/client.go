// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package advertiser lets advertisers create, publish, list and cancel
// bids. Campaign management itself is the delegate's job.
package advertiser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/transport"
)

// Client signs and publishes advertiser-side events.
type Client struct {
	pool     transport.Pool
	signer   transport.Signer
	taxonomy *types.Taxonomy
	logger   log.Logger
}

// NewClient creates an advertiser client.
func NewClient(pool transport.Pool, signer transport.Signer, taxonomy *types.Taxonomy, logger log.Logger) *Client {
	if taxonomy == nil {
		taxonomy = types.NewTaxonomy()
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Client{pool: pool, signer: signer, taxonomy: taxonomy, logger: logger}
}

// NewBid builds and signs a bid without publishing it.
func (c *Client) NewBid(ctx context.Context, spec protocol.BidSpec) (*protocol.Bid, error) {
	return protocol.BuildBid(ctx, c.signer, c.taxonomy, spec)
}

// PublishBid publishes a previously built bid.
func (c *Client) PublishBid(ctx context.Context, bid *protocol.Bid) error {
	if err := c.pool.Publish(ctx, bid.Event); err != nil {
		return fmt.Errorf("publish bid %s: %w", bid.ID(), err)
	}
	c.logger.Info("bid published", log.String("bid", bid.ID()),
		log.String("ad", bid.AdID))
	return nil
}

// CancelBid publishes a deletion for the bid, referencing it both by
// event id and by replaceable-event coordinates.
func (c *Client) CancelBid(ctx context.Context, bid *protocol.Bid, reason string) error {
	return c.cancel(ctx, bid.ID(), bid.Coordinates(), reason)
}

// CancelBidByID publishes a deletion for a bid known only by event id.
func (c *Client) CancelBidByID(ctx context.Context, eventID, reason string) error {
	return c.cancel(ctx, eventID, "", reason)
}

func (c *Client) cancel(ctx context.Context, eventID, coordinates, reason string) error {
	evt := &nostr.Event{
		Kind:      protocol.KindDeletion,
		CreatedAt: nostr.Now(),
		Content:   reason,
		Tags: nostr.Tags{
			{"e", eventID},
			{"k", strconv.Itoa(protocol.KindBid)},
		},
	}
	if coordinates != "" {
		evt.Tags = append(evt.Tags, nostr.Tag{"a", coordinates})
	}
	if err := c.signer.Sign(ctx, evt); err != nil {
		return err
	}
	if err := c.pool.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish cancellation of %s: %w", eventID, err)
	}
	c.logger.Info("bid cancelled", log.String("bid", eventID),
		log.String("reason", reason))
	return nil
}

// ListBids fetches the bids this identity has published.
func (c *Client) ListBids(ctx context.Context, since time.Time) ([]*protocol.Bid, error) {
	f := protocol.NewBidFilter().ByAuthors(c.signer.PublicKey())
	if !since.IsZero() {
		f = f.Since(since)
	}
	events, err := c.pool.Fetch(ctx, f.Filter())
	if err != nil {
		return nil, err
	}
	bids := make([]*protocol.Bid, 0, len(events))
	for _, evt := range events {
		bid, err := protocol.ParseBid(c.taxonomy, evt)
		if err != nil {
			c.logger.Debug("skipping invalid bid", log.String("event", evt.ID), log.Error(err))
			continue
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/NostrGameEngine/nostrads/delegate"
	"github.com/NostrGameEngine/nostrads/negotiation"
	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/protocol"
)

// fileConfig is the optional JSON config file. Values set here override
// the corresponding flags; empty lists disable the corresponding filter.
type fileConfig struct {
	Relays       []string `json:"relays"`
	TaxonomyFile string   `json:"taxonomy_file"`

	Fee struct {
		Collector string  `json:"collector"`
		Percent   float64 `json:"percent"`
		MinMsats  int64   `json:"min_msats"`
		MaxMsats  int64   `json:"max_msats"`
	} `json:"fee"`

	AdvertiserWhitelist []string `json:"advertiser_whitelist"`
	AdvertiserBlacklist []string `json:"advertiser_blacklist"`
	OffererWhitelist    []string `json:"offerer_whitelist"`
	OffererBlacklist    []string `json:"offerer_blacklist"`
}

func loadConfig(path string) (*fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// bidFilter enforces the advertiser white/blacklists. A nil return means
// no filtering is configured.
func (c *fileConfig) bidFilter(logger log.Logger) delegate.BidFilter {
	white, black := c.AdvertiserWhitelist, c.AdvertiserBlacklist
	if len(white) == 0 && len(black) == 0 {
		return nil
	}
	return func(ctx context.Context, bid *protocol.Bid) bool {
		author := bid.Pubkey()
		if slices.Contains(black, author) {
			logger.Info("rejecting bid from blacklisted advertiser",
				log.String("advertiser", author))
			return false
		}
		if len(white) > 0 && !slices.Contains(white, author) {
			return false
		}
		return true
	}
}

// offerFilter enforces the offerer white/blacklists.
func (c *fileConfig) offerFilter(logger log.Logger) delegate.OfferFilter {
	white, black := c.OffererWhitelist, c.OffererBlacklist
	if len(white) == 0 && len(black) == 0 {
		return nil
	}
	return func(ctx context.Context, h *negotiation.DelegateHandler, offer *protocol.Offer) bool {
		offerer := offer.Raw().PubKey
		if slices.Contains(black, offerer) {
			logger.Info("rejecting offer from blacklisted offerer",
				log.String("offerer", offerer))
			return false
		}
		if len(white) > 0 && !slices.Contains(white, offerer) {
			return false
		}
		return true
	}
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package services

import (
	"encoding/binary"

	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
)

const penaltyKeyPrefix = "powlist/"

// PenaltyStore persists per-pubkey PoW penalties across sessions. Values
// are stored as 4-byte little-endian signed integers. Reads degrade to 0
// on any failure: a lost penalty only means one cheap retry for the
// counterparty.
type PenaltyStore struct {
	store  *storage.Storage
	logger log.Logger
}

// NewPenaltyStore creates a penalty store over the given storage.
func NewPenaltyStore(store *storage.Storage, logger log.Logger) *PenaltyStore {
	if logger == nil {
		logger = log.NoOp()
	}
	return &PenaltyStore{store: store, logger: logger}
}

// Get returns the stored penalty for the pubkey, 0 when absent or
// unreadable.
func (p *PenaltyStore) Get(pubkey string) int {
	raw, err := p.store.Get([]byte(penaltyKeyPrefix + pubkey))
	if err != nil {
		if !storage.IsNotFound(err) {
			p.logger.Warn("penalty read failed",
				log.String("pubkey", pubkey), log.Error(err))
		}
		return 0
	}
	if len(raw) != 4 {
		p.logger.Warn("penalty entry malformed", log.String("pubkey", pubkey))
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(raw)))
}

// Set persists the penalty for the pubkey. Failures are logged, not
// returned: the in-memory penalty still applies for this session.
func (p *PenaltyStore) Set(pubkey string, penalty int) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(penalty)))
	if err := p.store.Put([]byte(penaltyKeyPrefix+pubkey), buf); err != nil {
		p.logger.Warn("penalty write failed",
			log.String("pubkey", pubkey), log.Error(err))
	}
}

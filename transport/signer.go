// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Signer owns an identity key and performs every operation that needs it:
// signing (optionally with proof of work) and NIP-44 payload encryption.
type Signer interface {
	// PublicKey returns the hex public key of this identity.
	PublicKey() string
	// Sign fills in pubkey, id and sig on the event.
	Sign(ctx context.Context, evt *nostr.Event) error
	// SignPow mines a nonce tag committing to difficulty, then signs.
	// A difficulty of 0 or less is a plain Sign.
	SignPow(ctx context.Context, evt *nostr.Event, difficulty int) error
	// Encrypt encrypts plaintext to the counterparty public key.
	Encrypt(ctx context.Context, plaintext, counterparty string) (string, error)
	// Decrypt decrypts ciphertext produced by the counterparty for us
	// (or by us for the counterparty).
	Decrypt(ctx context.Context, ciphertext, counterparty string) (string, error)
}

// KeySigner is a Signer backed by an in-memory secret key. Conversation
// keys are derived once per counterparty and cached.
type KeySigner struct {
	sk string
	pk string

	mu       sync.Mutex
	convKeys map[string][32]byte
}

// NewKeySigner creates a signer from a hex secret key.
func NewKeySigner(secretKey string) (*KeySigner, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeySigner{
		sk:       secretKey,
		pk:       pk,
		convKeys: make(map[string][32]byte),
	}, nil
}

// NewGeneratedSigner creates a signer with a freshly generated key.
func NewGeneratedSigner() *KeySigner {
	s, err := NewKeySigner(nostr.GeneratePrivateKey())
	if err != nil {
		// GeneratePrivateKey always yields a valid key.
		panic(err)
	}
	return s
}

// PublicKey returns the hex public key.
func (s *KeySigner) PublicKey() string {
	return s.pk
}

// Sign signs the event in place.
func (s *KeySigner) Sign(_ context.Context, evt *nostr.Event) error {
	evt.PubKey = s.pk
	return evt.Sign(s.sk)
}

// SignPow mines a NIP-13 nonce tag with the committed difficulty, then
// signs. It honors ctx cancellation between mining batches.
func (s *KeySigner) SignPow(ctx context.Context, evt *nostr.Event, difficulty int) error {
	if difficulty <= 0 {
		return s.Sign(ctx, evt)
	}

	evt.PubKey = s.pk
	tag := nostr.Tag{"nonce", "", strconv.Itoa(difficulty)}
	evt.Tags = append(evt.Tags, tag)
	nonceIdx := len(evt.Tags) - 1

	for n := uint64(0); ; n++ {
		if n%4096 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		evt.Tags[nonceIdx][1] = strconv.FormatUint(n, 10)
		if nip13.Difficulty(evt.GetID()) >= difficulty {
			break
		}
	}
	return evt.Sign(s.sk)
}

// Encrypt encrypts plaintext with the NIP-44 conversation key shared with
// the counterparty.
func (s *KeySigner) Encrypt(_ context.Context, plaintext, counterparty string) (string, error) {
	key, err := s.conversationKey(counterparty)
	if err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, key)
}

// Decrypt decrypts ciphertext with the NIP-44 conversation key shared with
// the counterparty.
func (s *KeySigner) Decrypt(_ context.Context, ciphertext, counterparty string) (string, error) {
	key, err := s.conversationKey(counterparty)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, key)
}

func (s *KeySigner) conversationKey(counterparty string) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.convKeys[counterparty]; ok {
		return key, nil
	}
	key, err := nip44.GenerateConversationKey(counterparty, s.sk)
	if err != nil {
		return [32]byte{}, fmt.Errorf("conversation key for %s: %w", counterparty, err)
	}
	s.convKeys[counterparty] = key
	return key, nil
}

// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
	"github.com/stretchr/testify/require"
)

func TestKeySignerSign(t *testing.T) {
	s := NewGeneratedSigner()
	evt := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Content:   "hello",
	}
	require.NoError(t, s.Sign(context.Background(), evt))
	require.Equal(t, s.PublicKey(), evt.PubKey)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeySignerSignPow(t *testing.T) {
	s := NewGeneratedSigner()
	evt := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Content:   "pow",
	}
	require.NoError(t, s.SignPow(context.Background(), evt, 8))
	require.GreaterOrEqual(t, nip13.Difficulty(evt.ID), 8)
	require.GreaterOrEqual(t, nip13.CommittedDifficulty(evt), 8)
	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeySignerSignPowCancelled(t *testing.T) {
	s := NewGeneratedSigner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	evt := &nostr.Event{Kind: 1, CreatedAt: nostr.Now()}
	// An absurd difficulty would mine forever; cancellation must stop it.
	err := s.SignPow(ctx, evt, 200)
	require.ErrorIs(t, err, context.Canceled)
}

func TestKeySignerEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	alice := NewGeneratedSigner()
	bob := NewGeneratedSigner()
	eve := NewGeneratedSigner()

	ciphertext, err := alice.Encrypt(ctx, "secret offer", bob.PublicKey())
	require.NoError(t, err)
	require.NotEqual(t, "secret offer", ciphertext)

	plaintext, err := bob.Decrypt(ctx, ciphertext, alice.PublicKey())
	require.NoError(t, err)
	require.Equal(t, "secret offer", plaintext)

	_, err = eve.Decrypt(ctx, ciphertext, alice.PublicKey())
	require.Error(t, err)
}

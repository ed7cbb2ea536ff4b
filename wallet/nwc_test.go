// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"

	"github.com/NostrGameEngine/nostrads/transport"
)

// fakeWalletService answers pay_invoice requests over the shared pool the
// way a NIP-47 wallet service would.
type fakeWalletService struct {
	pool   *transport.MemoryPool
	secret string
	pubkey string
}

func startFakeWalletService(t *testing.T, pool *transport.MemoryPool, respond func(req nwcRequest) nwcResponse) *fakeWalletService {
	t.Helper()
	secret := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(secret)
	require.NoError(t, err)
	svc := &fakeWalletService{pool: pool, secret: secret, pubkey: pubkey}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sub, err := pool.Subscribe(ctx, nostr.Filter{
		Kinds: []int{kindNWCRequest},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
	})
	require.NoError(t, err)

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				shared, err := nip04.ComputeSharedSecret(evt.PubKey, secret)
				if err != nil {
					continue
				}
				plaintext, err := nip04.Decrypt(evt.Content, shared)
				if err != nil {
					continue
				}
				var req nwcRequest
				if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
					continue
				}
				body, err := json.Marshal(respond(req))
				if err != nil {
					continue
				}
				ciphertext, err := nip04.Encrypt(string(body), shared)
				if err != nil {
					continue
				}
				resp := &nostr.Event{
					Kind:      kindNWCResponse,
					CreatedAt: nostr.Now(),
					Content:   ciphertext,
					Tags: nostr.Tags{
						{"p", evt.PubKey},
						{"e", evt.ID},
					},
				}
				if err := resp.Sign(secret); err != nil {
					continue
				}
				_ = pool.Publish(ctx, resp)
			}
		}
	}()
	return svc
}

func (s *fakeWalletService) uri() string {
	return fmt.Sprintf("%s%s?relay=%s&secret=%s",
		nwcScheme, s.pubkey, "wss://relay.test", nostr.GeneratePrivateKey())
}

func dialShared(pool *transport.MemoryPool) PoolDialer {
	return func(ctx context.Context, relays []string) (transport.Pool, error) {
		return pool, nil
	}
}

func TestNWCWalletPayInvoice(t *testing.T) {
	ctx := context.Background()
	pool := transport.NewMemoryPool()
	t.Cleanup(func() { pool.Close() })

	var lastReq nwcRequest
	svc := startFakeWalletService(t, pool, func(req nwcRequest) nwcResponse {
		lastReq = req
		return nwcResponse{
			ResultType: "pay_invoice",
			Result:     json.RawMessage(`{"preimage":"deadbeef","fees_paid":12}`),
		}
	})

	w, err := NewNWCWallet(ctx, svc.uri(), dialShared(pool))
	require.NoError(t, err)

	resp, err := w.PayInvoice(ctx, "lnbc20n1testinvoice", 2000)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", resp.Preimage)
	require.Equal(t, int64(12), resp.FeesPaidMsats)

	require.Equal(t, "pay_invoice", lastReq.Method)
	require.Equal(t, "lnbc20n1testinvoice", lastReq.Params["invoice"])
	require.EqualValues(t, 2000, lastReq.Params["amount"])
}

func TestNWCWalletServiceError(t *testing.T) {
	ctx := context.Background()
	pool := transport.NewMemoryPool()
	t.Cleanup(func() { pool.Close() })

	svc := startFakeWalletService(t, pool, func(req nwcRequest) nwcResponse {
		resp := nwcResponse{ResultType: "pay_invoice"}
		resp.Error = &struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}{Code: "INSUFFICIENT_BALANCE", Message: "not enough sats"}
		return resp
	})

	w, err := NewNWCWallet(ctx, svc.uri(), dialShared(pool))
	require.NoError(t, err)

	_, err = w.PayInvoice(ctx, "lnbc20n1testinvoice", 0)
	require.ErrorContains(t, err, "not enough sats")
	require.ErrorContains(t, err, "INSUFFICIENT_BALANCE")
}

func TestNWCWalletIgnoresForgedResponses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := transport.NewMemoryPool()
	t.Cleanup(func() { pool.Close() })

	// An impostor that answers from the wrong key: its responses must be
	// skipped, so the request times out on the cancelled context.
	secret := nostr.GeneratePrivateKey()
	pubkey, _ := nostr.GetPublicKey(secret)
	uri := fmt.Sprintf("%s%s?relay=%s&secret=%s",
		nwcScheme, pubkey, "wss://relay.test", nostr.GeneratePrivateKey())

	impostor := nostr.GeneratePrivateKey()
	sub, err := pool.Subscribe(ctx, nostr.Filter{Kinds: []int{kindNWCRequest}})
	require.NoError(t, err)
	go func() {
		for evt := range sub.Events() {
			resp := &nostr.Event{
				Kind:      kindNWCResponse,
				CreatedAt: nostr.Now(),
				Content:   "garbage",
				Tags:      nostr.Tags{{"p", evt.PubKey}, {"e", evt.ID}},
			}
			if err := resp.Sign(impostor); err != nil {
				continue
			}
			_ = pool.Publish(ctx, resp)
			cancel()
		}
	}()

	w, err := NewNWCWallet(ctx, uri, dialShared(pool))
	require.NoError(t, err)

	_, err = w.PayInvoice(ctx, "lnbc20n1testinvoice", 0)
	require.Error(t, err)
}

func TestParseNWCURI(t *testing.T) {
	secret := nostr.GeneratePrivateKey()
	pubkey, _ := nostr.GetPublicKey(secret)

	gotPubkey, relays, gotSecret, err := parseNWCURI(fmt.Sprintf(
		"%s%s?relay=wss://a.test&relay=wss://b.test&secret=%s", nwcScheme, pubkey, secret))
	require.NoError(t, err)
	require.Equal(t, pubkey, gotPubkey)
	require.Equal(t, []string{"wss://a.test", "wss://b.test"}, relays)
	require.Equal(t, secret, gotSecret)

	_, _, _, err = parseNWCURI("https://example.com")
	require.ErrorIs(t, err, ErrUnsupportedWallet)

	_, _, _, err = parseNWCURI(nwcScheme + pubkey)
	require.Error(t, err)
}

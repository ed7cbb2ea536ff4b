// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/NostrGameEngine/nostrads/transport"
)

const (
	nwcScheme       = "nostr+walletconnect://"
	kindNWCRequest  = 23194
	kindNWCResponse = 23195

	nwcTimeout = 60 * time.Second
)

// ErrNWCTimeout is returned when the wallet service never answered.
var ErrNWCTimeout = errors.New("wallet connect response timeout")

// PoolDialer opens a transport pool for the wallet service's relays.
type PoolDialer func(ctx context.Context, relays []string) (transport.Pool, error)

// DialRelays is the default PoolDialer, connecting a RelayPool.
func DialRelays(ctx context.Context, relays []string) (transport.Pool, error) {
	return transport.NewRelayPool(ctx, relays, nil)
}

// NWCWallet is a NIP-47 wallet-connect client. Requests and responses are
// NIP-04 encrypted between the connection secret and the wallet service.
type NWCWallet struct {
	pool         transport.Pool
	walletPubkey string
	secretKey    string
	clientPubkey string
	sharedSecret []byte
}

// NewNWCWallet parses a nostr+walletconnect:// URI and connects to the
// wallet service's relays.
func NewNWCWallet(ctx context.Context, uri string, dial PoolDialer) (*NWCWallet, error) {
	if dial == nil {
		dial = DialRelays
	}
	walletPubkey, relays, secret, err := parseNWCURI(uri)
	if err != nil {
		return nil, err
	}

	clientPubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("wallet connect secret: %w", err)
	}
	shared, err := nip04.ComputeSharedSecret(walletPubkey, secret)
	if err != nil {
		return nil, fmt.Errorf("wallet connect shared secret: %w", err)
	}

	pool, err := dial(ctx, relays)
	if err != nil {
		return nil, err
	}
	return &NWCWallet{
		pool:         pool,
		walletPubkey: walletPubkey,
		secretKey:    secret,
		clientPubkey: clientPubkey,
		sharedSecret: shared,
	}, nil
}

func parseNWCURI(uri string) (pubkey string, relays []string, secret string, err error) {
	if !strings.HasPrefix(uri, nwcScheme) {
		return "", nil, "", fmt.Errorf("%w: %q", ErrUnsupportedWallet, uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", nil, "", fmt.Errorf("wallet connect uri: %w", err)
	}
	pubkey = u.Host
	q := u.Query()
	relays = q["relay"]
	secret = q.Get("secret")
	if pubkey == "" || len(relays) == 0 || secret == "" {
		return "", nil, "", fmt.Errorf("wallet connect uri missing pubkey, relay or secret")
	}
	return pubkey, relays, secret, nil
}

type nwcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type nwcResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// PayInvoice asks the wallet service to settle the invoice.
func (w *NWCWallet) PayInvoice(ctx context.Context, invoice string, amountMsats int64) (*PayResponse, error) {
	params := map[string]any{"invoice": invoice}
	if amountMsats > 0 {
		params["amount"] = amountMsats
	}
	raw, err := w.request(ctx, "pay_invoice", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Preimage string `json:"preimage"`
		FeesPaid int64  `json:"fees_paid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("wallet connect result: %w", err)
	}
	if result.Preimage == "" {
		return nil, errors.New("wallet connect result missing preimage")
	}
	return &PayResponse{Preimage: result.Preimage, FeesPaidMsats: result.FeesPaid}, nil
}

func (w *NWCWallet) request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	plaintext, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	ciphertext, err := nip04.Encrypt(string(plaintext), w.sharedSecret)
	if err != nil {
		return nil, err
	}

	evt := &nostr.Event{
		Kind:      kindNWCRequest,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags:      nostr.Tags{{"p", w.walletPubkey}},
	}
	evt.PubKey = w.clientPubkey
	if err := evt.Sign(w.secretKey); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, nwcTimeout)
	defer cancel()

	sub, err := w.pool.Subscribe(reqCtx, nostr.Filter{
		Kinds: []int{kindNWCResponse},
		Tags: nostr.TagMap{
			"p": []string{w.clientPubkey},
			"e": []string{evt.ID},
		},
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if err := w.pool.Publish(reqCtx, evt); err != nil {
		return nil, err
	}

	for {
		select {
		case <-reqCtx.Done():
			if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrNWCTimeout
			}
			return nil, reqCtx.Err()
		case respEvt, ok := <-sub.Events():
			if !ok {
				return nil, ErrNWCTimeout
			}
			if respEvt.PubKey != w.walletPubkey {
				continue
			}
			decrypted, err := nip04.Decrypt(respEvt.Content, w.sharedSecret)
			if err != nil {
				continue
			}
			var resp nwcResponse
			if err := json.Unmarshal([]byte(decrypted), &resp); err != nil {
				continue
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("wallet connect %s: %s (%s)",
					method, resp.Error.Message, resp.Error.Code)
			}
			return resp.Result, nil
		}
	}
}

// Close disconnects from the wallet service's relays.
func (w *NWCWallet) Close() error {
	return w.pool.Close()
}

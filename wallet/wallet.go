// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wallet holds the payment boundary of the exchange: wallets that
// pay invoices (NIP-47 wallet connect) and endpoints that issue them
// (LNURL-pay / lightning addresses).
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedWallet is returned for wallet URIs no backend handles.
var ErrUnsupportedWallet = errors.New("unsupported wallet uri")

// PayResponse is the proof of a settled invoice.
type PayResponse struct {
	Preimage      string
	FeesPaidMsats int64
}

// Wallet pays lightning invoices.
type Wallet interface {
	// PayInvoice settles the invoice for the given amount.
	PayInvoice(ctx context.Context, invoice string, amountMsats int64) (*PayResponse, error)
	Close() error
}

// PayEndpoint issues lightning invoices on request.
type PayEndpoint interface {
	// FetchInvoice requests an invoice for the amount, with a comment
	// when the endpoint supports one.
	FetchInvoice(ctx context.Context, amountMsats int64, comment string) (string, error)
}

// Resolve opens a wallet from its URI. Currently only NIP-47
// nostr+walletconnect URIs are supported.
func Resolve(ctx context.Context, uri string, dial PoolDialer) (Wallet, error) {
	if strings.HasPrefix(uri, nwcScheme) {
		return NewNWCWallet(ctx, uri, dial)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedWallet, uri)
}

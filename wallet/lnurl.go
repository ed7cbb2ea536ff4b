// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrAmountOutOfRange is returned when the requested amount falls outside
// the endpoint's sendable window.
var ErrAmountOutOfRange = errors.New("amount outside sendable range")

const lnurlTimeout = 15 * time.Second

// LnurlEndpoint is a resolved LNURL-pay service.
type LnurlEndpoint struct {
	client         *http.Client
	callback       string
	minSendable    int64
	maxSendable    int64
	commentAllowed int64
}

type lnurlPayMetadata struct {
	Tag            string `json:"tag"`
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	CommentAllowed int64  `json:"commentAllowed"`
}

// ResolveLnurl resolves a lightning address (user@domain) or a direct
// https LNURL-pay metadata URL into an invoice-issuing endpoint.
func ResolveLnurl(ctx context.Context, address string, client *http.Client) (*LnurlEndpoint, error) {
	if client == nil {
		client = &http.Client{Timeout: lnurlTimeout}
	}

	metaURL := address
	if !strings.Contains(address, "://") {
		name, domain, ok := strings.Cut(address, "@")
		if !ok || name == "" || domain == "" {
			return nil, fmt.Errorf("malformed lightning address %q", address)
		}
		metaURL = fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, name)
	}

	var meta lnurlPayMetadata
	if err := getJSON(ctx, client, metaURL, &meta); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	if meta.Tag != "payRequest" || meta.Callback == "" {
		return nil, fmt.Errorf("%s is not an lnurl-pay endpoint", address)
	}

	return &LnurlEndpoint{
		client:         client,
		callback:       meta.Callback,
		minSendable:    meta.MinSendable,
		maxSendable:    meta.MaxSendable,
		commentAllowed: meta.CommentAllowed,
	}, nil
}

// FetchInvoice requests an invoice from the endpoint's callback.
func (e *LnurlEndpoint) FetchInvoice(ctx context.Context, amountMsats int64, comment string) (string, error) {
	if amountMsats < e.minSendable || (e.maxSendable > 0 && amountMsats > e.maxSendable) {
		return "", fmt.Errorf("%w: %d msats not in [%d, %d]",
			ErrAmountOutOfRange, amountMsats, e.minSendable, e.maxSendable)
	}

	cb, err := url.Parse(e.callback)
	if err != nil {
		return "", err
	}
	q := cb.Query()
	q.Set("amount", strconv.FormatInt(amountMsats, 10))
	if comment != "" && e.commentAllowed > 0 {
		if int64(len(comment)) > e.commentAllowed {
			comment = comment[:e.commentAllowed]
		}
		q.Set("comment", comment)
	}
	cb.RawQuery = q.Encode()

	var resp struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		PR     string `json:"pr"`
	}
	if err := getJSON(ctx, e.client, cb.String(), &resp); err != nil {
		return "", err
	}
	if strings.EqualFold(resp.Status, "ERROR") {
		return "", fmt.Errorf("lnurl-pay callback: %s", resp.Reason)
	}
	if resp.PR == "" {
		return "", errors.New("lnurl-pay callback returned no invoice")
	}
	return resp.PR, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// Package fetch wraps the shared HTTP client with the small text/bytes
// helpers the ingestion paths need: per-host rate limiting, one retry on
// 429/5xx, and a status check.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tvmux/tvmux/internal/httpclient"
)

// DefaultUserAgent is sent when the caller does not override it.
const DefaultUserAgent = "tvmux/1.0"

// Bytes fetches rawURL and returns the response body. header may be nil;
// a User-Agent is always set.
func Bytes(ctx context.Context, client *http.Client, rawURL string, header http.Header) ([]byte, error) {
	if client == nil {
		client = httpclient.Default()
	}
	if err := httpclient.GlobalHostLimit.Wait(ctx, rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Text fetches rawURL and returns the body as a string.
func Text(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	b, err := Bytes(ctx, client, rawURL, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

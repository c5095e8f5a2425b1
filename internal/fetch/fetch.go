// Package fetch retrieves the code bytes a skill_url references, over
// either http(s) or an inline data: URI, so the Ingress API can
// fingerprint and pin the exact bytes an operator will review.
package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	maxFetchBytes  = 1 << 20
)

// ErrFetchFailed wraps any failure to retrieve code bytes.
var ErrFetchFailed = fmt.Errorf("fetch-failed")

// Fetcher retrieves code bytes for a skill_url.
type Fetcher struct {
	client *http.Client
}

// New builds a fetcher with a bounded-timeout HTTP client.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// Fetch retrieves the code bytes referenced by rawURL. Supported
// schemes are http, https and data. Any other scheme, a network
// failure, a non-2xx response, or a body larger than the fetch cap
// is reported as ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrFetchFailed, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "data":
		return fetchData(rawURL)
	default:
		return nil, fmt.Errorf("%w: unsupported url scheme %q", ErrFetchFailed, parsed.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", "execbroker-fetch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if len(body) > maxFetchBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetchFailed, maxFetchBytes)
	}
	return body, nil
}

// fetchData decodes a data: URI. Only base64-encoded payloads are
// supported since skill code is arbitrary binary-safe text.
func fetchData(rawURL string) ([]byte, error) {
	rest := strings.TrimPrefix(rawURL, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: malformed data uri", ErrFetchFailed)
	}
	meta, payload := rest[:comma], rest[comma+1:]

	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("%w: only base64-encoded data uris are supported", ErrFetchFailed)
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 payload: %v", ErrFetchFailed, err)
	}
	if len(decoded) > maxFetchBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetchFailed, maxFetchBytes)
	}
	return decoded, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// StatusError is returned when a backend answers with a non-2xx status.
// RetryAfter is parsed from the Retry-After header when present; nothing
// retries automatically.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("unexpected status %d (retry after %s): %s", e.StatusCode, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses the Retry-After header value as either seconds (integer)
// or an HTTP-date (RFC 7231). Returns zero if unparseable or if the date is in the past.
func ParseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Auth holds authentication settings for a backend API.
type Auth struct {
	Key    string // API key value.
	Header string // Header name (default: "Authorization").
	Scheme string // Scheme prefix (default: "Bearer" when Header is "Authorization").
}

// Base holds the HTTP plumbing shared by backends. Embed it in concrete
// provider structs to get auth, custom headers and JSON helpers.
type Base struct {
	BaseURL      string                // API base URL (no trailing slash).
	Auth         Auth                  // Authentication settings.
	Client       *http.Client          // HTTP client; falls back to a default with a timeout.
	Headers      map[string]string     // Extra headers applied to every request.
	HeaderParser RateLimitHeaderParser // Optional parser for rate limit response headers.

	rateLimitInfo atomic.Pointer[RateLimitInfo]
	clientOnce    sync.Once
	defaultClient *http.Client
}

// LastRateLimitInfo returns the most recently observed rate limit info, or nil.
func (b *Base) LastRateLimitInfo() *RateLimitInfo { return b.rateLimitInfo.Load() }

func (b *Base) httpClient() *http.Client {
	if b.Client != nil {
		return b.Client
	}

	b.clientOnce.Do(func() {
		b.defaultClient = &http.Client{Timeout: 10 * time.Minute}
	})

	return b.defaultClient
}

// NewRequest builds an *http.Request with the base URL, auth and custom
// headers applied. It fails with ErrMissingAPIKey when no key is configured.
func (b *Base) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if b.Auth.Key == "" {
		return nil, ErrMissingAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, method, b.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	header := b.Auth.Header
	if header == "" {
		header = "Authorization"
	}

	value := b.Auth.Key
	switch {
	case header == "Authorization":
		scheme := b.Auth.Scheme
		if scheme == "" {
			scheme = "Bearer"
		}
		value = scheme + " " + value
	case b.Auth.Scheme != "":
		value = b.Auth.Scheme + " " + value
	}

	req.Header.Set(header, value)

	for k, v := range b.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Do sends the request using the configured HTTP client.
func (b *Base) Do(req *http.Request) (*http.Response, error) {
	return b.httpClient().Do(req) //nolint:gosec // URL is built from trusted BaseURL config, not user input.
}

// Send performs req, checks for a 2xx status and decodes the JSON body into
// dest. A nil dest discards the body.
func (b *Base) Send(req *http.Request, dest any) error {
	body, err := b.SendRaw(req)
	if err != nil {
		return err
	}

	if dest == nil {
		return nil
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// SendRaw performs req, checks for a 2xx status and returns the body.
func (b *Base) SendRaw(req *http.Request) ([]byte, error) {
	resp, err := b.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if b.HeaderParser != nil {
		if info := b.HeaderParser(resp.Header, time.Now()); info != nil {
			b.rateLimitInfo.Store(info)
		}
	}

	return body, nil
}

// PostJSON marshals payload as JSON, POSTs it to path and decodes the
// response into dest.
func (b *Base) PostJSON(ctx context.Context, path string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := b.NewRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return b.Send(req, dest)
}

// GetJSON GETs path and decodes the response into dest.
func (b *Base) GetJSON(ctx context.Context, path string, dest any) error {
	req, err := b.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return b.Send(req, dest)
}

// GetRaw GETs path and returns the response body.
func (b *Base) GetRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := b.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	return b.SendRaw(req)
}

package provider

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RateLimitInfo holds rate limit state parsed from backend response headers.
type RateLimitInfo struct {
	RemainingRequests int
	RemainingTokens   int
	RequestsReset     time.Time
	TokensReset       time.Time
}

// RateLimitHeaderParser extracts rate limit info from HTTP response headers.
// It receives the current time so callers can control the clock in tests.
type RateLimitHeaderParser func(h http.Header, now time.Time) *RateLimitInfo

// ParseAnthropicRateLimitHeaders parses anthropic-ratelimit-{requests,tokens}-{remaining,reset}.
func ParseAnthropicRateLimitHeaders(h http.Header, now time.Time) *RateLimitInfo {
	return parseRateLimit(
		h.Get("anthropic-ratelimit-requests-remaining"),
		h.Get("anthropic-ratelimit-tokens-remaining"),
		h.Get("anthropic-ratelimit-requests-reset"),
		h.Get("anthropic-ratelimit-tokens-reset"),
		now,
	)
}

// ParseOpenAIRateLimitHeaders parses x-ratelimit-remaining-* and x-ratelimit-reset-*.
func ParseOpenAIRateLimitHeaders(h http.Header, now time.Time) *RateLimitInfo {
	return parseRateLimit(
		h.Get("x-ratelimit-remaining-requests"),
		h.Get("x-ratelimit-remaining-tokens"),
		h.Get("x-ratelimit-reset-requests"),
		h.Get("x-ratelimit-reset-tokens"),
		now,
	)
}

func parseRateLimit(reqRemaining, tokRemaining, reqReset, tokReset string, now time.Time) *RateLimitInfo {
	if reqRemaining == "" && tokRemaining == "" {
		return nil
	}

	info := &RateLimitInfo{}
	if v, err := strconv.Atoi(reqRemaining); err == nil {
		info.RemainingRequests = v
	}
	if v, err := strconv.Atoi(tokRemaining); err == nil {
		info.RemainingTokens = v
	}
	info.RequestsReset = parseResetTime(reqReset, now)
	info.TokensReset = parseResetTime(tokReset, now)

	return info
}

// parseResetTime tries RFC3339 first, then a Go duration string (e.g. "6s", "1m30s")
// relative to now.
func parseResetTime(val string, now time.Time) time.Time {
	if val == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t
	}
	if d, err := time.ParseDuration(val); err == nil {
		return now.Add(d)
	}
	return time.Time{}
}

// LogRateLimit reports the last observed rate limit headroom at debug level.
// Nothing is logged when no backend response carried rate limit headers.
func (b *Base) LogRateLimit(ctx context.Context, log *slog.Logger) {
	info := b.LastRateLimitInfo()
	if info == nil {
		return
	}

	log.DebugContext(ctx, "rate limit headroom",
		"remaining_requests", info.RemainingRequests,
		"remaining_tokens", info.RemainingTokens,
		"requests_reset", info.RequestsReset,
		"tokens_reset", info.TokensReset,
	)
}

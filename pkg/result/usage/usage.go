// Package usage totals token usage reported in batch results.
package usage

import "sync"

// TokenCount holds input and output token counts for a single request.
type TokenCount struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the sum of input and output tokens.
func (tc TokenCount) Total() int {
	return tc.InputTokens + tc.OutputTokens
}

// FromMap reads a raw usage map as reported by a backend. Both the
// prompt_tokens/completion_tokens and the input_tokens/output_tokens
// vocabularies are understood. The bool is false when neither is present.
func FromMap(m map[string]any) (TokenCount, bool) {
	in, okIn := firstInt(m, "prompt_tokens", "input_tokens")
	out, okOut := firstInt(m, "completion_tokens", "output_tokens")

	return TokenCount{InputTokens: in, OutputTokens: out}, okIn || okOut
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case int64:
			return int(v), true
		}
	}

	return 0, false
}

// Tracker accumulates token usage across many results.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries []TokenCount
}

// Add records a token count entry.
func (t *Tracker) Add(tc TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, tc)
}

// AddMap records the usage in m, if it reports any.
func (t *Tracker) AddMap(m map[string]any) {
	if tc, ok := FromMap(m); ok {
		t.Add(tc)
	}
}

// Total returns the aggregate token count across all entries.
func (t *Tracker) Total() TokenCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total TokenCount
	for _, e := range t.entries {
		total.InputTokens += e.InputTokens
		total.OutputTokens += e.OutputTokens
	}

	return total
}

// Count returns the number of recorded entries.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

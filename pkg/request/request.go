// Package request defines the provider-agnostic Request stored in a batch.
//
// A system message passed among the messages is hoisted into SystemPrompt and
// removed from Messages. At most one system message is allowed per request.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/germanamz/batchman/pkg/chats/message"
	"github.com/germanamz/batchman/pkg/chats/role"
)

// ErrMultipleSystemMessages is returned when a request carries more than one
// system prompt.
var ErrMultipleSystemMessages = errors.New("request: multiple system messages")

// Request is one unit of work in a batch. Optional generation parameters are
// pointers so that an explicit zero (temperature 0) survives persistence.
type Request struct {
	CustomID         string            `json:"custom_id"`
	Messages         []message.Message `json:"messages"`
	SystemPrompt     string            `json:"system_prompt,omitempty"`
	Model            string            `json:"model,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	N                *int              `json:"n,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// Option configures a Request built by New.
type Option func(*Request)

// WithCustomID overrides the generated correlation id.
func WithCustomID(id string) Option { return func(r *Request) { r.CustomID = id } }

// WithSystemPrompt sets the system prompt directly.
func WithSystemPrompt(s string) Option { return func(r *Request) { r.SystemPrompt = s } }

// WithModel sets the model name.
func WithModel(m string) Option { return func(r *Request) { r.Model = m } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(r *Request) { r.Temperature = &t } }

// WithMaxTokens sets the maximum number of generated tokens.
func WithMaxTokens(n int) Option { return func(r *Request) { r.MaxTokens = &n } }

// WithTopP sets nucleus sampling.
func WithTopP(p float64) Option { return func(r *Request) { r.TopP = &p } }

// WithFrequencyPenalty sets the frequency penalty.
func WithFrequencyPenalty(p float64) Option { return func(r *Request) { r.FrequencyPenalty = &p } }

// WithPresencePenalty sets the presence penalty.
func WithPresencePenalty(p float64) Option { return func(r *Request) { r.PresencePenalty = &p } }

// WithStop sets the stop sequences.
func WithStop(stop ...string) Option { return func(r *Request) { r.Stop = stop } }

// WithN sets the number of samples to generate.
func WithN(n int) Option { return func(r *Request) { r.N = &n } }

// WithMetadata sets free-form request metadata.
func WithMetadata(md map[string]any) Option {
	return func(r *Request) { r.Metadata = maps.Clone(md) }
}

// New builds a Request from messages. The custom id defaults to
// "request-<uuid>". A system message is hoisted into SystemPrompt; a second
// system prompt yields ErrMultipleSystemMessages.
func New(messages []message.Message, opts ...Option) (Request, error) {
	r := Request{
		CustomID: "request-" + uuid.NewString(),
		Messages: messages,
	}

	for _, opt := range opts {
		opt(&r)
	}

	if err := r.hoistSystem(); err != nil {
		return Request{}, err
	}

	return r, nil
}

// hoistSystem moves the system message, if any, into SystemPrompt.
func (r *Request) hoistSystem() error {
	thread := make([]message.Message, 0, len(r.Messages))
	seen := r.SystemPrompt != ""

	for _, m := range r.Messages {
		if m.Role != role.System {
			thread = append(thread, m)
			continue
		}

		if seen {
			return fmt.Errorf("%w (custom_id %q)", ErrMultipleSystemMessages, r.CustomID)
		}

		seen = true
		r.SystemPrompt = m.TextContent()
	}

	r.Messages = thread

	return nil
}

// UnmarshalJSON decodes a request and applies system-message hoisting, so a
// hand-written requests file behaves like one built with New.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	*r = Request(p)
	if r.Messages == nil {
		r.Messages = []message.Message{}
	}

	return r.hoistSystem()
}

// Decode parses one stored request line and applies overrides on top of it.
// Override keys replace the stored value for the same key; a null override
// clears the field.
func Decode(line []byte, overrides map[string]any) (Request, error) {
	if len(overrides) == 0 {
		var r Request
		if err := json.Unmarshal(line, &r); err != nil {
			return Request{}, fmt.Errorf("request: decode: %w", err)
		}

		return r, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return Request{}, fmt.Errorf("request: decode: %w", err)
	}

	if fields == nil {
		fields = make(map[string]any, len(overrides))
	}

	maps.Copy(fields, overrides)

	merged, err := json.Marshal(fields)
	if err != nil {
		return Request{}, fmt.Errorf("request: merge overrides: %w", err)
	}

	var r Request
	if err := json.Unmarshal(merged, &r); err != nil {
		return Request{}, fmt.Errorf("request: apply overrides: %w", err)
	}

	return r, nil
}

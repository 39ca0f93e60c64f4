// Package result defines the normalized Result every backend converts its raw
// result records into.
package result

import "github.com/germanamz/batchman/pkg/chats/message"

// Choice is one completion returned for a request.
type Choice struct {
	Message      message.Message `json:"message"`
	FinishReason string          `json:"finish_reason"`
	Index        int             `json:"index"`
}

// Result is the outcome of one request, correlated by CustomID. A request that
// failed remotely has no choices and a non-empty Error.
type Result struct {
	CustomID string         `json:"custom_id"`
	Choices  []Choice       `json:"choices"`
	Model    string         `json:"model,omitempty"`
	Usage    map[string]any `json:"usage,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Failed reports whether the request failed remotely.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Text returns the text of the first choice, or "" when there is none.
func (r Result) Text() string {
	if len(r.Choices) == 0 {
		return ""
	}

	return r.Choices[0].Message.TextContent()
}

// Errored creates the Result of a request that failed remotely.
func Errored(customID, reason string) Result {
	return Result{CustomID: customID, Choices: []Choice{}, Error: reason}
}

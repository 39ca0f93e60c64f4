package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/germanamz/batchman/pkg/chats/message"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/result"
	"github.com/germanamz/batchman/pkg/result/usage"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefghij", 5))
	assert.Equal(t, "日本…", truncate("日本語テキスト", 5))
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]row{
		{uniqueID: "u1", name: "demo", status: lifecycle.InProgress, provider: "openai", remoteID: "batch_1"},
	})

	for _, h := range tableHeaders {
		assert.Contains(t, out, h)
	}
	assert.Contains(t, out, "batch_1")
	assert.Contains(t, out, "in_progress")
}

func TestResultsMarkdown(t *testing.T) {
	md := resultsMarkdown([]result.Result{
		{
			CustomID: "r1",
			Model:    "m",
			Choices: []result.Choice{
				{Message: message.Assistant("first"), FinishReason: "stop", Index: 0},
				{Message: message.Assistant("second"), FinishReason: "length", Index: 1},
			},
		},
		result.Errored("r2", "boom"),
	})

	assert.Contains(t, md, "## r1")
	assert.Contains(t, md, "*m*")
	assert.Contains(t, md, "**choice 1** (length)")
	assert.Contains(t, md, "second")
	assert.Contains(t, md, "## r2")
	assert.Contains(t, md, "> **error:** boom")
}

func TestUsageLine(t *testing.T) {
	var tr usage.Tracker
	tr.AddMap(map[string]any{"input_tokens": float64(3), "output_tokens": float64(4)})
	tr.AddMap(map[string]any{})

	assert.Contains(t, usageLine(2, &tr), "2 result(s), 1 with usage, tokens: 3 in, 4 out, 7 total")
}

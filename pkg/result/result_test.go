package result

import (
	"encoding/json"
	"testing"

	"github.com/germanamz/batchman/pkg/chats/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_Text(t *testing.T) {
	r := Result{CustomID: "a", Choices: []Choice{
		{Message: message.Assistant("first"), FinishReason: "stop", Index: 0},
		{Message: message.Assistant("second"), FinishReason: "stop", Index: 1},
	}}

	assert.Equal(t, "first", r.Text())
	assert.False(t, r.Failed())
}

func TestErrored(t *testing.T) {
	r := Errored("a", "boom")

	assert.True(t, r.Failed())
	assert.Empty(t, r.Choices)
	assert.Empty(t, r.Text())
}

func TestChoice_DecodesNullContent(t *testing.T) {
	var c Choice
	require.NoError(t, json.Unmarshal([]byte(`{"message":{"role":"assistant","content":null,"refusal":"no"},"finish_reason":"stop","index":0,"logprobs":null}`), &c))

	assert.Equal(t, "stop", c.FinishReason)
	assert.Empty(t, c.Message.TextContent())
}

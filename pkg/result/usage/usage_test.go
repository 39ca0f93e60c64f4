package usage_test

import (
	"sync"
	"testing"

	"github.com/germanamz/batchman/pkg/result/usage"
	"github.com/stretchr/testify/assert"
)

func TestTokenCount_Total(t *testing.T) {
	tc := usage.TokenCount{InputTokens: 100, OutputTokens: 50}
	assert.Equal(t, 150, tc.Total())
}

func TestFromMap_OpenAIVocabulary(t *testing.T) {
	tc, ok := usage.FromMap(map[string]any{"prompt_tokens": float64(12), "completion_tokens": float64(30), "total_tokens": float64(42)})
	assert.True(t, ok)
	assert.Equal(t, usage.TokenCount{InputTokens: 12, OutputTokens: 30}, tc)
}

func TestFromMap_AnthropicVocabulary(t *testing.T) {
	tc, ok := usage.FromMap(map[string]any{"input_tokens": float64(7), "output_tokens": float64(3)})
	assert.True(t, ok)
	assert.Equal(t, usage.TokenCount{InputTokens: 7, OutputTokens: 3}, tc)
}

func TestFromMap_Unknown(t *testing.T) {
	_, ok := usage.FromMap(map[string]any{"tokens": 1})
	assert.False(t, ok)

	_, ok = usage.FromMap(nil)
	assert.False(t, ok)
}

func TestTracker_AddMap(t *testing.T) {
	var tr usage.Tracker

	tr.AddMap(map[string]any{"prompt_tokens": float64(10), "completion_tokens": float64(5)})
	tr.AddMap(nil)
	tr.AddMap(map[string]any{"input_tokens": float64(1), "output_tokens": float64(2)})

	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, usage.TokenCount{InputTokens: 11, OutputTokens: 7}, tr.Total())
}

func TestTracker_ConcurrentAdd(t *testing.T) {
	var tr usage.Tracker
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Add(usage.TokenCount{InputTokens: 1, OutputTokens: 1})
		}()
	}

	wg.Wait()

	assert.Equal(t, 50, tr.Count())
	assert.Equal(t, 100, tr.Total().Total())
}

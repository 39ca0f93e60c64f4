package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{Initializing, Validating, Registered, InProgress, Completed, Cancelled, Failed, Downloaded} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("finalizing").Valid())
}

func TestStatus_Pending(t *testing.T) {
	assert.True(t, Validating.Pending())
	assert.True(t, Registered.Pending())
	assert.True(t, InProgress.Pending())
	assert.False(t, Initializing.Pending())
	assert.False(t, Completed.Pending())
	assert.False(t, Cancelled.Pending())
	assert.False(t, Downloaded.Pending())
}

func TestParseCompletionWindow(t *testing.T) {
	w, err := ParseCompletionWindow("")
	require.NoError(t, err)
	assert.Equal(t, Hours24, w)

	w, err = ParseCompletionWindow("72h")
	require.NoError(t, err)
	assert.Equal(t, Hours72, w)

	_, err = ParseCompletionWindow("1h")
	assert.ErrorContains(t, err, "invalid completion window")
}

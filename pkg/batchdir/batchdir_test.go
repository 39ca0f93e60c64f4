package batchdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AbsolutePath(t *testing.T) {
	d := New("relative/batch-x-1")
	assert.True(t, filepath.IsAbs(d.Root()))
}

func TestFor_Layout(t *testing.T) {
	root := t.TempDir()
	d := For(root, "nightly", "u1")

	assert.Equal(t, filepath.Join(root, "batch-nightly-u1"), d.Root())
	assert.Equal(t, "batch-nightly-u1", d.Base())
	assert.Equal(t, filepath.Join(d.Root(), "batch_params.json"), d.ParamsPath())
	assert.Equal(t, filepath.Join(d.Root(), "batch_metadata.json"), d.MetadataPath())
	assert.Equal(t, filepath.Join(d.Root(), "global_request_params.json"), d.GlobalParamsPath())
	assert.Equal(t, filepath.Join(d.Root(), "requests.jsonl"), d.RequestsPath())
	assert.Equal(t, filepath.Join(d.Root(), "remote_states.jsonl"), d.RemoteStatesPath())
	assert.Equal(t, filepath.Join(d.Root(), "remote_requests.jsonl"), d.RemoteRequestsPath())
	assert.Equal(t, filepath.Join(d.Root(), "remote_results.jsonl"), d.RemoteResultsPath())
	assert.Len(t, d.Paths(), 7)
}

func TestExistsAndHasResults(t *testing.T) {
	d := For(t.TempDir(), "b", "u1")
	assert.False(t, d.Exists())
	assert.False(t, d.HasResults())

	require.NoError(t, os.Mkdir(d.Root(), 0o750))
	assert.True(t, d.Exists())
	assert.False(t, d.HasResults())

	require.NoError(t, os.WriteFile(d.RemoteResultsPath(), nil, 0o600))
	assert.True(t, d.HasResults())
}

func TestPattern_MatchesAnyName(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b-with-dash"} {
		require.NoError(t, os.Mkdir(For(root, name, "u1").Root(), 0o750))
	}
	require.NoError(t, os.Mkdir(For(root, "c", "u2").Root(), 0o750))

	matches, err := filepath.Glob(Pattern(root, "u1"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestPattern_EscapesMetacharacters(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(For(root, "a", "u1").Root(), 0o750))

	matches, err := filepath.Glob(Pattern(root, "u?"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

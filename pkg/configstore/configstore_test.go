package configstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "nested", "configs.jsonl"))
	require.NoError(t, err)

	return s
}

func TestNew_CreatesFile(t *testing.T) {
	s := newStore(t)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestHash_KnownValues(t *testing.T) {
	h, err := Hash(Config{APIKey: "sk-test", URL: "https://x"})
	require.NoError(t, err)
	assert.Equal(t, "4579b11a88b89559", h)

	h, err = Hash(Config{APIKey: "sk-test", Kwargs: map[string]any{"b": 1, "a": []any{true, nil, "é"}}})
	require.NoError(t, err)
	assert.Equal(t, "ad52a34b671719c4", h)
}

func TestHash_KeyOrderIndependent(t *testing.T) {
	a := Config{Kwargs: map[string]any{"org": "o", "timeout": 30, "nested": map[string]any{"x": 1, "y": 2}}}
	b := Config{Kwargs: map[string]any{"nested": map[string]any{"y": 2, "x": 1}, "timeout": 30.0, "org": "o"}}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, HashLen)
}

func TestHash_DistinguishesContent(t *testing.T) {
	ha, err := Hash(Config{APIKey: "a"})
	require.NoError(t, err)
	hb, err := Hash(Config{APIKey: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestStore_Idempotent(t *testing.T) {
	s := newStore(t)
	cfg := Config{APIKey: "k", URL: "https://api"}

	h1, err := s.Store(cfg)
	require.NoError(t, err)
	h2, err := s.Store(cfg)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestStore_GetRoundTrip(t *testing.T) {
	s := newStore(t)
	cfg := Config{APIKey: "k", Kwargs: map[string]any{"timeout": 30.0}}

	h, err := s.Store(cfg)
	require.NoError(t, err)

	got, ok, err := s.Get(h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg, got)

	again, err := Hash(got)
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

func TestStore_GetMissing(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.Get("0000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Remove(t *testing.T) {
	s := newStore(t)

	h1, err := s.Store(Config{APIKey: "one"})
	require.NoError(t, err)
	h2, err := s.Store(Config{APIKey: "two"})
	require.NoError(t, err)

	require.NoError(t, s.Remove(h1))
	require.NoError(t, s.Remove("unknown"))

	_, ok, err := s.Get(h1)
	require.NoError(t, err)
	assert.False(t, ok)

	hashes, err := s.Hashes()
	require.NoError(t, err)
	assert.Equal(t, []string{h2}, hashes)
}

func TestStore_EmptyKwargsRoundTrip(t *testing.T) {
	s := newStore(t)

	h, err := s.Store(Config{APIKey: "k", Kwargs: map[string]any{}})
	require.NoError(t, err)

	got, ok, err := s.Get(h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, got.Kwargs)

	again, err := Hash(got)
	require.NoError(t, err)
	assert.Equal(t, h, again)

	stored, err := s.Store(got)
	require.NoError(t, err)
	assert.Equal(t, h, stored)

	hashes, err := s.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestStore_CorruptFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{oops\n"), 0o600))

	_, _, err := s.Get("x")
	assert.Error(t, err)
}

func TestClone_DoesNotShareKwargs(t *testing.T) {
	c := Config{Kwargs: map[string]any{"a": 1}}
	d := c.Clone()
	d.Kwargs["a"] = 2

	assert.Equal(t, 1, c.Kwargs["a"])
}

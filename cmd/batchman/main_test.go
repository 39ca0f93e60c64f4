package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/batchman/pkg/batch"
	"github.com/germanamz/batchman/pkg/batcher"
	"github.com/germanamz/batchman/pkg/chats/message"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/provider/providertest"
	"github.com/germanamz/batchman/pkg/request"
)

type testEnv struct {
	dir     string
	cfgPath string
	fake    *providertest.Fake
	batcher *batcher.Batcher
	confirm bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	storePath := filepath.Join(dir, "configs.jsonl")
	batches := filepath.Join(dir, "batches")

	cfgPath := filepath.Join(dir, "batchman.yaml")
	cfg := fmt.Sprintf("batches_dir: %s\nconfig_store: %s\nlog:\n  level: error\n  file: \"\"\n", batches, storePath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	store, err := configstore.New(storePath)
	require.NoError(t, err)

	fake := providertest.New()
	reg := provider.NewRegistry(store, nil)
	reg.Discover(fake.Loader())

	b, err := batcher.New(batches, reg, nil)
	require.NoError(t, err)

	return &testEnv{dir: dir, cfgPath: cfgPath, fake: fake, batcher: b}
}

func (e *testEnv) run(args ...string) (string, string, error) {
	d := deps{
		loaders: func([]string) []provider.Loader { return []provider.Loader{e.fake.Loader()} },
		confirm: func(string) (bool, error) { return e.confirm, nil },
	}

	cmd := newRootCmd(d)

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--env", filepath.Join(e.dir, "missing.env")}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), errOut.String(), err
}

func (e *testEnv) editable(t *testing.T, uid string) *batch.Editable {
	t.Helper()

	ed, err := e.batcher.CreateBatch("demo", batch.CreateOptions{UniqueID: uid, Provider: providertest.Name})
	require.NoError(t, err)

	r, err := request.New([]message.Message{message.User("hi")}, request.WithCustomID("req-1"))
	require.NoError(t, err)
	require.NoError(t, ed.AddRequests(r))

	return ed
}

func (e *testEnv) uploaded(t *testing.T, uid string) *batch.Uploaded {
	t.Helper()

	u, err := e.editable(t, uid).Upload(context.Background())
	require.NoError(t, err)

	return u
}

func TestProviders(t *testing.T) {
	e := newTestEnv(t)

	out, _, err := e.run("providers")
	require.NoError(t, err)
	assert.Contains(t, out, providertest.Name)
	assert.Contains(t, out, "(0 config(s))")

	e.editable(t, "p1")

	out, _, err = e.run("providers")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(e.dir, "configs.jsonl"))
	assert.Contains(t, out, "(1 config(s))")
}

func TestList_Empty(t *testing.T) {
	e := newTestEnv(t)

	out, _, err := e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "no batches")
}

func TestList_SyncsAndDownloads(t *testing.T) {
	e := newTestEnv(t)
	e.editable(t, "ed1")
	e.uploaded(t, "up1")
	e.fake.SetRemoteStatus("completed")

	out, errOut, err := e.run("list")
	require.NoError(t, err)
	assert.Empty(t, errOut)

	assert.Contains(t, out, "Local ID")
	assert.Contains(t, out, "ed1")
	assert.Contains(t, out, "initializing")
	assert.Contains(t, out, "remote-up1")
	assert.Contains(t, out, "up1 (demo): registered -> downloaded")
}

func TestList_NoSync(t *testing.T) {
	e := newTestEnv(t)
	e.uploaded(t, "up1")

	out, _, err := e.run("list", "--no-sync")
	require.NoError(t, err)
	assert.Contains(t, out, "registered")
	assert.Equal(t, 0, e.fake.CallCount("sync"))
}

func TestCancel(t *testing.T) {
	e := newTestEnv(t)
	e.uploaded(t, "up1")

	out, _, err := e.run("cancel", "up1")
	require.NoError(t, err)
	assert.Contains(t, out, "now cancelled")

	out, _, err = e.run("cancel", "up1")
	require.NoError(t, err)
	assert.Contains(t, out, "already cancelled")
}

func TestCancel_Editable(t *testing.T) {
	e := newTestEnv(t)
	e.editable(t, "ed1")

	_, _, err := e.run("cancel", "ed1")
	require.ErrorIs(t, err, batch.ErrIllegalState)
}

func TestCancel_NotFound(t *testing.T) {
	e := newTestEnv(t)

	_, _, err := e.run("cancel", "nope")
	require.ErrorIs(t, err, batch.ErrNotFound)
}

func TestDownloadAndResults(t *testing.T) {
	e := newTestEnv(t)
	e.uploaded(t, "up1")

	_, _, err := e.run("results", "up1")
	require.ErrorIs(t, err, batch.ErrIllegalState)

	e.fake.SetRemoteStatus("completed")

	out, _, err := e.run("download", "up1")
	require.NoError(t, err)
	assert.Contains(t, out, "results saved to")

	out, _, err = e.run("download", "up1")
	require.NoError(t, err)
	assert.Contains(t, out, "already downloaded")

	out, _, err = e.run("results", "up1", "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, "## req-1")
	assert.Contains(t, out, "echo: hi")
	assert.Contains(t, out, "1 result(s), 1 with usage, tokens: 1 in, 2 out, 3 total")
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	ed := e.editable(t, "ed1")

	out, _, err := e.run("delete", "ed1")
	require.NoError(t, err)
	assert.Contains(t, out, "kept")
	assert.DirExists(t, ed.Dir().Root())

	out, _, err = e.run("delete", "ed1", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")
	assert.NoDirExists(t, ed.Dir().Root())
}

func TestDelete_Confirmed(t *testing.T) {
	e := newTestEnv(t)
	e.confirm = true
	ed := e.editable(t, "ed1")

	_, _, err := e.run("delete", "ed1")
	require.NoError(t, err)
	assert.NoDirExists(t, ed.Dir().Root())
}

func TestPaths(t *testing.T) {
	e := newTestEnv(t)
	ed := e.editable(t, "ed1")

	out, _, err := e.run("paths", "ed1", "--name", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, ed.Dir().Root())
	assert.Contains(t, out, ed.Dir().ParamsPath())
	assert.Contains(t, out, ed.Dir().RequestsPath())
}

func TestInvalidConfig(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(e.cfgPath, []byte("log:\n  level: loud\n"), 0o600))

	_, _, err := e.run("providers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BATCHMAN_DOTENV_TEST=from-file\n"), 0o600))

	t.Setenv("BATCHMAN_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("BATCHMAN_DOTENV_TEST"))

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("BATCHMAN_DOTENV_TEST"))
}

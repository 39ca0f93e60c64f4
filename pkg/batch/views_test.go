package batch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/germanamz/batchman/pkg/batch"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadedBatch(t *testing.T, env batch.Env) *batch.Uploaded {
	t.Helper()

	e, err := batch.Create(env, "b", batch.CreateOptions{UniqueID: "u1", Provider: providertest.Name})
	require.NoError(t, err)
	require.NoError(t, e.AddRequests(userRequest(t, "a", "hello"), userRequest(t, "b", "world")))

	u, err := e.Upload(context.Background())
	require.NoError(t, err)

	return u
}

func TestUpload_WithoutProviderFailsBeforeNetwork(t *testing.T) {
	env, fake := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{})
	require.NoError(t, err)

	_, err = e.Upload(context.Background())
	require.ErrorIs(t, err, batch.ErrIllegalState)
	assert.Empty(t, fake.Calls)
}

func TestUpload_RecordsRemoteID(t *testing.T) {
	env, fake := newEnv(t)

	u := uploadedBatch(t, env)

	assert.Equal(t, batch.StageUploaded, u.Stage())

	id, err := u.RemoteID()
	require.NoError(t, err)
	assert.Equal(t, "remote-u1", id)

	status, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Registered, status)

	assert.FileExists(t, u.Dir().RemoteRequestsPath())
	assert.Equal(t, 1, fake.CallCount("upload"))
	assert.Equal(t, 2, fake.CallCount("validate"))
}

func TestUpload_AgainIsNoop(t *testing.T) {
	env, fake := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)

	_, err = e.Upload(context.Background())
	require.NoError(t, err)

	u, err := e.Upload(context.Background())
	require.NoError(t, err)
	assert.Same(t, e.Batch, u.Batch)
	assert.Equal(t, 1, fake.CallCount("upload"))
}

func TestUpload_AggregatesValidationFailures(t *testing.T) {
	env, fake := newEnv(t)
	fake.Invalid = map[string]string{"a": "missing model", "c": "bad stop"}

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)
	require.NoError(t, e.AddRequests(userRequest(t, "a", "1"), userRequest(t, "b", "2"), userRequest(t, "c", "3")))

	_, err = e.Upload(context.Background())

	var ve *batch.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, batch.ErrValidation)
	require.Len(t, ve.Failures, 2)
	assert.Equal(t, "a", ve.Failures[0].CustomID)
	assert.Equal(t, "c", ve.Failures[1].CustomID)
	assert.Zero(t, fake.CallCount("upload"))
}

func TestUpload_EmptyRemoteIDIsFatal(t *testing.T) {
	env, fake := newEnv(t)
	fake.EmptyRemoteID = true

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)

	_, err = e.Upload(context.Background())
	assert.ErrorIs(t, err, batch.ErrNoRemoteID)
}

func TestUpload_BackendError(t *testing.T) {
	env, fake := newEnv(t)
	fake.Errs = map[string]error{"upload": errors.New("503")}

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)

	_, err = e.Upload(context.Background())

	var be *provider.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "upload", be.Op)
}

func TestEditable_StaleAfterUpload(t *testing.T) {
	env, _ := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)
	_, err = e.Upload(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, e.AddRequests(userRequest(t, "x", "late")), batch.ErrIllegalState)
	assert.ErrorIs(t, e.AddMetadata(map[string]any{"a": 1}), batch.ErrIllegalState)
	assert.ErrorIs(t, e.OverrideRequestParams(map[string]any{"model": "m"}), batch.ErrIllegalState)
	assert.ErrorIs(t, e.SetProvider(context.Background(), providertest.Name, nil, false), batch.ErrIllegalState)
}

func TestOverrideRequestParams_RejectsIdentityKeys(t *testing.T) {
	env, _ := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{})
	require.NoError(t, err)

	assert.Error(t, e.OverrideRequestParams(map[string]any{"custom_id": "x"}))
	assert.Error(t, e.OverrideRequestParams(map[string]any{"messages": []any{}}))
}

func TestSetProvider(t *testing.T) {
	env, _ := newEnv(t)
	ctx := context.Background()

	e, err := batch.Create(env, "b", batch.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.AddRequests(userRequest(t, "a", "1")))

	require.NoError(t, e.SetProvider(ctx, providertest.Name, &configstore.Config{APIKey: "k"}, true))

	p, err := e.ResolveProvider()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "k", p.Config().APIKey)

	err = e.SetProvider(ctx, providertest.Name, nil, false)
	assert.ErrorIs(t, err, batch.ErrIllegalState)
}

func TestSetProvider_Unknown(t *testing.T) {
	env, _ := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{})
	require.NoError(t, err)

	err = e.SetProvider(context.Background(), "nope", nil, true)
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestSetProvider_PrevalidationFailureKeepsBinding(t *testing.T) {
	env, fake := newEnv(t)
	fake.Invalid = map[string]string{"a": "no model"}

	e, err := batch.Create(env, "b", batch.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.AddRequests(userRequest(t, "a", "1")))

	err = e.SetProvider(context.Background(), providertest.Name, nil, true)
	require.ErrorIs(t, err, batch.ErrValidation)

	params, err := e.Params()
	require.NoError(t, err)
	assert.Equal(t, providertest.Name, params.Provider.Name)
}

func TestPrevalidate_UnregisteredProvider(t *testing.T) {
	env, _ := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)

	other := batch.Env{Root: env.Root, Registry: provider.NewRegistry(env.Registry.Store(), nil)}
	b, err := batch.Load(other, e.Dir().Root())
	require.NoError(t, err)

	err = (&batch.Editable{Batch: b}).PrevalidateRequests(context.Background())
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	status, err := b.Status()
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Initializing, status)
}

func TestUploaded_SyncAppendsSnapshot(t *testing.T) {
	env, fake := newEnv(t)
	u := uploadedBatch(t, env)
	ctx := context.Background()

	require.NoError(t, u.Sync(ctx))
	require.NoError(t, u.Sync(ctx))

	states, err := u.RemoteStates()
	require.NoError(t, err)
	assert.Len(t, states, 3)

	status, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, lifecycle.InProgress, status)
	assert.Equal(t, 2, fake.CallCount("sync"))
}

func TestUploaded_CancelResyncs(t *testing.T) {
	env, fake := newEnv(t)
	u := uploadedBatch(t, env)

	require.NoError(t, u.Cancel(context.Background()))

	status, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Cancelled, status)
	assert.Equal(t, 1, fake.CallCount("cancel"))
	assert.Equal(t, 1, fake.CallCount("sync"))
}

func TestUploaded_DownloadBeforeCompletion(t *testing.T) {
	env, fake := newEnv(t)
	u := uploadedBatch(t, env)

	_, err := u.Download(context.Background())
	require.ErrorIs(t, err, batch.ErrIllegalState)
	assert.Zero(t, fake.CallCount("download"))
}

func TestUploaded_DownloadAndResults(t *testing.T) {
	env, fake := newEnv(t)
	u := uploadedBatch(t, env)
	fake.SetRemoteStatus("completed")

	d, err := u.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, batch.StageDownloaded, d.Stage())

	status, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Downloaded, status)

	results, err := d.Results()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].CustomID)
	assert.Equal(t, "echo: hello", results[0].Text())
}

func TestDownloaded_ResultsRequireDownloadedStatus(t *testing.T) {
	env, _ := newEnv(t)
	u := uploadedBatch(t, env)

	_, err := (&batch.Downloaded{Batch: u.Batch}).Results()
	assert.ErrorIs(t, err, batch.ErrIllegalState)
}

func TestUploaded_SyncRequiresUpload(t *testing.T) {
	env, _ := newEnv(t)

	e, err := batch.Create(env, "b", batch.CreateOptions{Provider: providertest.Name})
	require.NoError(t, err)

	err = (&batch.Uploaded{Batch: e.Batch}).Sync(context.Background())
	assert.ErrorIs(t, err, batch.ErrIllegalState)
}

func TestClassify(t *testing.T) {
	env, fake := newEnv(t)
	ctx := context.Background()

	e, err := batch.Create(env, "b", batch.CreateOptions{UniqueID: "u1", Provider: providertest.Name})
	require.NoError(t, err)

	v, err := batch.Classify(e.Batch)
	require.NoError(t, err)
	assert.Equal(t, batch.StageEditable, v.Stage())
	assert.Same(t, e.Batch, v.Core())

	u, err := e.Upload(ctx)
	require.NoError(t, err)

	v, err = batch.Classify(u.Batch)
	require.NoError(t, err)
	assert.IsType(t, &batch.Uploaded{}, v)

	fake.SetRemoteStatus("completed")
	_, err = u.Download(ctx)
	require.NoError(t, err)

	reloaded, err := batch.Open(env, "b", "u1")
	require.NoError(t, err)

	v, err = batch.Classify(reloaded)
	require.NoError(t, err)
	assert.IsType(t, &batch.Downloaded{}, v)
}

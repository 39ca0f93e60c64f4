// Package providertest provides a scriptable in-memory provider for tests of
// the layers above the backends.
package providertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/germanamz/batchman/pkg/chats/message"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/request"
	"github.com/germanamz/batchman/pkg/result"
)

// Name is the registry name Fake uses unless overridden.
const Name = "fake"

var _ provider.Provider = (*Fake)(nil)

// State is the remote-state snapshot shape Fake records.
type State struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Fake is a provider whose remote side is a status string set by the test.
// Every call is recorded in Calls.
type Fake struct {
	mu sync.Mutex

	ProviderName string
	Cfg          configstore.Config
	// Invalid maps custom ids to the validation failure reported for them.
	Invalid map[string]string
	// RemoteStatus is what the next sync reports. Defaults to "in_progress".
	RemoteStatus string
	// EmptyRemoteID makes UploadBatch return "".
	EmptyRemoteID bool
	// Errs maps an operation name (upload, cancel, sync, download) to the
	// error it returns.
	Errs map[string]error

	Calls  []string
	Builds int
}

// New creates a Fake named Name.
func New() *Fake {
	return &Fake{ProviderName: Name}
}

// Factory returns a provider.Factory that always yields f, recording the
// config it was built with.
func (f *Fake) Factory() provider.Factory {
	return func(cfg *configstore.Config, _ *slog.Logger) (provider.Provider, error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.Builds++
		f.Cfg = provider.ResolveConfig(f.name(), cfg)

		return f, nil
	}
}

// Loader returns a provider.Loader registering f.
func (f *Fake) Loader() provider.Loader {
	return func() (string, provider.Factory, error) {
		return f.name(), f.Factory(), nil
	}
}

// SetRemoteStatus changes what the next sync reports.
func (f *Fake) SetRemoteStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RemoteStatus = status
}

// CallCount returns how many times op was called.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}

	return n
}

func (f *Fake) name() string {
	if f.ProviderName == "" {
		return Name
	}

	return f.ProviderName
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, op)

	return f.Errs[op]
}

func (f *Fake) Name() string { return f.name() }

func (f *Fake) Config() configstore.Config {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Cfg.Clone()
}

func (f *Fake) ValidateRequest(_ context.Context, req request.Request) error {
	if err := f.record("validate"); err != nil {
		return err
	}

	f.mu.Lock()
	reason, bad := f.Invalid[req.CustomID]
	f.mu.Unlock()

	if bad {
		return errors.New(reason)
	}

	return nil
}

func (f *Fake) UploadBatch(_ context.Context, b provider.Batch) (string, error) {
	if err := f.record("upload"); err != nil {
		return "", provider.Wrap(f.name(), "upload", err)
	}

	reqs, err := b.Requests()
	if err != nil {
		return "", err
	}

	raw := make([]json.RawMessage, 0, len(reqs))
	for _, r := range reqs {
		line, err := json.Marshal(r)
		if err != nil {
			return "", err
		}
		raw = append(raw, line)
	}

	if err := b.SaveRemoteRequests(raw); err != nil {
		return "", err
	}

	id := "remote-" + b.UniqueID()
	if err := f.appendState(b, id, "registered"); err != nil {
		return "", err
	}

	if f.EmptyRemoteID {
		return "", nil
	}

	return id, nil
}

func (f *Fake) CancelBatch(_ context.Context, b provider.Batch) error {
	if err := f.record("cancel"); err != nil {
		return provider.Wrap(f.name(), "cancel", err)
	}

	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	f.SetRemoteStatus("cancelled")

	return f.appendState(b, id, "cancelled")
}

func (f *Fake) SyncBatch(_ context.Context, b provider.Batch) error {
	if err := f.record("sync"); err != nil {
		return provider.Wrap(f.name(), "sync", err)
	}

	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	f.mu.Lock()
	status := f.RemoteStatus
	f.mu.Unlock()

	if status == "" {
		status = "in_progress"
	}

	return f.appendState(b, id, status)
}

func (f *Fake) DownloadBatchResults(_ context.Context, b provider.Batch) error {
	if err := f.record("download"); err != nil {
		return provider.Wrap(f.name(), "download", err)
	}

	reqs, err := b.Requests()
	if err != nil {
		return err
	}

	raw := make([]json.RawMessage, 0, len(reqs))
	for _, r := range reqs {
		res := result.Result{
			CustomID: r.CustomID,
			Choices: []result.Choice{{
				Message:      message.Assistant("echo: " + lastText(r)),
				FinishReason: "stop",
			}},
			Model: r.Model,
			Usage: map[string]any{"prompt_tokens": 1, "completion_tokens": 2},
		}

		line, err := json.Marshal(res)
		if err != nil {
			return err
		}
		raw = append(raw, line)
	}

	return b.SaveRemoteResults(raw)
}

func (f *Fake) ConvertBatchStatus(state json.RawMessage) (lifecycle.Status, error) {
	var s State
	if err := json.Unmarshal(state, &s); err != nil {
		return "", fmt.Errorf("fake: parse state: %w", err)
	}

	switch s.Status {
	case "validating":
		return lifecycle.Validating, nil
	case "registered":
		return lifecycle.Registered, nil
	case "in_progress":
		return lifecycle.InProgress, nil
	case "completed":
		return lifecycle.Completed, nil
	case "cancelled":
		return lifecycle.Cancelled, nil
	case "failed":
		return lifecycle.Failed, nil
	default:
		return "", provider.UnknownStatus(f.name(), s.Status)
	}
}

func (f *Fake) ConvertBatchResult(record json.RawMessage) (result.Result, error) {
	var r result.Result
	if err := json.Unmarshal(record, &r); err != nil {
		return result.Result{}, fmt.Errorf("fake: parse result: %w", err)
	}

	return r, nil
}

func (f *Fake) appendState(b provider.Batch, id, status string) error {
	state, err := json.Marshal(State{ID: id, Status: status})
	if err != nil {
		return err
	}

	return b.AppendRemoteState(state)
}

func lastText(r request.Request) string {
	if len(r.Messages) == 0 {
		return ""
	}

	return r.Messages[len(r.Messages)-1].TextContent()
}

// Package batch implements the persistent batch entity and its three
// lifecycle views.
//
// A batch lives in one directory. Its status is never stored: it is derived
// from the latest remote-state snapshot, the bound provider's status mapping
// and whether the results artifact exists. The views (Editable, Uploaded,
// Downloaded) gate which operations are available and are produced by
// Classify or by the transitions themselves.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/germanamz/batchman/pkg/batchdir"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/jsonfile"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/request"
)

var _ provider.Batch = (*Batch)(nil)

// Env carries what every batch needs: the root holding batch directories,
// the provider registry and a logger.
type Env struct {
	Root     string
	Registry *provider.Registry
	Log      *slog.Logger
}

func (e Env) logger() *slog.Logger { return provider.Logger(e.Log) }

// Binding references a provider by name and stored config hash. An empty
// ConfigHash means the provider's environment defaults.
type Binding struct {
	Name       string `json:"name"`
	ConfigHash string `json:"config_hash"`
}

// Bound reports whether a provider name is set.
func (b Binding) Bound() bool { return b.Name != "" }

// Params is the content of batch_params.json.
type Params struct {
	Name             string                     `json:"name"`
	UniqueID         string                     `json:"unique_id"`
	Provider         Binding                    `json:"provider"`
	RemoteID         string                     `json:"remote_id,omitempty"`
	CompletionWindow lifecycle.CompletionWindow `json:"completion_window"`
}

// CreateOptions configures Create. Every field is optional.
type CreateOptions struct {
	// UniqueID defaults to a random UUID.
	UniqueID string
	// Provider binds the batch at creation. It must be registered.
	Provider string
	// Config is the provider config. Nil selects the provider defaults.
	Config *configstore.Config
	// CompletionWindow defaults to lifecycle.DefaultCompletionWindow.
	CompletionWindow lifecycle.CompletionWindow
}

// Batch is the persistent entity. It is safe for concurrent use within one
// process.
type Batch struct {
	env      Env
	dir      batchdir.Dir
	name     string
	uniqueID string
	window   lifecycle.CompletionWindow

	mu   sync.Mutex
	prov provider.Provider
}

// Create makes the directory of batch (name, opts.UniqueID) and writes its
// initial parameter files. It fails with ErrCollision if the directory
// already exists.
func Create(env Env, name string, opts CreateOptions) (*Editable, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	uid := opts.UniqueID
	if uid == "" {
		uid = uuid.NewString()
	}
	if err := validName(uid); err != nil {
		return nil, err
	}

	window := opts.CompletionWindow
	if window == "" {
		window = lifecycle.DefaultCompletionWindow
	}
	if _, err := lifecycle.ParseCompletionWindow(string(window)); err != nil {
		return nil, fmt.Errorf("batch: create: %w", err)
	}

	var binding Binding
	if opts.Provider != "" {
		hash, err := env.Registry.ConfigHash(opts.Provider, opts.Config)
		if err != nil {
			return nil, fmt.Errorf("batch: create: %w", err)
		}
		binding = Binding{Name: opts.Provider, ConfigHash: hash}
	}

	dir := batchdir.For(env.Root, name, uid)
	if err := os.MkdirAll(env.Root, 0o750); err != nil {
		return nil, fmt.Errorf("batch: create root: %w", err)
	}
	if err := os.Mkdir(dir.Root(), 0o750); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrCollision, dir.Base())
		}
		return nil, fmt.Errorf("batch: create: %w", err)
	}

	params := Params{
		Name:             name,
		UniqueID:         uid,
		Provider:         binding,
		CompletionWindow: window,
	}

	empty := map[string]any{}
	for path, v := range map[string]any{
		dir.ParamsPath():       params,
		dir.MetadataPath():     empty,
		dir.GlobalParamsPath(): empty,
	} {
		if err := jsonfile.WriteJSON(path, v); err != nil {
			return nil, fmt.Errorf("batch: create: %w", err)
		}
	}

	b := &Batch{env: env, dir: dir, name: name, uniqueID: uid, window: window}
	b.log().Debug("batch created", "dir", dir.Root())

	return &Editable{Batch: b}, nil
}

// Load reconstructs the batch stored in directory. It fails with ErrNotFound
// when the directory does not exist.
func Load(env Env, directory string) (*Batch, error) {
	dir := batchdir.New(directory)
	if !dir.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, directory)
	}

	var p Params
	if err := jsonfile.ReadJSON(dir.ParamsPath(), &p); err != nil {
		return nil, fmt.Errorf("batch: load: %w", err)
	}

	if p.Name == "" || p.UniqueID == "" {
		return nil, fmt.Errorf("batch: load %s: params lack name or unique_id", dir.Base())
	}

	window := p.CompletionWindow
	if window == "" {
		window = lifecycle.DefaultCompletionWindow
	}

	return &Batch{env: env, dir: dir, name: p.Name, uniqueID: p.UniqueID, window: window}, nil
}

// Open loads the batch (name, uniqueID) under env.Root.
func Open(env Env, name, uniqueID string) (*Batch, error) {
	return Load(env, batchdir.For(env.Root, name, uniqueID).Root())
}

func validName(s string) error {
	if s == "" || strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
		return fmt.Errorf("batch: invalid name or id %q", s)
	}

	return nil
}

// Name returns the batch name.
func (b *Batch) Name() string { return b.name }

// UniqueID returns the batch unique id.
func (b *Batch) UniqueID() string { return b.uniqueID }

// CompletionWindow returns the requested completion window.
func (b *Batch) CompletionWindow() lifecycle.CompletionWindow { return b.window }

// Dir returns the batch directory layout.
func (b *Batch) Dir() batchdir.Dir { return b.dir }

func (b *Batch) String() string {
	return fmt.Sprintf("batch %s (%s)", b.name, b.uniqueID)
}

func (b *Batch) log() *slog.Logger {
	return b.env.logger().With("batch", b.name, "unique_id", b.uniqueID)
}

// Params reads batch_params.json.
func (b *Batch) Params() (Params, error) {
	var p Params
	if err := jsonfile.ReadJSON(b.dir.ParamsPath(), &p); err != nil {
		return Params{}, fmt.Errorf("batch: params: %w", err)
	}

	return p, nil
}

// Metadata returns the free-form metadata map.
func (b *Batch) Metadata() (map[string]any, error) {
	return b.readMap(b.dir.MetadataPath())
}

// GlobalRequestParams returns the overrides applied to every request on read.
func (b *Batch) GlobalRequestParams() (map[string]any, error) {
	return b.readMap(b.dir.GlobalParamsPath())
}

func (b *Batch) readMap(path string) (map[string]any, error) {
	m := map[string]any{}
	if err := jsonfile.ReadJSON(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("batch: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}

	return m, nil
}

// Requests returns every stored request with the global overrides applied.
// The merge is not persisted.
func (b *Batch) Requests() ([]request.Request, error) {
	lines, err := jsonfile.ReadJSONL(b.dir.RequestsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []request.Request{}, nil
		}
		return nil, fmt.Errorf("batch: requests: %w", err)
	}

	overrides, err := b.GlobalRequestParams()
	if err != nil {
		return nil, err
	}

	reqs := make([]request.Request, 0, len(lines))
	for i, line := range lines {
		r, err := request.Decode(line, overrides)
		if err != nil {
			return nil, fmt.Errorf("batch: request %d: %w", i+1, err)
		}
		reqs = append(reqs, r)
	}

	return reqs, nil
}

// RemoteStates returns the remote-state history, oldest first.
func (b *Batch) RemoteStates() ([]json.RawMessage, error) {
	states, err := jsonfile.ReadJSONL(b.dir.RemoteStatesPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("batch: remote states: %w", err)
	}

	return states, nil
}

func (b *Batch) latestState() (json.RawMessage, bool, error) {
	states, err := b.RemoteStates()
	if err != nil {
		return nil, false, err
	}
	if len(states) == 0 {
		return nil, false, nil
	}

	return states[len(states)-1], true, nil
}

// RemoteID returns the backend identifier, or "" when the batch has no
// remote-state snapshot yet, whatever batch_params.json says.
func (b *Batch) RemoteID() (string, error) {
	_, ok, err := b.latestState()
	if err != nil || !ok {
		return "", err
	}

	p, err := b.Params()
	if err != nil {
		return "", err
	}

	return p.RemoteID, nil
}

// Status derives the lifecycle status: Initializing without a snapshot or a
// resolvable provider, otherwise the provider's mapping of the latest
// snapshot, with Completed promoted to Downloaded once results are on disk.
func (b *Batch) Status() (lifecycle.Status, error) {
	state, ok, err := b.latestState()
	if err != nil {
		return "", err
	}
	if !ok {
		return lifecycle.Initializing, nil
	}

	p, err := b.ResolveProvider()
	if err != nil {
		return "", err
	}
	if p == nil {
		return lifecycle.Initializing, nil
	}

	status, err := p.ConvertBatchStatus(state)
	if err != nil {
		return "", fmt.Errorf("batch: status: %w", err)
	}

	if status == lifecycle.Completed && b.dir.HasResults() {
		return lifecycle.Downloaded, nil
	}

	return status, nil
}

// ResolveProvider returns the bound provider, built once and cached for the
// lifetime of b. It returns nil when no provider is bound or the bound name
// is not registered, and ErrStoreIntegrity when the recorded config hash is
// missing from the config store.
func (b *Batch) ResolveProvider() (provider.Provider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.prov != nil {
		return b.prov, nil
	}

	p, err := b.Params()
	if err != nil {
		return nil, err
	}

	binding := p.Provider
	if !binding.Bound() || !b.env.Registry.IsRegistered(binding.Name) {
		return nil, nil
	}

	var prov provider.Provider
	if binding.ConfigHash == "" {
		prov, err = b.env.Registry.New(binding.Name, nil)
	} else {
		prov, err = b.env.Registry.Resolve(binding.Name, binding.ConfigHash)
	}
	if err != nil {
		return nil, fmt.Errorf("batch: resolve provider: %w", err)
	}

	b.prov = prov

	return prov, nil
}

// requireProvider is ResolveProvider for operations that cannot proceed
// without one.
func (b *Batch) requireProvider() (provider.Provider, error) {
	p, err := b.Params()
	if err != nil {
		return nil, err
	}

	if !p.Provider.Bound() {
		return nil, fmt.Errorf("%w: no provider bound to %s", ErrIllegalState, b)
	}
	if !b.env.Registry.IsRegistered(p.Provider.Name) {
		return nil, fmt.Errorf("batch: %w: %q", provider.ErrUnknownProvider, p.Provider.Name)
	}

	return b.ResolveProvider()
}

func (b *Batch) forgetProvider() {
	b.mu.Lock()
	b.prov = nil
	b.mu.Unlock()
}

// SaveRemoteRequests overwrites the translated requests as submitted.
func (b *Batch) SaveRemoteRequests(records []json.RawMessage) error {
	if err := jsonfile.WriteJSONL(b.dir.RemoteRequestsPath(), records); err != nil {
		return fmt.Errorf("batch: save remote requests: %w", err)
	}

	return nil
}

// SaveRemoteResults overwrites the raw downloaded results.
func (b *Batch) SaveRemoteResults(records []json.RawMessage) error {
	if err := jsonfile.WriteJSONL(b.dir.RemoteResultsPath(), records); err != nil {
		return fmt.Errorf("batch: save remote results: %w", err)
	}

	return nil
}

// AppendRemoteState adds one snapshot to the remote-state history.
func (b *Batch) AppendRemoteState(state json.RawMessage) error {
	if err := jsonfile.AppendJSONL(b.dir.RemoteStatesPath(), []json.RawMessage{state}); err != nil {
		return fmt.Errorf("batch: append remote state: %w", err)
	}

	return nil
}

// CopyOptions configures Copy.
type CopyOptions struct {
	// Name defaults to the source batch name.
	Name string
	// UniqueID defaults to a random UUID.
	UniqueID string
	// KeepProvider carries the provider binding over.
	KeepProvider bool
}

// Copy forks a new editable batch holding the requests, global request
// params and metadata of b, and optionally its provider binding. Remote
// state and results are never copied.
func (b *Batch) Copy(opts CopyOptions) (*Editable, error) {
	name := opts.Name
	if name == "" {
		name = b.name
	}

	dst, err := Create(b.env, name, CreateOptions{UniqueID: opts.UniqueID, CompletionWindow: b.window})
	if err != nil {
		return nil, err
	}

	if opts.KeepProvider {
		p, err := b.Params()
		if err != nil {
			return nil, err
		}

		if err := jsonfile.Upsert(dst.dir.ParamsPath(), map[string]any{"provider": p.Provider}); err != nil {
			return nil, fmt.Errorf("batch: copy: %w", err)
		}
	}

	for _, pair := range [][2]string{
		{b.dir.RequestsPath(), dst.dir.RequestsPath()},
		{b.dir.GlobalParamsPath(), dst.dir.GlobalParamsPath()},
		{b.dir.MetadataPath(), dst.dir.MetadataPath()},
	} {
		if err := jsonfile.CopyFile(pair[0], pair[1]); err != nil {
			return nil, fmt.Errorf("batch: copy: %w", err)
		}
	}

	b.log().Info("batch copied", "to", dst.UniqueID(), "keep_provider", opts.KeepProvider)

	return dst, nil
}

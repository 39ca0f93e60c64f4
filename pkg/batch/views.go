package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/jsonfile"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/request"
	"github.com/germanamz/batchman/pkg/result"
)

// Stage is the lifecycle stage a view exposes.
type Stage string

const (
	StageEditable   Stage = "editable"
	StageUploaded   Stage = "uploaded"
	StageDownloaded Stage = "downloaded"
)

// View is a batch seen through one lifecycle stage.
type View interface {
	Stage() Stage
	Core() *Batch
}

var (
	_ View = (*Editable)(nil)
	_ View = (*Uploaded)(nil)
	_ View = (*Downloaded)(nil)
)

// Classify wraps b in the view matching its persisted history: Editable
// until a remote id is visible, Downloaded once results exist on disk,
// Uploaded otherwise.
func Classify(b *Batch) (View, error) {
	remoteID, err := b.RemoteID()
	if err != nil {
		return nil, err
	}

	switch {
	case remoteID == "":
		return &Editable{Batch: b}, nil
	case b.dir.HasResults():
		return &Downloaded{Batch: b}, nil
	default:
		return &Uploaded{Batch: b}, nil
	}
}

// Editable is a batch that has not been uploaded. Its requests, metadata,
// global params and provider binding may change.
type Editable struct {
	*Batch
}

func (e *Editable) Stage() Stage { return StageEditable }
func (e *Editable) Core() *Batch { return e.Batch }

func (e *Editable) ensureEditable() error {
	remoteID, err := e.RemoteID()
	if err != nil {
		return err
	}
	if remoteID != "" {
		return fmt.Errorf("%w: %s already uploaded as %s", ErrIllegalState, e.Batch, remoteID)
	}

	return nil
}

// AddRequests appends requests to the batch.
func (e *Editable) AddRequests(reqs ...request.Request) error {
	if err := e.ensureEditable(); err != nil {
		return err
	}
	if len(reqs) == 0 {
		return nil
	}

	if err := jsonfile.AppendJSONL(e.dir.RequestsPath(), reqs); err != nil {
		return fmt.Errorf("batch: add requests: %w", err)
	}

	return nil
}

// AddMetadata merges md into the batch metadata.
func (e *Editable) AddMetadata(md map[string]any) error {
	if err := e.ensureEditable(); err != nil {
		return err
	}

	if err := jsonfile.Upsert(e.dir.MetadataPath(), md); err != nil {
		return fmt.Errorf("batch: add metadata: %w", err)
	}

	return nil
}

// OverrideRequestParams merges params into the global overrides applied to
// every request on read.
func (e *Editable) OverrideRequestParams(params map[string]any) error {
	if err := e.ensureEditable(); err != nil {
		return err
	}

	for _, k := range []string{"custom_id", "messages"} {
		if _, ok := params[k]; ok {
			return fmt.Errorf("batch: %q cannot be overridden globally", k)
		}
	}

	if err := jsonfile.Upsert(e.dir.GlobalParamsPath(), params); err != nil {
		return fmt.Errorf("batch: override request params: %w", err)
	}

	return nil
}

// SetProvider binds the batch to provider name with cfg, or the provider
// defaults when cfg is nil. A batch already bound cannot be rebound; copy it
// instead. When prevalidate is set, every request is checked against the
// new provider and the binding is kept even if some fail.
func (e *Editable) SetProvider(ctx context.Context, name string, cfg *configstore.Config, prevalidate bool) error {
	if err := e.ensureEditable(); err != nil {
		return err
	}

	p, err := e.Params()
	if err != nil {
		return err
	}
	if p.Provider.Bound() {
		return fmt.Errorf("%w: %s is already bound to %s", ErrIllegalState, e.Batch, p.Provider.Name)
	}

	hash, err := e.env.Registry.ConfigHash(name, cfg)
	if err != nil {
		return fmt.Errorf("batch: set provider: %w", err)
	}

	binding := Binding{Name: name, ConfigHash: hash}
	if err := jsonfile.Upsert(e.dir.ParamsPath(), map[string]any{"provider": binding}); err != nil {
		return fmt.Errorf("batch: set provider: %w", err)
	}
	e.forgetProvider()

	if !prevalidate {
		return nil
	}

	if err := e.PrevalidateRequests(ctx); err != nil {
		e.log().ErrorContext(ctx, "requests do not validate against the new provider; fix them with global request params or skip prevalidation",
			"provider", name, "error", err)
		return err
	}

	return nil
}

// PrevalidateRequests checks every request against the bound provider and
// reports all failures at once as a *ValidationError.
func (e *Editable) PrevalidateRequests(ctx context.Context) error {
	p, err := e.requireProvider()
	if err != nil {
		return err
	}

	reqs, err := e.Requests()
	if err != nil {
		return err
	}

	var failures []Failure
	for _, r := range reqs {
		if err := p.ValidateRequest(ctx, r); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures = append(failures, Failure{CustomID: r.CustomID, Err: err})
		}
	}

	if len(failures) > 0 {
		return &ValidationError{Provider: p.Name(), Failures: failures}
	}

	return nil
}

// Upload prevalidates the requests, submits them and records the remote
// id. Uploading a batch that already has a remote id returns it unchanged.
func (e *Editable) Upload(ctx context.Context) (*Uploaded, error) {
	p, err := e.requireProvider()
	if err != nil {
		return nil, err
	}

	log := e.log().With("provider", p.Name())

	remoteID, err := e.RemoteID()
	if err != nil {
		return nil, err
	}
	if remoteID != "" {
		log.WarnContext(ctx, "batch already uploaded", "remote_id", remoteID)
		return &Uploaded{Batch: e.Batch}, nil
	}

	if err := e.PrevalidateRequests(ctx); err != nil {
		return nil, err
	}

	remoteID, err = p.UploadBatch(ctx, e.Batch)
	if err != nil {
		return nil, fmt.Errorf("batch: upload: %w", err)
	}

	if err := jsonfile.Upsert(e.dir.ParamsPath(), map[string]any{"remote_id": remoteID}); err != nil {
		return nil, fmt.Errorf("batch: upload: %w", err)
	}
	if remoteID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRemoteID, e.Batch)
	}

	log.InfoContext(ctx, "batch uploaded", "remote_id", remoteID)

	return &Uploaded{Batch: e.Batch}, nil
}

// Uploaded is a batch submitted to its provider.
type Uploaded struct {
	*Batch
}

func (u *Uploaded) Stage() Stage { return StageUploaded }
func (u *Uploaded) Core() *Batch { return u.Batch }

func (u *Uploaded) check() (provider.Provider, error) {
	p, err := u.requireProvider()
	if err != nil {
		return nil, err
	}

	remoteID, err := u.RemoteID()
	if err != nil {
		return nil, err
	}
	if remoteID == "" {
		return nil, fmt.Errorf("%w: %s has not been uploaded", ErrIllegalState, u.Batch)
	}

	return p, nil
}

// Sync fetches the remote state and appends it to the history.
func (u *Uploaded) Sync(ctx context.Context) error {
	p, err := u.check()
	if err != nil {
		return err
	}

	if err := p.SyncBatch(ctx, u.Batch); err != nil {
		return fmt.Errorf("batch: sync: %w", err)
	}

	u.log().DebugContext(ctx, "batch synced", "provider", p.Name())

	return nil
}

// Cancel asks the provider to cancel the batch, then syncs.
func (u *Uploaded) Cancel(ctx context.Context) error {
	p, err := u.check()
	if err != nil {
		return err
	}

	if err := p.CancelBatch(ctx, u.Batch); err != nil {
		return fmt.Errorf("batch: cancel: %w", err)
	}

	u.log().InfoContext(ctx, "batch cancellation requested", "provider", p.Name())

	return u.Sync(ctx)
}

// Download syncs, then fetches the results of a completed batch.
func (u *Uploaded) Download(ctx context.Context) (*Downloaded, error) {
	if err := u.Sync(ctx); err != nil {
		return nil, err
	}

	status, err := u.Status()
	if err != nil {
		return nil, err
	}
	if status != lifecycle.Completed {
		return nil, fmt.Errorf("%w: %s is %s, not completed", ErrIllegalState, u.Batch, status)
	}

	p, err := u.ResolveProvider()
	if err != nil {
		return nil, err
	}

	if err := p.DownloadBatchResults(ctx, u.Batch); err != nil {
		return nil, fmt.Errorf("batch: download: %w", err)
	}

	u.log().InfoContext(ctx, "batch results downloaded", "provider", p.Name())

	return &Downloaded{Batch: u.Batch}, nil
}

// Downloaded is a batch whose results are on disk.
type Downloaded struct {
	*Batch
}

func (d *Downloaded) Stage() Stage { return StageDownloaded }
func (d *Downloaded) Core() *Batch { return d.Batch }

// Results converts every raw result record through the bound provider.
func (d *Downloaded) Results() ([]result.Result, error) {
	p, err := d.requireProvider()
	if err != nil {
		return nil, err
	}

	status, err := d.Status()
	if err != nil {
		return nil, err
	}
	if status != lifecycle.Downloaded {
		return nil, fmt.Errorf("%w: %s is %s, not downloaded", ErrIllegalState, d.Batch, status)
	}

	records, err := jsonfile.ReadJSONL(d.dir.RemoteResultsPath())
	if err != nil {
		return nil, fmt.Errorf("batch: results: %w", err)
	}

	out := make([]result.Result, 0, len(records))
	var errs []error
	for i, rec := range records {
		r, err := p.ConvertBatchResult(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i+1, err))
			continue
		}
		out = append(out, r)
	}

	if len(errs) > 0 {
		return out, fmt.Errorf("batch: results: %w", errors.Join(errs...))
	}

	return out, nil
}

// Package provider defines the contract every batch backend implements, the
// narrow view of a batch backends operate on, an embeddable HTTP base, and
// the name-keyed Registry backends are discovered into.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/request"
	"github.com/germanamz/batchman/pkg/result"
)

var (
	// ErrUnknownProvider is returned when a provider name is not registered.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrStoreIntegrity is returned when a batch references a config hash the
	// config store does not hold.
	ErrStoreIntegrity = errors.New("provider: config hash missing from store")
	// ErrMissingAPIKey is returned on the first remote call of a provider
	// that has no API key configured.
	ErrMissingAPIKey = errors.New("provider: missing API key")
	// ErrUnknownStatus is returned when a backend reports a status outside
	// its known vocabulary.
	ErrUnknownStatus = errors.New("provider: unknown backend status")
)

// Batch is the view of a batch a backend reads from and records into.
type Batch interface {
	Name() string
	UniqueID() string
	CompletionWindow() lifecycle.CompletionWindow
	// RemoteID is empty until the batch has at least one remote-state
	// snapshot.
	RemoteID() (string, error)
	Metadata() (map[string]any, error)
	// Requests returns the stored requests with global overrides applied.
	Requests() ([]request.Request, error)
	// SaveRemoteRequests overwrites the translated requests as submitted.
	SaveRemoteRequests(records []json.RawMessage) error
	// SaveRemoteResults overwrites the raw downloaded results.
	SaveRemoteResults(records []json.RawMessage) error
	// AppendRemoteState adds one snapshot to the remote-state history.
	AppendRemoteState(state json.RawMessage) error
}

// Provider normalizes one remote batch API to the shared lifecycle.
type Provider interface {
	// Name returns the registry name of the backend.
	Name() string
	// Config returns the effective configuration, defaults included.
	Config() configstore.Config
	// ValidateRequest reports why req cannot be submitted to this backend.
	ValidateRequest(ctx context.Context, req request.Request) error
	// UploadBatch submits every request of b, appends at least one remote
	// state and returns the remote identifier.
	UploadBatch(ctx context.Context, b Batch) (string, error)
	// CancelBatch requests remote cancellation and appends the resulting
	// state.
	CancelBatch(ctx context.Context, b Batch) error
	// SyncBatch fetches the remote state and appends it, even if unchanged.
	SyncBatch(ctx context.Context, b Batch) error
	// DownloadBatchResults fetches the results and saves them raw.
	DownloadBatchResults(ctx context.Context, b Batch) error
	// ConvertBatchStatus maps one remote-state snapshot to a Status.
	ConvertBatchStatus(state json.RawMessage) (lifecycle.Status, error)
	// ConvertBatchResult maps one raw result record to a Result.
	ConvertBatchResult(record json.RawMessage) (result.Result, error)
}

// Factory builds a provider. A nil cfg means the backend defaults, read from
// the environment by DefaultConfig.
type Factory func(cfg *configstore.Config, log *slog.Logger) (Provider, error)

// BackendError wraps a failed remote call with the backend and operation.
type BackendError struct {
	Provider string
	Op       string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Wrap returns err wrapped in a BackendError, or nil when err is nil.
func Wrap(name, op string, err error) error {
	if err == nil {
		return nil
	}

	return &BackendError{Provider: name, Op: op, Err: err}
}

// UnknownStatus builds the error returned for an unrecognized backend status.
func UnknownStatus(name, status string) error {
	return fmt.Errorf("%w: %s reported %q", ErrUnknownStatus, name, status)
}

// Logger returns log, or a logger that discards everything when log is nil.
func Logger(log *slog.Logger) *slog.Logger {
	if log != nil {
		return log
	}

	return slog.New(slog.DiscardHandler)
}

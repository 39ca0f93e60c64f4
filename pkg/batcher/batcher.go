// Package batcher manages every batch under one root directory: creating,
// locating, listing, bulk-syncing and deleting them.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/germanamz/batchman/pkg/batch"
	"github.com/germanamz/batchman/pkg/batchdir"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
)

// Batcher manages the batches stored under one root directory.
type Batcher struct {
	env batch.Env
}

// New creates a Batcher rooted at root, creating the directory if needed.
func New(root string, registry *provider.Registry, log *slog.Logger) (*Batcher, error) {
	if registry == nil {
		return nil, errors.New("batcher: registry is required")
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("batcher: create root: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	return &Batcher{env: batch.Env{Root: abs, Registry: registry, Log: provider.Logger(log)}}, nil
}

// Root returns the absolute path of the batches directory.
func (b *Batcher) Root() string { return b.env.Root }

// Registry returns the provider registry batches resolve against.
func (b *Batcher) Registry() *provider.Registry { return b.env.Registry }

// CreateBatch creates an editable batch. The provider, when given, must be
// registered; nothing is written otherwise.
func (b *Batcher) CreateBatch(name string, opts batch.CreateOptions) (*batch.Editable, error) {
	if opts.Provider != "" && !b.env.Registry.IsRegistered(opts.Provider) {
		return nil, fmt.Errorf("batcher: %w: %q", provider.ErrUnknownProvider, opts.Provider)
	}

	return batch.Create(b.env, name, opts)
}

// Locate returns the directory of the batch with uniqueID. With a name the
// lookup is direct; without one every batch directory ending in uniqueID is
// considered and more than one match is ErrAmbiguousID.
func (b *Batcher) Locate(uniqueID, name string) (string, error) {
	if uniqueID == "" {
		return "", errors.New("batcher: unique id is required")
	}

	if name != "" {
		dir := batchdir.For(b.env.Root, name, uniqueID)
		if !dir.Exists() {
			return "", fmt.Errorf("%w: %s", batch.ErrNotFound, dir.Base())
		}

		return dir.Root(), nil
	}

	matches, err := filepath.Glob(batchdir.Pattern(b.env.Root, uniqueID))
	if err != nil {
		return "", fmt.Errorf("batcher: locate %s: %w", uniqueID, err)
	}

	matches = b.ownedBy(matches, uniqueID)

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no batch with id %q", batch.ErrNotFound, uniqueID)
	case 1:
		b.env.Log.Debug("batch located", "unique_id", uniqueID, "dir", matches[0])
		return matches[0], nil
	default:
		bases := make([]string, len(matches))
		for i, m := range matches {
			bases[i] = filepath.Base(m)
		}

		return "", fmt.Errorf("%w: %q matches %s; pass the batch name", batch.ErrAmbiguousID, uniqueID, strings.Join(bases, ", "))
	}
}

// ownedBy drops glob matches whose recorded unique id differs, such as
// "batch-a-x-u1" (unique id "x-u1") when looking for "u1". Directories
// whose params cannot be read are kept so the caller sees the load error.
func (b *Batcher) ownedBy(matches []string, uniqueID string) []string {
	kept := matches[:0]
	for _, m := range matches {
		loaded, err := batch.Load(b.env, m)
		if err != nil || loaded.UniqueID() == uniqueID {
			kept = append(kept, m)
		}
	}

	return kept
}

// LoadBatch locates a batch and wraps it in the view of its stage.
func (b *Batcher) LoadBatch(uniqueID, name string) (batch.View, error) {
	dir, err := b.Locate(uniqueID, name)
	if err != nil {
		return nil, err
	}

	loaded, err := batch.Load(b.env, dir)
	if err != nil {
		return nil, err
	}

	return batch.Classify(loaded)
}

// DirError records a batch directory that could not be processed.
type DirError struct {
	Dir string
	Err error
}

func (e *DirError) Error() string {
	return fmt.Sprintf("%s: %v", filepath.Base(e.Dir), e.Err)
}

func (e *DirError) Unwrap() error { return e.Err }

// Listing groups the batches found under the root by stage.
type Listing struct {
	Editable   []*batch.Editable
	Uploaded   []*batch.Uploaded
	Downloaded []*batch.Downloaded
	// Errors holds one *DirError per directory that failed to load.
	Errors []error
}

// All returns every listed view, editable first.
func (l Listing) All() []batch.View {
	out := make([]batch.View, 0, len(l.Editable)+len(l.Uploaded)+len(l.Downloaded))
	for _, e := range l.Editable {
		out = append(out, e)
	}
	for _, u := range l.Uploaded {
		out = append(out, u)
	}
	for _, d := range l.Downloaded {
		out = append(out, d)
	}

	return out
}

// ListBatches loads and classifies every subdirectory of the root. A
// directory that fails, including one that is not a batch at all, is
// recorded in Errors and does not stop the listing.
func (b *Batcher) ListBatches() Listing {
	var l Listing

	entries, err := os.ReadDir(b.env.Root)
	if err != nil {
		l.Errors = append(l.Errors, &DirError{Dir: b.env.Root, Err: err})
		return l
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(b.env.Root, entry.Name())

		view, err := b.classify(dir)
		if err != nil {
			l.Errors = append(l.Errors, &DirError{Dir: dir, Err: err})
			continue
		}

		switch v := view.(type) {
		case *batch.Editable:
			l.Editable = append(l.Editable, v)
		case *batch.Uploaded:
			l.Uploaded = append(l.Uploaded, v)
		case *batch.Downloaded:
			l.Downloaded = append(l.Downloaded, v)
		}
	}

	return l
}

func (b *Batcher) classify(dir string) (batch.View, error) {
	loaded, err := batch.Load(b.env, dir)
	if err != nil {
		return nil, err
	}

	return batch.Classify(loaded)
}

// StatusChange is a status transition observed while syncing.
type StatusChange struct {
	Name     string
	UniqueID string
	From     lifecycle.Status
	To       lifecycle.Status
}

// SyncReport is the outcome of SyncBatches.
type SyncReport struct {
	Changes []StatusChange
	// Errors holds listing errors followed by per-batch sync errors.
	Errors []error
}

// SyncBatches syncs every uploaded batch and downloads those that turn
// out completed. Failures are collected per batch.
func (b *Batcher) SyncBatches(ctx context.Context) SyncReport {
	listing := b.ListBatches()
	report := SyncReport{Errors: listing.Errors}

	for _, u := range listing.Uploaded {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err)
			break
		}

		change, err := b.syncOne(ctx, u)
		if err != nil {
			report.Errors = append(report.Errors, &DirError{Dir: u.Dir().Root(), Err: err})
		}
		if change != nil {
			report.Changes = append(report.Changes, *change)
		}
	}

	return report
}

func (b *Batcher) syncOne(ctx context.Context, u *batch.Uploaded) (*StatusChange, error) {
	// An unmappable snapshot still gets synced over; the transition is then
	// unknown and reported as an error instead of a change.
	before, beforeErr := u.Status()
	if beforeErr != nil {
		beforeErr = fmt.Errorf("status before sync: %w", beforeErr)
	}

	if err := u.Sync(ctx); err != nil {
		return nil, errors.Join(beforeErr, err)
	}

	status, err := u.Status()
	if err != nil {
		return nil, errors.Join(beforeErr, err)
	}

	if status == lifecycle.Completed {
		if _, err := u.Download(ctx); err != nil {
			if beforeErr != nil {
				return nil, errors.Join(beforeErr, err)
			}
			return changed(u, before, status), err
		}

		if status, err = u.Status(); err != nil {
			return nil, errors.Join(beforeErr, err)
		}
	}

	if beforeErr != nil {
		return nil, beforeErr
	}

	return changed(u, before, status), nil
}

func changed(u *batch.Uploaded, from, to lifecycle.Status) *StatusChange {
	if from == to {
		return nil
	}

	return &StatusChange{Name: u.Name(), UniqueID: u.UniqueID(), From: from, To: to}
}

// DeleteBatch removes a batch directory. The remote job is not cancelled.
func (b *Batcher) DeleteBatch(uniqueID, name string) error {
	dir, err := b.Locate(uniqueID, name)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("batcher: delete %s: %w", filepath.Base(dir), err)
	}

	b.env.Log.Info("batch deleted", "unique_id", uniqueID, "dir", dir)

	return nil
}

// Package batchdir encapsulates all path knowledge for one batch directory.
// It provides a Dir value object with accessors for the parameter files and
// the append-only remote history files.
package batchdir

import (
	"os"
	"path/filepath"
	"strings"
)

const prefix = "batch-"

// Dir is a value object that resolves paths within a batch directory.
type Dir struct {
	root string
}

// New creates a Dir rooted at the given path. The path is converted to an
// absolute path. No I/O is performed.
func New(root string) Dir {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	return Dir{root: abs}
}

// For returns the directory of the batch (name, uniqueID) under batchesRoot.
func For(batchesRoot, name, uniqueID string) Dir {
	return New(filepath.Join(batchesRoot, Name(name, uniqueID)))
}

// Name returns the directory base name for a batch.
func Name(name, uniqueID string) string {
	return prefix + name + "-" + uniqueID
}

// Pattern returns a glob matching every batch directory with the given
// unique id, regardless of its name. Glob metacharacters in uniqueID are
// escaped.
func Pattern(batchesRoot, uniqueID string) string {
	return filepath.Join(batchesRoot, prefix+"*-"+escapeGlob(uniqueID))
}

// Root returns the absolute path to the batch directory.
func (d Dir) Root() string { return d.root }

// Base returns the directory base name.
func (d Dir) Base() string { return filepath.Base(d.root) }

// ParamsPath returns the path to the batch parameters file.
func (d Dir) ParamsPath() string { return filepath.Join(d.root, "batch_params.json") }

// MetadataPath returns the path to the free-form metadata file.
func (d Dir) MetadataPath() string { return filepath.Join(d.root, "batch_metadata.json") }

// GlobalParamsPath returns the path to the global request overrides file.
func (d Dir) GlobalParamsPath() string { return filepath.Join(d.root, "global_request_params.json") }

// RequestsPath returns the path to the stored requests.
func (d Dir) RequestsPath() string { return filepath.Join(d.root, "requests.jsonl") }

// RemoteStatesPath returns the path to the remote-state snapshot log.
func (d Dir) RemoteStatesPath() string { return filepath.Join(d.root, "remote_states.jsonl") }

// RemoteRequestsPath returns the path to the translated requests as submitted.
func (d Dir) RemoteRequestsPath() string { return filepath.Join(d.root, "remote_requests.jsonl") }

// RemoteResultsPath returns the path to the raw downloaded results.
func (d Dir) RemoteResultsPath() string { return filepath.Join(d.root, "remote_results.jsonl") }

// Paths returns every file path of the layout, in a stable order.
func (d Dir) Paths() []string {
	return []string{
		d.ParamsPath(),
		d.MetadataPath(),
		d.GlobalParamsPath(),
		d.RequestsPath(),
		d.RemoteStatesPath(),
		d.RemoteRequestsPath(),
		d.RemoteResultsPath(),
	}
}

// Exists reports whether the batch directory exists on disk.
func (d Dir) Exists() bool {
	info, err := os.Stat(d.root)

	return err == nil && info.IsDir()
}

// HasResults reports whether the raw results artifact exists on disk.
func (d Dir) HasResults() bool {
	info, err := os.Stat(d.RemoteResultsPath())

	return err == nil && !info.IsDir()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}

	return b.String()
}

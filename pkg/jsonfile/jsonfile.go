// Package jsonfile provides the JSON and JSON Lines persistence primitives
// batch directories are built from.
//
// Whole-file writes go through a temporary file and a rename, so a reader
// never observes a partially written file. Read-modify-write and append
// operations hold a per-path lock for the duration of the cycle. The lock is
// process-local: two processes writing the same file are not coordinated.
package jsonfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
)

// ReadJSON decodes the JSON document at path into v. A missing file yields an
// error that matches os.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the batch directory layout
	if err != nil {
		return fmt.Errorf("jsonfile: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("jsonfile: parse %s: %w", path, err)
	}

	return nil
}

// WriteJSON replaces the file at path with the JSON encoding of v.
func WriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("jsonfile: marshal %s: %w", path, err)
	}

	defer lockPath(path)()

	return writeAtomic(path, data)
}

// Upsert merges patch into the top-level object stored at path, creating the
// file when it does not exist. Keys in patch replace existing keys.
func Upsert(path string, patch map[string]any) error {
	defer lockPath(path)()

	current := make(map[string]any)

	data, err := os.ReadFile(path) //nolint:gosec // path is built from the batch directory layout
	switch {
	case err == nil:
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("jsonfile: parse %s: %w", path, err)
			}
			if current == nil {
				current = make(map[string]any)
			}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("jsonfile: read %s: %w", path, err)
	}

	maps.Copy(current, patch)

	out, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("jsonfile: marshal %s: %w", path, err)
	}

	return writeAtomic(path, out)
}

// ReadJSONL returns every non-blank line of the JSON Lines file at path. A
// missing file yields an error that matches os.ErrNotExist.
func ReadJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from the batch directory layout
	if err != nil {
		return nil, fmt.Errorf("jsonfile: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	records, err := decodeLines(f)
	if err != nil {
		return nil, fmt.Errorf("jsonfile: %s: %w", path, err)
	}

	return records, nil
}

// SplitLines parses JSON Lines content held in memory, skipping blank lines.
// Every line must be a valid JSON value.
func SplitLines(data []byte) ([]json.RawMessage, error) {
	records, err := decodeLines(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jsonfile: %w", err)
	}

	return records, nil
}

// WriteJSONL replaces the file at path with one JSON line per record.
func WriteJSONL[T any](path string, records []T) error {
	data, err := encodeLines(records)
	if err != nil {
		return fmt.Errorf("jsonfile: %s: %w", path, err)
	}

	defer lockPath(path)()

	return writeAtomic(path, data)
}

// AppendJSONL appends one JSON line per record to the file at path, creating
// it when missing.
func AppendJSONL[T any](path string, records []T) error {
	data, err := encodeLines(records)
	if err != nil {
		return fmt.Errorf("jsonfile: %s: %w", path, err)
	}

	defer lockPath(path)()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) //nolint:gosec // path is built from the batch directory layout
	if err != nil {
		return fmt.Errorf("jsonfile: open %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("jsonfile: append %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("jsonfile: close %s: %w", path, err)
	}

	return nil
}

// CopyFile copies src to dst through a temporary file. A missing src is not
// an error; nothing is written.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src) //nolint:gosec // path is built from the batch directory layout
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("jsonfile: read %s: %w", src, err)
	}

	defer lockPath(dst)()

	return writeAtomic(dst, data)
}

func encodeLines[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer

	for i, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal record %d: %w", i, err)
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

func decodeLines(r io.Reader) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	records := []json.RawMessage{}

	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			trimmed := bytes.TrimSpace(line)
			if !json.Valid(trimmed) {
				return nil, fmt.Errorf("line %d: invalid JSON", n)
			}

			records = append(records, json.RawMessage(bytes.Clone(trimmed)))
		}

		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
	}
}

// writeAtomic writes data to a temporary file next to path and renames it
// into place. Must be called with the path lock held.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("jsonfile: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName) //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		return fmt.Errorf("jsonfile: write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName) //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		return fmt.Errorf("jsonfile: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil { //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		_ = os.Remove(tmpName) //nolint:gosec // tmpName comes from os.CreateTemp in a known directory
		return fmt.Errorf("jsonfile: rename temp file: %w", err)
	}

	return nil
}

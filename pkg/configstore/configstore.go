// Package configstore persists provider configurations content-addressed by
// a short deterministic hash, so batches can reference credentials without
// embedding them.
//
// The backing file holds one {"hash", "config"} record per line. Store only
// ever appends; Remove rewrites the whole file without the entry.
package configstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/germanamz/batchman/pkg/jsonfile"
)

// HashLen is the number of hex characters kept from the digest.
const HashLen = 16

// Config holds the credentials and backend-specific parameters of one
// provider instance. Empty fields are treated as unset.
type Config struct {
	APIKey string         `json:"api_key,omitempty"`
	URL    string         `json:"url,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Clone returns a copy of c whose Kwargs map is not shared.
func (c Config) Clone() Config {
	c.Kwargs = maps.Clone(c.Kwargs)
	return c
}

// MarshalJSON writes the canonical field set, so a stored record always
// hashes back to its key.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.fields())
}

// fields returns the canonical field set: unset fields are omitted. An empty
// non-nil Kwargs map is set.
func (c Config) fields() map[string]any {
	f := make(map[string]any, 3)
	if c.APIKey != "" {
		f["api_key"] = c.APIKey
	}
	if c.URL != "" {
		f["url"] = c.URL
	}
	if c.Kwargs != nil {
		f["kwargs"] = c.Kwargs
	}

	return f
}

// Hash returns the content hash of c. Configs that differ only in key order
// hash identically.
func Hash(c Config) (string, error) {
	canon, err := canonical(c.fields())
	if err != nil {
		return "", fmt.Errorf("configstore: hash: %w", err)
	}

	sum := sha256.Sum256(canon)

	return hex.EncodeToString(sum[:])[:HashLen], nil
}

type record struct {
	Hash   string `json:"hash"`
	Config Config `json:"config"`
}

// Store is a file-backed content-addressed config store. It is safe for
// concurrent use within one process.
type Store struct {
	mu   sync.Mutex
	path string
}

// New opens the store at path, creating the file and its parent directory
// when missing.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("configstore: create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("configstore: open: %w", err)
	}
	_ = f.Close()

	return &Store{path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Store saves c if no record with the same hash exists and returns the hash.
func (s *Store) Store(c Config) (string, error) {
	hash, err := Hash(c)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return "", err
	}

	if slices.ContainsFunc(records, func(r record) bool { return r.Hash == hash }) {
		return hash, nil
	}

	if err := jsonfile.AppendJSONL(s.path, []record{{Hash: hash, Config: c}}); err != nil {
		return "", fmt.Errorf("configstore: %w", err)
	}

	return hash, nil
}

// Get returns the config stored under hash. The boolean is false when no
// such record exists.
func (s *Store) Get(hash string) (Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return Config{}, false, err
	}

	for _, r := range records {
		if r.Hash == hash {
			return r.Config, true, nil
		}
	}

	return Config{}, false, nil
}

// Remove deletes the record stored under hash. Removing an unknown hash is a
// no-op.
func (s *Store) Remove(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return err
	}

	kept := slices.DeleteFunc(records, func(r record) bool { return r.Hash == hash })
	if len(kept) == len(records) {
		return nil
	}

	if err := jsonfile.WriteJSONL(s.path, kept); err != nil {
		return fmt.Errorf("configstore: %w", err)
	}

	return nil
}

// Hashes returns every stored hash in file order.
func (s *Store) Hashes() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.read()
	if err != nil {
		return nil, err
	}

	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Hash
	}

	return out, nil
}

func (s *Store) read() ([]record, error) {
	lines, err := jsonfile.ReadJSONL(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: %w", err)
	}

	records := make([]record, 0, len(lines))
	for i, line := range lines {
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("configstore: record %d: %w", i+1, err)
		}
		records = append(records, r)
	}

	return records, nil
}

// canonical encodes v with sorted object keys, ", " and ": " separators and
// non-ASCII characters escaped as \uXXXX.
func canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		writeString(buf, t)
	case map[string]any:
		keys := slices.Sorted(maps.Keys(t))
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Numbers and any other Go value: normalize through a JSON round trip
		// so typed maps and slices get the same treatment as decoded ones.
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}

		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}

		if f, ok := generic.(float64); ok {
			buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
			return nil
		}

		return writeCanonical(buf, generic)
	}

	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"

	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size

		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r < 0x20 || r > 0x7e:
			var units []rune
			if r > 0xffff {
				r -= 0x10000
				units = []rune{0xd800 + (r >> 10), 0xdc00 + (r & 0x3ff)}
			} else {
				units = []rune{r}
			}
			for _, u := range units {
				buf.WriteString(`\u`)
				buf.WriteByte(hexDigits[(u>>12)&0xf])
				buf.WriteByte(hexDigits[(u>>8)&0xf])
				buf.WriteByte(hexDigits[(u>>4)&0xf])
				buf.WriteByte(hexDigits[u&0xf])
			}
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

// Package store implements the stable store of §4.3: a named, file-backed
// sink for a single module's persistent state, used only by recovery-aware
// modules (logged perfect links, elect-lower-epoch).
//
// Grounded on the Python Store class (basic.py): one file per storeid,
// pickle-dumped; ported here as one gob-encoded file per storeid with
// atomic rename-on-write so a crash mid-write never corrupts the previous
// value (the Python version opens-and-truncates directly, which the source
// gets away with only because recovery is a best-effort sketch per §1; the
// Go port tightens that to the atomic-replace semantics §4.3 actually
// promises).
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreset/rsdp/internal/wire"
)

// Store is a named, single-writer persistent sink.
type Store struct {
	path string
}

// New returns a Store for storeid rooted at dir (created if absent).
func New(dir, storeid string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{path: filepath.Join(dir, fmt.Sprintf("store.%s", storeid))}, nil
}

// Exists reports whether a prior value has been stored.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Store persists value, replacing any prior value atomically: it writes to
// a temp file in the same directory and renames over the target, so a
// concurrent crash can never leave a half-written store file (§4.3's
// "atomic replace semantics").
func (s *Store) Store(value interface{}) error {
	data, err := wire.Encode(value)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Retrieve decodes the persisted value into dst, which must be a pointer.
func (s *Store) Retrieve(dst interface{}) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	return wire.Decode(data, dst)
}

package store

import (
	"os"
	"path/filepath"

	"github.com/firebuild-go/firebuild/errors"
	"github.com/firebuild-go/firebuild/internal/fbhash"
)

const debugDirName = "%_directory_debug.txt"

// ObjectStore maps (fingerprint, subkey) -> a serialized inputs/outputs
// record, under <base>/<X>/<XY>/<fingerprint>/<subkey>. Multiple subkeys
// per fingerprint are allowed — alternative input/output combinations
// observed for the same process identity (spec.md §4.8).
type ObjectStore struct {
	baseDir string
}

// NewObjectStore opens (creating if necessary) an object cache rooted at
// baseDir.
func NewObjectStore(baseDir string) (*ObjectStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.WrapWithPath(err, errors.ErrCacheIO, "store.NewObjectStore", baseDir)
	}
	return &ObjectStore{baseDir: baseDir}, nil
}

func (s *ObjectStore) fingerprintDir(fingerprint fbhash.Hash) string {
	first, firstTwo := fingerprint.ShardPrefix()
	return filepath.Join(s.baseDir, first, firstTwo, fingerprint.String())
}

// Store serializes record under fingerprint, keyed by a subkey derived
// from record's own hash, and returns that subkey.
func (s *ObjectStore) Store(fingerprint fbhash.Hash, record []byte) (fbhash.Hash, error) {
	subkey := fbhash.FromBytes(record)
	dir := s.fingerprintDir(fingerprint)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fbhash.Hash{}, errors.WrapWithPath(err, errors.ErrCacheIO, "store.Store", dir)
	}
	dst := filepath.Join(dir, subkey.String())
	if err := writeAtomic(s.baseDir, dst, record); err != nil {
		return fbhash.Hash{}, err
	}
	return subkey, nil
}

// Load reads the record stored under (fingerprint, subkey).
func (s *ObjectStore) Load(fingerprint, subkey fbhash.Hash) ([]byte, error) {
	path := filepath.Join(s.fingerprintDir(fingerprint), subkey.String())
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrCacheMiss
		}
		return nil, errors.WrapWithPath(err, errors.ErrCacheIO, "store.Load", path)
	}
	return data, nil
}

// Subkeys lists every subkey currently stored under fingerprint —
// "listing a fingerprint's subkeys = reading the directory" (spec.md
// §4.8). Non-hash entries (e.g. the debug dump) are skipped.
func (s *ObjectStore) Subkeys(fingerprint fbhash.Hash) ([]fbhash.Hash, error) {
	dir := s.fingerprintDir(fingerprint)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapWithPath(err, errors.ErrCacheIO, "store.Subkeys", dir)
	}
	out := make([]fbhash.Hash, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == debugDirName {
			continue
		}
		h, err := fbhash.FromASCII(e.Name())
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// WriteDebugDump writes a human-readable rendering of the stored record
// alongside the fingerprint directory, for troubleshooting (debug builds
// only per spec.md §6; callers gate this on a debug flag).
func (s *ObjectStore) WriteDebugDump(fingerprint fbhash.Hash, content []byte) error {
	dir := s.fingerprintDir(fingerprint)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.WrapWithPath(err, errors.ErrCacheIO, "store.WriteDebugDump", dir)
	}
	return writeAtomic(s.baseDir, filepath.Join(dir, debugDirName), content)
}

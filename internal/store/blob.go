// Package store implements the on-disk blob cache and object cache:
// content-addressed directory trees sharded by the first two nibbles of
// the key, written atomically via temp-file-then-rename. Grounded on
// original_source/src/firebuild/multi_cache.cc. See spec.md §4.8/§6.
package store

import (
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/firebuild-go/firebuild/errors"
	"github.com/firebuild-go/firebuild/internal/fbhash"
)

// BlobStore holds raw file bytes keyed by content hash, under
// <base>/<X>/<XY>/<XY…full…>.
type BlobStore struct {
	baseDir string
}

// NewBlobStore opens (creating if necessary) a blob cache rooted at
// baseDir.
func NewBlobStore(baseDir string) (*BlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.WrapWithPath(err, errors.ErrCacheIO, "store.NewBlobStore", baseDir)
	}
	return &BlobStore{baseDir: baseDir}, nil
}

func shardedPath(baseDir string, key fbhash.Hash) string {
	ascii := key.String()
	first, firstTwo := key.ShardPrefix()
	return filepath.Join(baseDir, first, firstTwo, ascii)
}

// Has reports whether key is already present.
func (s *BlobStore) Has(key fbhash.Hash) bool {
	_, err := os.Stat(shardedPath(s.baseDir, key))
	return err == nil
}

// Put writes data under key, atomically (temp file in baseDir, then
// rename into the sharded path). A second writer racing to store the
// same key is harmless: both produce byte-identical content, and the
// loser's rename simply replaces an identical file.
func (s *BlobStore) Put(key fbhash.Hash, data []byte) error {
	dst := shardedPath(s.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return errors.WrapWithPath(err, errors.ErrCacheIO, "store.Put", dst)
	}
	return writeAtomic(s.baseDir, dst, data)
}

// Open returns the underlying file for direct (e.g. mmap) access.
func (s *BlobStore) Open(key fbhash.Hash) (*os.File, error) {
	f, err := os.Open(shardedPath(s.baseDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrCacheMiss
		}
		return nil, errors.WrapWithPath(err, errors.ErrCacheIO, "store.Open", shardedPath(s.baseDir, key))
	}
	return f, nil
}

// ReadAll reads the full content for key, memory-mapping above
// mmapThreshold the same way internal/fbhash hashes large files, falling
// back to a plain read for small ones.
func (s *BlobStore) ReadAll(key fbhash.Hash) ([]byte, error) {
	f, err := s.Open(key)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCacheIO, "store.ReadAll")
	}
	size := fi.Size()
	if size == 0 {
		return []byte{}, nil
	}
	if size < mmapThreshold {
		buf := make([]byte, size)
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, errors.Wrap(err, errors.ErrCacheIO, "store.ReadAll")
		}
		return buf, nil
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCacheIO, "store.ReadAll")
	}
	defer unix.Munmap(mapped)
	out := make([]byte, size)
	copy(out, mapped)
	return out, nil
}

const mmapThreshold = 64 * 1024

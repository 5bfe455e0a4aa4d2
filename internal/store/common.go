package store

import (
	"os"

	"github.com/firebuild-go/firebuild/errors"
)

// writeAtomic writes data to dst by creating a temp file in tmpDir and
// renaming it into place, matching multi_cache.cc's mkstemp+write+rename
// sequence. tmpDir and dst must live on the same filesystem for the
// rename to be atomic.
func writeAtomic(tmpDir, dst string, data []byte) error {
	tmp, err := os.CreateTemp(tmpDir, "new.*")
	if err != nil {
		return errors.WrapWithPath(err, errors.ErrCacheWrite.Kind, "store.writeAtomic", tmpDir)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapWithPath(err, errors.ErrCacheWrite.Kind, "store.writeAtomic", dst)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapWithPath(err, errors.ErrCacheWrite.Kind, "store.writeAtomic", dst)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return errors.WrapWithPath(err, errors.ErrCacheWrite.Kind, "store.writeAtomic", dst)
	}
	return nil
}

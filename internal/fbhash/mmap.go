package fbhash

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapRead memory-maps the first size bytes of f for reading. The second
// return value is false when mapping is unsupported for this descriptor,
// in which case the caller falls back to a positional read.
func mmapRead(f *os.File, size int64) ([]byte, bool) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, false
	}
	return data, true
}

func mmapRelease(data []byte) {
	_ = unix.Munmap(data)
}

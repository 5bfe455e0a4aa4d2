// Package fbhash implements the supervisor's content hashing primitive: a
// keyed, non-cryptographic 128-bit digest over in-memory buffers, open file
// descriptors, and directory listings, plus a fixed-width ASCII encoding
// suitable as a filesystem name.
package fbhash

import (
	"encoding/base64"
	"encoding/binary"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/firebuild-go/firebuild/errors"
)

// Size is the length in bytes of a Hash's binary representation.
const Size = 16

// ASCIILen is the length of a Hash's fixed-width ASCII encoding.
const ASCIILen = 22 // base64.RawURLEncoding of 16 bytes

// mmapThreshold is the file size above which regular files are hashed via
// mmap instead of being read into a buffer first; below it, a single
// positional read is cheaper than the mmap/munmap round trip.
const mmapThreshold = 64 * 1024

// Hash is a 128-bit content digest. The zero Hash is a valid "unknown"
// value distinct from the hash of any real content once constructed, but
// callers should use IsZero to test for "not computed" explicitly.
type Hash [Size]byte

// IsZero reports whether h is the zero value (never explicitly computed).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// FromBytes computes the keyed 128-bit hash of an in-memory buffer.
//
// The 128 bits are assembled from two domain-separated 64-bit xxhash
// digests (low half over the buffer itself, high half over the buffer
// followed by the fixed 8-byte highSeedTag) since no single XXH3-128
// binding is available; see DESIGN.md.
func FromBytes(b []byte) Hash {
	var h Hash
	lo := xxhash.Sum64(b)
	hiDigest := xxhash.New()
	hiDigest.Write(b)
	hiDigest.Write(highSeedTag[:])
	hi := hiDigest.Sum64()
	binary.BigEndian.PutUint64(h[0:8], lo)
	binary.BigEndian.PutUint64(h[8:16], hi)
	return h
}

// highSeedTag domain-separates the high 64 bits from the low 64 bits so
// that the two xxhash invocations are not trivially related.
var highSeedTag = [8]byte{0xf1, 0x9e, 0xb9, 0x41, 0x5a, 0x30, 0x0c, 0xd7}

// FromFile computes the hash of an already-open regular file or directory.
// For a regular file the first N bytes are hashed, where N is exactly the
// file's size at the time of the fstat call (short files: read in one
// shot; large files above mmapThreshold: memory-mapped; fallback to
// positional reads when mapping is unsupported). For a directory, the
// sorted entry-name listing is hashed, NUL-separated.
//
// Returns isDir alongside the hash so callers can classify the FileUsage
// initial_state without a second syscall.
func FromFile(f *os.File) (h Hash, isDir bool, err error) {
	fi, statErr := f.Stat()
	if statErr != nil {
		return Hash{}, false, errors.Wrap(statErr, errors.ErrCacheIO, "fstat")
	}

	switch {
	case fi.Mode().IsRegular():
		h, err = hashRegularFile(f, fi.Size())
		return h, false, err
	case fi.IsDir():
		h, err = hashDirectory(f)
		return h, true, err
	default:
		return Hash{}, false, errors.New(errors.ErrUnsupportedOp, "hash", "cannot hash special file")
	}
}

func hashRegularFile(f *os.File, size int64) (Hash, error) {
	if size == 0 {
		return FromBytes(nil), nil
	}
	if size >= mmapThreshold {
		if data, ok := mmapRead(f, size); ok {
			defer mmapRelease(data)
			return FromBytes(data), nil
		}
		// Fall through to positional reads if mapping is unsupported.
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Hash{}, errors.Wrap(err, errors.ErrCacheIO, "read")
	}
	return FromBytes(buf), nil
}

func hashDirectory(f *os.File) (Hash, error) {
	names, err := f.Readdirnames(-1)
	if err != nil {
		return Hash{}, errors.Wrap(err, errors.ErrCacheIO, "readdir")
	}
	sort.Strings(names)

	size := 0
	for _, n := range names {
		size += len(n) + 1
	}
	buf := make([]byte, 0, size)
	for _, n := range names {
		buf = append(buf, n...)
		buf = append(buf, 0)
	}
	return FromBytes(buf), nil
}

// ToASCII encodes h as a fixed-width, filesystem-safe ASCII string.
func (h Hash) ToASCII() string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// String implements fmt.Stringer via the ASCII encoding.
func (h Hash) String() string {
	return h.ToASCII()
}

// FromASCII decodes a string produced by ToASCII back into a Hash.
func FromASCII(s string) (Hash, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Hash{}, errors.Wrap(err, errors.ErrInvalidConfig, "decode hash")
	}
	if len(b) != Size {
		return Hash{}, errors.New(errors.ErrInvalidConfig, "decode hash", "wrong length")
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ShardPrefix returns the two path components used to shard cache
// directories by this hash's ASCII encoding: the first hex-ish nibble and
// the first two characters, e.g. ("a", "aB") for an ASCII value "aB3x...".
func (h Hash) ShardPrefix() (first, firstTwo string) {
	a := h.ToASCII()
	if len(a) == 0 {
		return "", ""
	}
	if len(a) == 1 {
		return a[:1], a
	}
	return a[:1], a[:2]
}

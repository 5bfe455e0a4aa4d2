package cacher

import (
	"github.com/firebuild-go/firebuild/errors"
	"github.com/firebuild-go/firebuild/internal/fbhash"
	"github.com/firebuild-go/firebuild/internal/store"
)

// HashLookup resolves the current content hash of a path, for
// input-verification during Lookup.
type HashLookup func(path string) (fbhash.Hash, error)

// Cacher is ExecedProcessCacher: the object-cache/blob-cache-backed
// lookup/store/apply cycle spec.md §4.7 describes.
type Cacher struct {
	Blobs   *store.BlobStore
	Objects *store.ObjectStore
}

// New returns a Cacher backed by the given blob and object caches.
func New(blobs *store.BlobStore, objects *store.ObjectStore) *Cacher {
	return &Cacher{Blobs: blobs, Objects: objects}
}

// Lookup enumerates subkeys under fingerprint and returns the first
// record whose every recorded input file hash still matches the
// filesystem's current content, per spec.md §4.7 "lookup(proc)".
func (c *Cacher) Lookup(fingerprint fbhash.Hash, verify HashLookup) (Record, fbhash.Hash, bool, error) {
	subkeys, err := c.Objects.Subkeys(fingerprint)
	if err != nil {
		return Record{}, fbhash.Hash{}, false, err
	}

	for _, subkey := range subkeys {
		data, err := c.Objects.Load(fingerprint, subkey)
		if err != nil {
			continue
		}
		record, err := Unmarshal(data)
		if err != nil {
			continue
		}
		if c.inputsStillMatch(record, verify) {
			return record, subkey, true, nil
		}
	}
	return Record{}, fbhash.Hash{}, false, nil
}

func (c *Cacher) inputsStillMatch(record Record, verify HashLookup) bool {
	for path, fu := range record.FileUsages {
		if fu.InitialHash == "" {
			continue
		}
		want, err := fbhash.FromASCII(fu.InitialHash)
		if err != nil {
			return false
		}
		got, err := verify(path)
		if err != nil || got != want {
			return false
		}
	}
	return true
}

// Store canonicalizes record into a new object-cache entry under
// fingerprint, and copies every written-regular-file's blob (supplied via
// blobs) into the blob cache keyed by its content hash — spec.md §4.7
// "store(proc)".
func (c *Cacher) Store(fingerprint fbhash.Hash, record Record, blobs map[string][]byte) (fbhash.Hash, error) {
	for hash, content := range blobs {
		key, err := fbhash.FromASCII(hash)
		if err != nil {
			return fbhash.Hash{}, errors.WrapWithDetail(err, errors.ErrCacheIO, "cacher.Store", "invalid blob key "+hash)
		}
		if err := c.Blobs.Put(key, content); err != nil {
			return fbhash.Hash{}, err
		}
	}
	data, err := record.Marshal()
	if err != nil {
		return fbhash.Hash{}, errors.Wrap(err, errors.ErrCacheIO, "cacher.Store")
	}
	return c.Objects.Store(fingerprint, data)
}

// ApplyFile materializes one recorded written file from the blob cache.
func (c *Cacher) ApplyFile(record Record, path string) ([]byte, bool, error) {
	fu, ok := record.FileUsages[path]
	if !ok || !fu.Written || fu.FinalHash == "" {
		return nil, false, nil
	}
	key, err := fbhash.FromASCII(fu.FinalHash)
	if err != nil {
		return nil, false, errors.WrapWithPath(err, errors.ErrCacheCorrupt.Kind, "cacher.ApplyFile", path)
	}
	data, err := c.Blobs.ReadAll(key)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ApplyPipe returns the recorded byte stream for an outgoing pipe,
// keyed by its opaque id.
func (c *Cacher) ApplyPipe(record Record, pipeID int64) ([]byte, bool, error) {
	pr, ok := record.Pipes[pipeKey(pipeID)]
	if !ok {
		return nil, false, nil
	}
	key, err := fbhash.FromASCII(pr.Hash)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCacheCorrupt.Kind, "cacher.ApplyPipe")
	}
	data, err := c.Blobs.ReadAll(key)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

package cacher

import (
	"encoding/json"
	"strconv"

	"github.com/firebuild-go/firebuild/internal/fbhash"
	"github.com/firebuild-go/firebuild/internal/fileusage"
)

// FileUsageRecord is the JSON-serializable form of a fileusage.FileUsage,
// keyed by path in Record.FileUsages. InitialHash is the pre-existing
// content hash (verified on Lookup against the live filesystem);
// FinalHash is the post-write content hash for a written regular file
// (the blob cache key replayed on Apply) — spec.md §3 calls for both
// ("content hash for reads and for written regular files").
type FileUsageRecord struct {
	InitialState string `json:"initial_state"`
	InitialHash  string `json:"initial_hash,omitempty"`
	Written      bool   `json:"written"`
	FinalHash    string `json:"final_hash,omitempty"`
}

func toFileUsageRecord(u *fileusage.FileUsage, finalHash fbhash.Hash, finalHashKnown bool) FileUsageRecord {
	r := FileUsageRecord{InitialState: u.InitialState.String(), Written: u.Written}
	if u.InitialHashKnown {
		r.InitialHash = u.InitialHash.String()
	}
	if finalHashKnown {
		r.FinalHash = finalHash.String()
	}
	return r
}

// PipeRecord is one outgoing pipe's recorded byte stream, identified by
// the hash of its content (the blob cache key).
type PipeRecord struct {
	Hash string `json:"hash"`
}

// Record is the object-cache value: spec.md §3's "Process inputs/outputs"
// — what a shortcut replay needs to recreate a process's observable
// effects without running it.
type Record struct {
	FileUsages map[string]FileUsageRecord `json:"file_usages"`
	ExitStatus int64                      `json:"exit_status"`
	Pipes      map[string]PipeRecord      `json:"pipes,omitempty"`
}

// NewRecord builds a Record from a live ExecedProcess's accumulated
// state. finalHashes carries the post-write content hash for every
// written regular file (computed by the caller after the process exits);
// pipeContent maps an outgoing pipe's opaque id to its recorded bytes
// (supplied by the caller, which owns the pipenet graph).
func NewRecord(fileUsages map[string]*fileusage.FileUsage, finalHashes map[string]fbhash.Hash, exitStatus int64, pipeContent map[int64][]byte) Record {
	r := Record{
		FileUsages: make(map[string]FileUsageRecord, len(fileUsages)),
		ExitStatus: exitStatus,
	}
	for path, u := range fileUsages {
		finalHash, known := finalHashes[path]
		r.FileUsages[path] = toFileUsageRecord(u, finalHash, known)
	}
	if len(pipeContent) > 0 {
		r.Pipes = make(map[string]PipeRecord, len(pipeContent))
		for id, bytes := range pipeContent {
			h := fbhash.FromBytes(bytes)
			r.Pipes[pipeKey(id)] = PipeRecord{Hash: h.String()}
		}
	}
	return r
}

func pipeKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Marshal serializes r deterministically (Go's encoding/json sorts
// map[string]X keys), for object-cache storage.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal parses a stored record.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

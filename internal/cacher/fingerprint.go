// Package cacher implements ExecedProcessCacher: computing a process's
// canonical fingerprint, looking up and storing its inputs/outputs
// record, and replaying a stored record on shortcut. Grounded on
// original_source/src/firebuild/process.cc (fingerprint input assembly)
// and multi_cache.cc (object-cache layout). See spec.md §4.7.
package cacher

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/firebuild-go/firebuild/internal/fbhash"
)

// FDTag classifies one inherited fd for fingerprint purposes.
type FDTag byte

const (
	FDTagReg FDTag = iota
	FDTagDir
	FDTagPipeIn
	FDTagPipeOut
	FDTagTTY
	FDTagOther
)

// FDDescriptor is one inherited fd's contribution to a fingerprint,
// assembled by the caller (the supervisor owns the fd table and pipe
// graph; cacher stays free of those dependencies).
type FDDescriptor struct {
	Num  int
	Tag  FDTag
	Hash fbhash.Hash
	// HashKnown is set for FDTagReg/FDTagDir.
	HashKnown bool
	// Fingerprintable is false when this fd cannot be modeled safely —
	// e.g. an inherited pipe whose bytes could have originated outside
	// the supervised tree (spec.md §4.7 "fingerprint(proc) → bool").
	Fingerprintable bool
}

// FingerprintInput is the full set of stable inputs spec.md §4.7
// enumerates.
type FingerprintInput struct {
	Executable string
	Argv       []string
	// Env is the full environment seen by the process; EnvAllowed
	// filters which names are included in the canonical encoding.
	Env        map[string]string
	EnvAllowed func(name string) bool
	// PolicyVersion folds the active env allow/deny policy's version
	// into the fingerprint, so changing the policy invalidates old cache
	// entries instead of silently replaying a decision made under a
	// different allow/deny set (spec.md §9 Open Question on env policy).
	PolicyVersion string
	Wd            string
	// InheritedFDs must be sorted ascending by Num.
	InheritedFDs []FDDescriptor
	// ExecutableHash/SharedLibHashes are content digests of the
	// executable and every shared library the loader would consult.
	ExecutableHash  fbhash.Hash
	SharedLibHashes []fbhash.Hash
}

// Fingerprint computes in's canonical Hash, returning ok=false when any
// inherited fd is unfingerprintable — callers must then disable
// shortcutting for the owning process (spec.md §4.7).
func Fingerprint(in FingerprintInput) (fbhash.Hash, bool) {
	for _, d := range in.InheritedFDs {
		if !d.Fingerprintable {
			return fbhash.Hash{}, false
		}
	}
	return fbhash.FromBytes(encode(in)), true
}

func encode(in FingerprintInput) []byte {
	var buf bytes.Buffer

	writeString(&buf, in.Executable)

	binary.Write(&buf, binary.LittleEndian, uint32(len(in.Argv)))
	for _, a := range in.Argv {
		writeString(&buf, a)
	}

	names := make([]string, 0, len(in.Env))
	for name := range in.Env {
		if in.EnvAllowed == nil || in.EnvAllowed(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	binary.Write(&buf, binary.LittleEndian, uint32(len(names)))
	for _, name := range names {
		writeString(&buf, name+"="+in.Env[name])
	}

	writeString(&buf, in.Wd)
	writeString(&buf, in.PolicyVersion)

	binary.Write(&buf, binary.LittleEndian, uint32(len(in.InheritedFDs)))
	for _, d := range in.InheritedFDs {
		binary.Write(&buf, binary.LittleEndian, int32(d.Num))
		buf.WriteByte(byte(d.Tag))
		if d.HashKnown {
			buf.WriteByte(1)
			buf.Write(d.Hash[:])
		} else {
			buf.WriteByte(0)
		}
	}

	buf.Write(in.ExecutableHash[:])
	binary.Write(&buf, binary.LittleEndian, uint32(len(in.SharedLibHashes)))
	for _, h := range in.SharedLibHashes {
		buf.Write(h[:])
	}

	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

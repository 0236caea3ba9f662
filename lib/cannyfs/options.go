// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options selects eager versus synchronous behavior per call class.
// The zero value is NOT the default configuration; use
// [DefaultOptions]. Field names and defaults follow the cannyfs
// option vocabulary: an "eager" call returns success before (or
// without) executing.
type Options struct {
	// EagerLink defers link(2).
	EagerLink bool `yaml:"eagerlink"`

	// EagerChmod defers chmod(2).
	EagerChmod bool `yaml:"eagerchmod"`

	// VeryEagerAccess makes access(2) return success immediately,
	// without even waiting for pending writes. Batch callers know
	// their own access pattern.
	VeryEagerAccess bool `yaml:"veryeageraccess"`

	// EagerAccess drops the access(2) syscall after the barrier.
	EagerAccess bool `yaml:"eageraccess"`

	// EagerUtimens defers utimensat(2).
	EagerUtimens bool `yaml:"eagerutimens"`

	// EagerChown defers chown(2), and fallocate(2) with it.
	EagerChown bool `yaml:"eagerchown"`

	// EagerCreate defers the open(2) behind create and open; the
	// kernel gets a virtual handle whose descriptor binds later.
	EagerCreate bool `yaml:"eagercreate"`

	// EagerClose defers flush and release closes to the executor.
	EagerClose bool `yaml:"eagerclose"`

	// CloseVeryLate sends descriptors to the reservoir instead of
	// closing them; the reservoir drains at unmount.
	CloseVeryLate bool `yaml:"closeverylate"`

	// RestrictiveDirs serializes mutations against directory
	// enumeration through a global sentinel, so readdir sees a
	// consistent tree.
	RestrictiveDirs bool `yaml:"restrictivedirs"`

	// EagerFsync defers fsync(2).
	EagerFsync bool `yaml:"eagerfsync"`

	// IgnoreFsync makes fsync(2) return success without touching
	// storage. Takes precedence over EagerFsync.
	IgnoreFsync bool `yaml:"ignorefsync"`

	// NumThreads is the deferred-executor pool size.
	NumThreads int `yaml:"numthreads"`

	// ReservoirLimit bounds the late-close reservoir; beyond it,
	// the oldest descriptors are closed to make room. Zero means
	// unbounded, the original batch-use behavior.
	ReservoirLimit int `yaml:"reservoirlimit"`
}

// DefaultOptions returns the batch-workload defaults: everything
// eager except restrictive directories.
func DefaultOptions() Options {
	return Options{
		EagerLink:       true,
		EagerChmod:      true,
		VeryEagerAccess: true,
		EagerAccess:     true,
		EagerUtimens:    true,
		EagerChown:      true,
		EagerCreate:     true,
		EagerClose:      true,
		CloseVeryLate:   true,
		RestrictiveDirs: false,
		EagerFsync:      true,
		IgnoreFsync:     true,
		NumThreads:      16,
	}
}

// LoadOptionsFile reads a YAML options file over base and returns the
// merged result. There is no discovery and no fallback: the file is
// loaded from exactly the given path. Unknown keys are rejected so a
// typo cannot silently leave a knob at its default.
func LoadOptionsFile(path string, base Options) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("reading options file: %w", err)
	}

	merged := base
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&merged); err != nil {
		return base, fmt.Errorf("parsing options file %s: %w", path, err)
	}
	return merged, nil
}

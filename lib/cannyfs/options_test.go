// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if !opts.EagerChmod || !opts.EagerChown || !opts.EagerUtimens || !opts.EagerLink {
		t.Fatalf("metadata deferral not on by default: %+v", opts)
	}
	if !opts.EagerCreate || !opts.EagerClose || !opts.CloseVeryLate {
		t.Fatalf("handle-lifecycle eagerness not on by default: %+v", opts)
	}
	if !opts.VeryEagerAccess || !opts.EagerAccess {
		t.Fatalf("access eagerness not on by default: %+v", opts)
	}
	if !opts.IgnoreFsync || !opts.EagerFsync {
		t.Fatalf("fsync eagerness not on by default: %+v", opts)
	}
	if opts.RestrictiveDirs {
		t.Fatalf("restrictive dirs on by default")
	}
	if opts.NumThreads != 16 {
		t.Fatalf("default pool size %d, want 16", opts.NumThreads)
	}
	if opts.ReservoirLimit != 0 {
		t.Fatalf("default reservoir limit %d, want unbounded", opts.ReservoirLimit)
	}
}

func TestLoadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	content := "eagerchmod: false\nrestrictivedirs: true\nnumthreads: 4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing options file: %v", err)
	}

	opts, err := LoadOptionsFile(path, DefaultOptions())
	if err != nil {
		t.Fatalf("loading options: %v", err)
	}

	if opts.EagerChmod {
		t.Fatalf("eagerchmod not overridden by file")
	}
	if !opts.RestrictiveDirs {
		t.Fatalf("restrictivedirs not overridden by file")
	}
	if opts.NumThreads != 4 {
		t.Fatalf("numthreads %d, want 4", opts.NumThreads)
	}
	// Untouched keys keep their defaults.
	if !opts.EagerChown || !opts.CloseVeryLate {
		t.Fatalf("unrelated options lost their defaults: %+v", opts)
	}
}

func TestLoadOptionsFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	if err := os.WriteFile(path, []byte("egerchmod: false\n"), 0o644); err != nil {
		t.Fatalf("writing options file: %v", err)
	}

	if _, err := LoadOptionsFile(path, DefaultOptions()); err == nil {
		t.Fatalf("misspelled option key accepted")
	}
}

func TestLoadOptionsFileMissing(t *testing.T) {
	if _, err := LoadOptionsFile(filepath.Join(t.TempDir(), "absent.yaml"), DefaultOptions()); err == nil {
		t.Fatalf("missing options file accepted")
	}
}

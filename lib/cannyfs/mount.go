// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"

	"github.com/samuell/cannyfs/lib/engine"
	"github.com/samuell/cannyfs/lib/handle"
)

// Config configures a cannyfs mount.
type Config struct {
	// Source is the backing directory the mount passes through to.
	Source string

	// Mountpoint is where the filesystem is mounted. Created if it
	// does not exist.
	Mountpoint string

	// Options tunes per-call-class eagerness. Use DefaultOptions
	// as the base; with the zero value every call runs inline except
	// writes, which always drain through the deferred pipe handoff.
	Options Options

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse request tracing.
	Debug bool

	// FSName is the source reported in /proc/mounts. Defaults to
	// the source directory.
	FSName string

	// Logger receives diagnostics, including deferred-operation
	// failures. If nil, a stderr text handler at Error level is
	// used.
	Logger *slog.Logger
}

// Server is a mounted cannyfs filesystem.
type Server struct {
	fuse      *fuse.Server
	engine    *engine.Engine
	handles   *handle.Table
	reservoir *Reservoir
	logger    *slog.Logger

	mountpoint string

	closeOnce sync.Once
	closeErr  error
}

// Mount mounts a cannyfs pass-through filesystem. The caller must
// call Close when done; only then is all deferred work guaranteed to
// have reached the source directory.
func Mount(cfg Config) (*Server, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("source directory is required")
	}
	if cfg.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}
	if cfg.FSName == "" {
		cfg.FSName = cfg.Source
	}

	st := syscall.Stat_t{}
	if err := syscall.Stat(cfg.Source, &st); err != nil {
		return nil, fmt.Errorf("statting source %s: %w", cfg.Source, err)
	}

	if err := os.MkdirAll(cfg.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", cfg.Mountpoint, err)
	}
	if mounted, err := mountinfo.Mounted(cfg.Mountpoint); err == nil && mounted {
		return nil, fmt.Errorf("mountpoint %s is already a mount", cfg.Mountpoint)
	}

	eng := engine.New(engine.Config{
		Workers:         cfg.Options.NumThreads,
		RestrictiveDirs: cfg.Options.RestrictiveDirs,
		Logger:          cfg.Logger,
	})
	handles := handle.NewTable()
	reservoir := NewReservoir(cfg.Options.ReservoirLimit, cfg.Logger)

	root := &cannyNode{root: &rootData{
		source:    cfg.Source,
		sourceDev: uint64(st.Dev),
		engine:    eng,
		handles:   handles,
		reservoir: reservoir,
		opts:      cfg.Options,
		logger:    cfg.Logger,
	}}

	// Timeouts stay unset: the kernel must not cache attributes a
	// deferred mutation is about to change behind its back.
	server, err := gofuse.Mount(cfg.Mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     cfg.FSName,
			Name:       "cannyfs",
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
		},
	})
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("mounting cannyfs at %s: %w", cfg.Mountpoint, err)
	}

	cfg.Logger.Info("cannyfs mounted",
		"source", cfg.Source,
		"mountpoint", cfg.Mountpoint,
		"workers", cfg.Options.NumThreads,
	)

	return &Server{
		fuse:       server,
		engine:     eng,
		handles:    handles,
		reservoir:  reservoir,
		logger:     cfg.Logger,
		mountpoint: cfg.Mountpoint,
	}, nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	s.fuse.Wait()
}

// Close unmounts and then drains: the executor finishes every
// deferred mutation and the reservoir closes its descriptors. When
// Close returns, the source directory holds the final state. Safe to
// call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		err := s.fuse.Unmount()
		if err != nil {
			s.logger.Error("unmounting", "mountpoint", s.mountpoint, "error", err)
		}

		s.engine.Close()
		s.reservoir.Drain()

		if n := s.engine.InFlight(); n != 0 {
			s.logger.Error("deferred work leaked past shutdown", "count", n)
		}

		s.logger.Info("cannyfs unmounted", "mountpoint", s.mountpoint)
		s.closeErr = err
	})
	return s.closeErr
}

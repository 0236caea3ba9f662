// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/samuell/cannyfs/lib/cannyfs"
)

const version = "0.2.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := cannyfs.DefaultOptions()

	var (
		configPath  string
		allowOther  bool
		debug       bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("cannyfs", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML options file (flags override it)")
	flagSet.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount (requires user_allow_other in /etc/fuse.conf)")
	flagSet.BoolVar(&debug, "debug", false, "log FUSE request tracing and engine diagnostics")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	flagSet.BoolVar(&opts.EagerLink, "eagerlink", opts.EagerLink, "defer link")
	flagSet.BoolVar(&opts.EagerChmod, "eagerchmod", opts.EagerChmod, "defer chmod")
	flagSet.BoolVar(&opts.VeryEagerAccess, "veryeageraccess", opts.VeryEagerAccess, "access returns immediately, without waiting for pending writes")
	flagSet.BoolVar(&opts.EagerAccess, "eageraccess", opts.EagerAccess, "drop the access syscall after the barrier")
	flagSet.BoolVar(&opts.EagerUtimens, "eagerutimens", opts.EagerUtimens, "defer utimens")
	flagSet.BoolVar(&opts.EagerChown, "eagerchown", opts.EagerChown, "defer chown and fallocate")
	flagSet.BoolVar(&opts.EagerCreate, "eagercreate", opts.EagerCreate, "defer the open behind create/open")
	flagSet.BoolVar(&opts.EagerClose, "eagerclose", opts.EagerClose, "defer flush/release")
	flagSet.BoolVar(&opts.CloseVeryLate, "closeverylate", opts.CloseVeryLate, "park descriptors in the reservoir until unmount")
	flagSet.BoolVar(&opts.RestrictiveDirs, "restrictivedirs", opts.RestrictiveDirs, "serialize mutations against directory reads")
	flagSet.BoolVar(&opts.EagerFsync, "eagerfsync", opts.EagerFsync, "defer fsync")
	flagSet.BoolVar(&opts.IgnoreFsync, "ignorefsync", opts.IgnoreFsync, "fsync returns immediately without touching storage")
	flagSet.IntVar(&opts.NumThreads, "numthreads", opts.NumThreads, "deferred executor pool size")
	flagSet.IntVar(&opts.ReservoirLimit, "reservoirlimit", opts.ReservoirLimit, "bound the late-close reservoir, 0 for unbounded")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("cannyfs %s\n", version)
		return nil
	}

	args := flagSet.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: cannyfs [flags] SOURCE MOUNTPOINT")
	}
	source, mountpoint := args[0], args[1]

	if configPath != "" {
		fileOpts, err := cannyfs.LoadOptionsFile(configPath, cannyfs.DefaultOptions())
		if err != nil {
			return err
		}
		// Flags set explicitly on the command line win over the
		// file; everything else takes the file's value.
		merged := fileOpts
		applyExplicitFlags(flagSet, &merged, &opts)
		opts = merged
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	server, err := cannyfs.Mount(cannyfs.Config{
		Source:     source,
		Mountpoint: mountpoint,
		Options:    opts,
		AllowOther: allowOther,
		Debug:      debug,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		if err := server.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	server.Wait()
	stop()
	return server.Close()
}

// applyExplicitFlags copies the option fields whose flags the user
// actually set from flagged into merged.
func applyExplicitFlags(flagSet *pflag.FlagSet, merged, flagged *cannyfs.Options) {
	copies := map[string]func(){
		"eagerlink":       func() { merged.EagerLink = flagged.EagerLink },
		"eagerchmod":      func() { merged.EagerChmod = flagged.EagerChmod },
		"veryeageraccess": func() { merged.VeryEagerAccess = flagged.VeryEagerAccess },
		"eageraccess":     func() { merged.EagerAccess = flagged.EagerAccess },
		"eagerutimens":    func() { merged.EagerUtimens = flagged.EagerUtimens },
		"eagerchown":      func() { merged.EagerChown = flagged.EagerChown },
		"eagercreate":     func() { merged.EagerCreate = flagged.EagerCreate },
		"eagerclose":      func() { merged.EagerClose = flagged.EagerClose },
		"closeverylate":   func() { merged.CloseVeryLate = flagged.CloseVeryLate },
		"restrictivedirs": func() { merged.RestrictiveDirs = flagged.RestrictiveDirs },
		"eagerfsync":      func() { merged.EagerFsync = flagged.EagerFsync },
		"ignorefsync":     func() { merged.IgnoreFsync = flagged.IgnoreFsync },
		"numthreads":      func() { merged.NumThreads = flagged.NumThreads },
		"reservoirlimit":  func() { merged.ReservoirLimit = flagged.ReservoirLimit },
	}
	for name, apply := range copies {
		if flagSet.Changed(name) {
			apply()
		}
	}
}

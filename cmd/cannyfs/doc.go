// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

// cannyfs mounts a pass-through filesystem that gets high performance
// from a "can do" attitude: deferrable mutations return success
// before they execute, ordered per path by a deferred-operation
// engine. Intended for batch processing where removing all outputs
// and rerunning is a real option.
//
// Usage:
//
//	cannyfs [flags] SOURCE MOUNTPOINT
//
// Every eagerness knob defaults to on except --restrictivedirs. A
// YAML options file given with --config is applied first; flags set
// on the command line override it. The mount is released with
// fusermount -u or by interrupting the process; either way the
// process exits only after all deferred work has reached SOURCE.
package main

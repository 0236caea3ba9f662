// Copyright 2026 The CannyFS Authors
// SPDX-License-Identifier: Apache-2.0

package cannyfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/samuell/cannyfs/lib/engine"
	"github.com/samuell/cannyfs/lib/handle"
)

// rootData is shared by every node of one mount.
type rootData struct {
	// source is the backing directory the mount passes through to.
	source string

	// sourceDev is the device of source, mixed into inode numbers
	// the same way the go-fuse loopback filesystem does.
	sourceDev uint64

	engine    *engine.Engine
	handles   *handle.Table
	reservoir *Reservoir
	opts      Options
	logger    *slog.Logger
}

func (r *rootData) backing(rel string) string {
	return filepath.Join(r.source, rel)
}

func (r *rootData) newNode() gofuse.InodeEmbedder {
	return &cannyNode{root: r}
}

// idFromStat composes a stable inode id from the underlying inode,
// mixing in the device number so a mount crossing filesystems stays
// collision free.
func (r *rootData) idFromStat(st *syscall.Stat_t) gofuse.StableAttr {
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRootDev := (r.sourceDev << 32) | (r.sourceDev >> 32)
	return gofuse.StableAttr{
		Mode: uint32(st.Mode),
		Gen:  1,
		Ino:  (swapped ^ swappedRootDev) ^ st.Ino,
	}
}

// cannyNode dispatches one path's filesystem calls through the
// deferral policy: reads take a reader barrier and run inline,
// deferrable mutations are ticket-stamped and queued, structural
// mutations are ticket-stamped and run inline.
type cannyNode struct {
	gofuse.Inode
	root *rootData
}

var _ = (gofuse.NodeStatfser)((*cannyNode)(nil))
var _ = (gofuse.NodeLookuper)((*cannyNode)(nil))
var _ = (gofuse.NodeGetattrer)((*cannyNode)(nil))
var _ = (gofuse.NodeSetattrer)((*cannyNode)(nil))
var _ = (gofuse.NodeReadlinker)((*cannyNode)(nil))
var _ = (gofuse.NodeAccesser)((*cannyNode)(nil))
var _ = (gofuse.NodeOpendirer)((*cannyNode)(nil))
var _ = (gofuse.NodeReaddirer)((*cannyNode)(nil))
var _ = (gofuse.NodeMknoder)((*cannyNode)(nil))
var _ = (gofuse.NodeMkdirer)((*cannyNode)(nil))
var _ = (gofuse.NodeRmdirer)((*cannyNode)(nil))
var _ = (gofuse.NodeUnlinker)((*cannyNode)(nil))
var _ = (gofuse.NodeSymlinker)((*cannyNode)(nil))
var _ = (gofuse.NodeRenamer)((*cannyNode)(nil))
var _ = (gofuse.NodeLinker)((*cannyNode)(nil))
var _ = (gofuse.NodeCreater)((*cannyNode)(nil))
var _ = (gofuse.NodeOpener)((*cannyNode)(nil))
var _ = (gofuse.NodeGetxattrer)((*cannyNode)(nil))
var _ = (gofuse.NodeSetxattrer)((*cannyNode)(nil))
var _ = (gofuse.NodeRemovexattrer)((*cannyNode)(nil))
var _ = (gofuse.NodeListxattrer)((*cannyNode)(nil))

// rel is the mount-relative path, the key every barrier and ticket
// registration uses for this node.
func (n *cannyNode) rel() string {
	return n.Path(n.Root())
}

func (n *cannyNode) backing() string {
	return n.root.backing(n.rel())
}

// preserveOwner propagates the caller's uid/gid onto a freshly
// created path when running as root, matching what the kernel would
// have done for a plain filesystem.
func (n *cannyNode) preserveOwner(ctx context.Context, path string) {
	if os.Getuid() != 0 {
		return
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return
	}
	_ = syscall.Lchown(path, int(caller.Uid), int(caller.Gid))
}

func (n *cannyNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()

	s := syscall.Statfs_t{}
	if err := syscall.Statfs(n.backing(), &s); err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromStatfsT(&s)
	return gofuse.OK
}

func (n *cannyNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := filepath.Join(n.rel(), name)
	defer n.root.engine.ReadBarrier(rel, engine.JustBarrier).Close()

	st := syscall.Stat_t{}
	if err := syscall.Lstat(n.root.backing(rel), &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}

	out.Attr.FromStat(&st)
	ch := n.NewInode(ctx, n.root.newNode(), n.root.idFromStat(&st))
	return ch, 0
}

func (n *cannyNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fga, ok := f.(gofuse.FileGetattrer); ok && fga != nil {
		return fga.Getattr(ctx, out)
	}

	rel := n.rel()
	defer n.root.engine.ReadBarrier(rel, engine.JustBarrier).Close()

	st := syscall.Stat_t{}
	var err error
	if &n.Inode == n.Root() {
		err = syscall.Stat(n.root.backing(rel), &st)
	} else {
		err = syscall.Lstat(n.root.backing(rel), &st)
	}
	if err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromStat(&st)
	return gofuse.OK
}

// Setattr splits the kernel's combined attribute change into the
// per-class deferral policies: chmod, chown and utimens defer under
// their option flags, truncate always runs inline. The reply
// attributes are reconstructed from the backing file with the
// requested changes overlaid, since deferred changes are not visible
// there yet.
func (n *cannyNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rel := n.rel()
	p := n.root.backing(rel)
	opts := &n.root.opts

	if mode, ok := in.GetMode(); ok {
		if err := n.root.engine.Mutate(opts.EagerChmod, []string{rel}, func() error {
			return syscall.Chmod(p, mode)
		}); err != nil {
			return gofuse.ToErrno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		suid, sgid := -1, -1
		if uok {
			suid = int(uid)
		}
		if gok {
			sgid = int(gid)
		}
		if err := n.root.engine.Mutate(opts.EagerChown, []string{rel}, func() error {
			return syscall.Lchown(p, suid, sgid)
		}); err != nil {
			return gofuse.ToErrno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ap, mp := &atime, &mtime
		if !aok {
			ap = nil
		}
		if !mok {
			mp = nil
		}
		ts := [2]syscall.Timespec{fuse.UtimeToTimespec(ap), fuse.UtimeToTimespec(mp)}
		if err := n.root.engine.Mutate(opts.EagerUtimens, []string{rel}, func() error {
			uts := [2]unix.Timespec{
				{Sec: ts[0].Sec, Nsec: ts[0].Nsec},
				{Sec: ts[1].Sec, Nsec: ts[1].Nsec},
			}
			return unix.UtimesNanoAt(unix.AT_FDCWD, p, uts[:], unix.AT_SYMLINK_NOFOLLOW)
		}); err != nil {
			return gofuse.ToErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := n.root.engine.Mutate(false, []string{rel}, func() error {
			return syscall.Truncate(p, int64(size))
		}); err != nil {
			return gofuse.ToErrno(err)
		}
	}

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err == nil {
		out.FromStat(&st)
	} else {
		// The backing file may not exist yet when a deferred
		// create is still queued; reply from the request alone
		// and let the next getattr see the real thing.
		out.Attr.Mode = syscall.S_IFREG
		out.Attr.Nlink = 1
	}
	overlaySetAttr(in, &out.Attr)
	return gofuse.OK
}

func (n *cannyNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()

	p := n.backing()
	for l := 256; ; l *= 2 {
		buf := make([]byte, l)
		sz, err := syscall.Readlink(p, buf)
		if err != nil {
			return nil, gofuse.ToErrno(err)
		}
		if sz < len(buf) {
			return buf[:sz], 0
		}
	}
}

func (n *cannyNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	opts := &n.root.opts
	if opts.VeryEagerAccess {
		return gofuse.OK
	}

	// At least make the writes finish.
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()

	if opts.EagerAccess {
		return gofuse.OK
	}
	return gofuse.ToErrno(unix.Faccessat(unix.AT_FDCWD, n.backing(), mask, 0))
}

func (n *cannyNode) Opendir(ctx context.Context) syscall.Errno {
	defer n.root.engine.DirReadBarrier(n.rel(), engine.JustBarrier).Close()

	fd, err := syscall.Open(n.backing(), syscall.O_DIRECTORY, 0o755)
	if err != nil {
		return gofuse.ToErrno(err)
	}
	syscall.Close(fd)
	return gofuse.OK
}

func (n *cannyNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	defer n.root.engine.DirReadBarrier(n.rel(), engine.JustBarrier).Close()
	return gofuse.NewLoopbackDirStream(n.backing())
}

func (n *cannyNode) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := filepath.Join(n.rel(), name)
	p := n.root.backing(rel)

	err := n.root.engine.Mutate(false, []string{rel}, func() error {
		return syscall.Mknod(p, mode, int(rdev))
	})
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Unlink(p)
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.NewInode(ctx, n.root.newNode(), n.root.idFromStat(&st)), 0
}

func (n *cannyNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := filepath.Join(n.rel(), name)
	p := n.root.backing(rel)

	err := n.root.engine.Mutate(false, []string{rel}, func() error {
		return syscall.Mkdir(p, mode)
	})
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Rmdir(p)
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.NewInode(ctx, n.root.newNode(), n.root.idFromStat(&st)), 0
}

// Rmdir makes no attempt to cancel or redirect pending work for
// paths under the removed directory; closures against them fail and
// are logged.
func (n *cannyNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	rel := filepath.Join(n.rel(), name)
	err := n.root.engine.Mutate(false, []string{rel}, func() error {
		return syscall.Rmdir(n.root.backing(rel))
	})
	return gofuse.ToErrno(err)
}

// Unlink is synchronous and does not cancel pending work against the
// target; a still-queued mutation on the dead name fails later and is
// logged.
func (n *cannyNode) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := filepath.Join(n.rel(), name)
	err := n.root.engine.Mutate(false, []string{rel}, func() error {
		return syscall.Unlink(n.root.backing(rel))
	})
	return gofuse.ToErrno(err)
}

func (n *cannyNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := filepath.Join(n.rel(), name)
	p := n.root.backing(rel)

	err := n.root.engine.Mutate(false, []string{rel}, func() error {
		return syscall.Symlink(target, p)
	})
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	n.preserveOwner(ctx, p)

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Unlink(p)
		return nil, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.NewInode(ctx, n.root.newNode(), n.root.idFromStat(&st)), 0
}

// Rename drains and excludes all pending work on the source path
// before the name vanishes, then renames inline. Pending work keyed
// on the old name is not rewritten to the new one; anything submitted
// against the old path afterwards fails and is logged.
func (n *cannyNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}

	fromRel := filepath.Join(n.rel(), name)
	toRel := filepath.Join(newParent.EmbeddedInode().Path(n.Root()), newName)

	guard := n.root.engine.ReadBarrier(fromRel, engine.LockWhole)
	defer guard.Close()

	err := syscall.Rename(n.root.backing(fromRel), n.root.backing(toRel))
	return gofuse.ToErrno(err)
}

func (n *cannyNode) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	rel := filepath.Join(n.rel(), name)
	targetRel := target.EmbeddedInode().Path(n.Root())
	p := n.root.backing(rel)
	targetPath := n.root.backing(targetRel)

	// The reply needs the source attributes now, so the source's
	// pending work must drain even though the link itself defers.
	n.root.engine.ReadBarrier(targetRel, engine.JustBarrier).Close()

	st := syscall.Stat_t{}
	if err := syscall.Lstat(targetPath, &st); err != nil {
		return nil, gofuse.ToErrno(err)
	}

	err := n.root.engine.Mutate(n.root.opts.EagerLink, []string{targetRel, rel}, func() error {
		return syscall.Link(targetPath, p)
	})
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}

	st.Nlink++
	out.Attr.FromStat(&st)
	return n.NewInode(ctx, n.root.newNode(), n.root.idFromStat(&st)), 0
}

// Create allocates the virtual handle and replies immediately; the
// backing open runs deferred. The entry attributes are synthesized
// from the request, since the file may not exist yet — the next
// Getattr passes a reader barrier and sees the real thing.
func (n *cannyNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	rel := filepath.Join(n.rel(), name)
	p := n.root.backing(rel)
	flags = flags &^ syscall.O_APPEND

	id := n.root.handles.Acquire()
	h := n.root.handles.Get(id)

	if !n.root.opts.EagerCreate {
		fd, err := syscall.Open(p, int(flags)|os.O_CREATE, mode)
		if err != nil {
			n.root.handles.Release(id)
			return nil, nil, 0, gofuse.ToErrno(err)
		}
		h.Bind(fd)
		n.preserveOwner(ctx, p)

		st := syscall.Stat_t{}
		if err := syscall.Fstat(fd, &st); err != nil {
			syscall.Close(fd)
			n.root.handles.Release(id)
			return nil, nil, 0, gofuse.ToErrno(err)
		}
		out.Attr.FromStat(&st)
		ch := n.NewInode(ctx, n.root.newNode(), n.root.idFromStat(&st))
		return ch, newCannyFile(n.root, rel, id), 0, 0
	}

	uid, gid := callerIDs(ctx)
	err := n.root.engine.Mutate(true, []string{rel}, func() error {
		fd, err := syscall.Open(p, int(flags)|os.O_CREATE, mode)
		if err != nil {
			h.Reject(gofuse.ToErrno(err))
			return err
		}
		if os.Getuid() == 0 {
			_ = syscall.Lchown(p, int(uid), int(gid))
		}
		h.Bind(fd)
		return nil
	})
	if err != nil {
		n.root.handles.Release(id)
		return nil, nil, 0, gofuse.ToErrno(err)
	}

	synthesizeEntry(out, mode|syscall.S_IFREG, uid, gid)
	ch := n.NewInode(ctx, n.root.newNode(), gofuse.StableAttr{Mode: syscall.S_IFREG})
	return ch, newCannyFile(n.root, rel, id), 0, 0
}

// Open hands back a virtual handle and defers the backing open; the
// first operation that needs the descriptor blocks until the worker
// binds it.
func (n *cannyNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	rel := n.rel()
	p := n.root.backing(rel)
	flags = flags &^ syscall.O_APPEND

	id := n.root.handles.Acquire()
	h := n.root.handles.Get(id)

	if !n.root.opts.EagerCreate {
		fd, err := syscall.Open(p, int(flags), 0)
		if err != nil {
			n.root.handles.Release(id)
			return nil, 0, gofuse.ToErrno(err)
		}
		h.Bind(fd)
		return newCannyFile(n.root, rel, id), 0, 0
	}

	err := n.root.engine.Mutate(true, []string{rel}, func() error {
		fd, err := syscall.Open(p, int(flags), 0)
		if err != nil {
			h.Reject(gofuse.ToErrno(err))
			return err
		}
		h.Bind(fd)
		return nil
	})
	if err != nil {
		n.root.handles.Release(id)
		return nil, 0, gofuse.ToErrno(err)
	}
	return newCannyFile(n.root, rel, id), 0, 0
}

func (n *cannyNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()
	sz, err := unix.Lgetxattr(n.backing(), attr, dest)
	return uint32(sz), gofuse.ToErrno(err)
}

func (n *cannyNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()
	sz, err := unix.Llistxattr(n.backing(), dest)
	return uint32(sz), gofuse.ToErrno(err)
}

// Setxattr waits for pending work and then applies synchronously;
// xattr churn is rare enough in batch workloads that deferring it
// buys nothing.
func (n *cannyNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()
	return gofuse.ToErrno(unix.Lsetxattr(n.backing(), attr, data, int(flags)))
}

func (n *cannyNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	defer n.root.engine.ReadBarrier(n.rel(), engine.JustBarrier).Close()
	return gofuse.ToErrno(unix.Lremovexattr(n.backing(), attr))
}

// callerIDs extracts the requesting uid/gid, falling back to the
// process's own.
func callerIDs(ctx context.Context) (uint32, uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return uint32(os.Getuid()), uint32(os.Getgid())
}

// synthesizeEntry fills the reply for a create whose backing file
// does not exist yet: requested mode, size zero, current times.
func synthesizeEntry(out *fuse.EntryOut, mode uint32, uid, gid uint32) {
	now := time.Now()
	out.Attr.Mode = mode
	out.Attr.Size = 0
	out.Attr.Nlink = 1
	out.Attr.Owner = fuse.Owner{Uid: uid, Gid: gid}
	out.Attr.Atime = uint64(now.Unix())
	out.Attr.Mtime = uint64(now.Unix())
	out.Attr.Ctime = uint64(now.Unix())
	nsec := uint32(now.Nanosecond())
	out.Attr.Atimensec = nsec
	out.Attr.Mtimensec = nsec
	out.Attr.Ctimensec = nsec
}

// overlaySetAttr rewrites the reply attributes with the changes the
// request asked for, covering the window where a deferred change is
// not yet visible on the backing file.
func overlaySetAttr(in *fuse.SetAttrIn, attr *fuse.Attr) {
	if mode, ok := in.GetMode(); ok {
		attr.Mode = (attr.Mode &^ 0o7777) | (mode & 0o7777)
	}
	if uid, ok := in.GetUID(); ok {
		attr.Owner.Uid = uid
	}
	if gid, ok := in.GetGID(); ok {
		attr.Owner.Gid = gid
	}
	if atime, ok := in.GetATime(); ok {
		attr.Atime = uint64(atime.Unix())
		attr.Atimensec = uint32(atime.Nanosecond())
	}
	if mtime, ok := in.GetMTime(); ok {
		attr.Mtime = uint64(mtime.Unix())
		attr.Mtimensec = uint32(mtime.Nanosecond())
	}
	if size, ok := in.GetSize(); ok {
		attr.Size = size
	}
}

// Copyright (C) 2026  ulayfs-go authors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package main

import (
	"context"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"lab.nexedi.com/kirr/go123/xcontext"

	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/ulayfs"
)

// dataNode is the single regular file this filesystem exposes: /data,
// backed end to end by an *ulayfs.File. It serves Read/Write directly as
// Node methods rather than through a nodefs.File handle, the way the
// teacher's BigFile does for its read path -- Open hands back fh=nil.
type dataNode struct {
	fsNode

	f *ulayfs.File

	// fsCtx is cancelled when the filesystem is unmounting; every
	// Read/Write merges it with the per-request fuse.Context, mirroring
	// wcfs.go's xcontext.Merge(fctx, f.head.zconn.TxnCtx) so in-flight
	// requests observe cancellation from either side.
	fsCtx context.Context

	openedAt time.Time
}

func newDataNode(f *ulayfs.File, fsCtx context.Context) *dataNode {
	return &dataNode{
		fsNode:   newFSNode(),
		f:        f,
		fsCtx:    fsCtx,
		openedAt: time.Now(),
	}
}

func (n *dataNode) Open(flags uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	return &nodefs.WithFlags{
		File:      nil,
		FuseFlags: fuse.FOPEN_DIRECT_IO,
	}, fuse.OK
}

// Read serves pread(2) on /data by projecting the committed tx log onto
// the requested range, spec.md §6.1.
func (n *dataNode) Read(_ nodefs.File, dest []byte, off int64, fctx *fuse.Context) (fuse.ReadResult, fuse.Status) {
	ctx, cancel := xcontext.Merge(fctx, n.fsCtx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, fuse.EINTR
	}

	// pread(2) past EOF returns zero bytes, not an error -- ulayfs.File.Pread
	// reports that case as io.EOF since it follows Go's io.ReaderAt
	// convention, so translate it back to FUSE's "short read of nothing"
	// before treating any other error as real.
	if off >= n.f.Size() {
		return fuse.ReadResultData(nil), fuse.OK
	}

	nread, err := n.f.Pread(off, dest)
	if err != nil && nread == 0 {
		return nil, err2LogStatus(err)
	}
	return fuse.ReadResultData(dest[:nread]), fuse.OK
}

// Write serves pwrite(2) on /data by running the optimistic CoW write
// path, spec.md §4.5/§6.1.
func (n *dataNode) Write(_ nodefs.File, data []byte, off int64, fctx *fuse.Context) (uint32, fuse.Status) {
	ctx, cancel := xcontext.Merge(fctx, n.fsCtx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, fuse.EINTR
	}

	nwritten, err := n.f.Pwrite(off, data)
	if err != nil {
		return uint32(nwritten), err2LogStatus(err)
	}
	return uint32(nwritten), fuse.OK
}

func (n *dataNode) GetAttr(out *fuse.Attr, _ nodefs.File, _ *fuse.Context) fuse.Status {
	out.Mode = fuse.S_IFREG | 0644
	out.Size = uint64(n.f.Size())
	out.Blksize = layout.BlockSize
	out.SetTimes(nil, &n.openedAt, &n.openedAt)
	return fuse.OK
}

// Truncate only ever grows the logical size: spec.md's Non-goals exclude
// "file truncation concurrent with writes", and a shrinking truncate would
// need to free blocks the allocator has no path to reclaim safely. Growing
// past the current size is the same implicit-grow pwrite already performs
// past EOF, so it is safe to allow here too.
func (n *dataNode) Truncate(_ nodefs.File, size uint64, _ *fuse.Context) fuse.Status {
	if int64(size) < n.f.Size() {
		return err2LogStatus(eINVALf("ulayfs: shrinking truncate not supported"))
	}
	n.f.GrowSize(int64(size))
	return fuse.OK
}

// GetXAttr exposes the shm_path supplemental feature (spec.md §6.3): the
// shared-memory bookkeeping path a cooperating process would use for this
// file's private copy, derived from the inode/ctime the core opened it
// with.
func (n *dataNode) GetXAttr(attribute string, _ *fuse.Context) ([]byte, fuse.Status) {
	if attribute != "user.ulayfs.shm_path" {
		return nil, fuse.ENOATTR
	}
	inode, ctimeNs := n.f.Stat()
	return []byte(layout.ShmPath(inode, ctimeNs)), fuse.OK
}

func (n *dataNode) ListXAttr(_ *fuse.Context) ([]string, fuse.Status) {
	return []string{"user.ulayfs.shm_path"}, fuse.OK
}

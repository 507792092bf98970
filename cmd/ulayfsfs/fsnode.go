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

// Command ulayfsfs is the POSIX interception shim spec.md §1 places out of
// the core's scope and references only through its interfaces: it mounts a
// FUSE filesystem exposing one regular file, "data", whose open/pread/pwrite
// are served by an *ulayfs.File instead of by the kernel's own page cache
// and block layer.
package main

import (
	"context"
	"fmt"

	log "github.com/golang/glog"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/pkg/errors"
)

// eInvalError marks an error that should be reported to the kernel as
// EINVAL and logged at warning level, not error level -- adapted from the
// teacher's misc.go, which uses the same split to avoid drowning real
// errors in client-triggered EINVALs.
type eInvalError struct {
	err error
}

func (e *eInvalError) Error() string { return "invalid argument: " + e.err.Error() }

func eINVAL(err error) *eInvalError { return &eInvalError{err} }

func eINVALf(format string, argv ...interface{}) *eInvalError {
	return eINVAL(fmt.Errorf(format, argv...))
}

// err2LogStatus converts an error returned by the ulayfs core into a FUSE
// status code, logging everything except context cancellation (EINVALs at
// warning level, everything else at error level) so a status code on the
// wire always has a corresponding log line to explain it.
func err2LogStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}

	e := errors.Cause(err)
	if e == context.Canceled {
		return fuse.EINTR
	}

	switch e.(type) {
	case *eInvalError:
		log.WarningDepth(1, err)
		return fuse.EINVAL
	default:
		log.ErrorDepth(1, err)
		return fuse.EIO
	}
}

// fsNode is the base every node in this filesystem embeds, in place of
// nodefs.NewDefaultNode() directly: nodefs.DefaultNode.Open returns ENOSYS,
// which makes the kernel believe the whole filesystem has no openable
// files the moment any one node returns it. fsNode instead hands back
// fh=nil with FOPEN_KEEP_CACHE the way the teacher's misc.go does for
// nodes that serve Read/Write themselves rather than through a file
// handle.
type fsNode struct {
	nodefs.Node
}

func newFSNode() fsNode {
	return fsNode{Node: nodefs.NewDefaultNode()}
}

func (n *fsNode) Open(flags uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	return &nodefs.WithFlags{
		File:      nil,
		FuseFlags: fuse.FOPEN_KEEP_CACHE,
	}, fuse.OK
}

// mkdir adds child to parent as a directory entry; parent must already be
// attached to the inode tree.
func mkdir(parent nodefs.Node, name string, child nodefs.Node) {
	parent.Inode().NewChild(name, true, child)
}

// mkfile adds child to parent as a regular-file entry.
func mkfile(parent nodefs.Node, name string, child nodefs.Node) {
	parent.Inode().NewChild(name, false, child)
}

// mount is like nodefs.MountRoot but forwards the full fuse.MountOptions,
// mirroring the teacher's misc.go helper of the same name.
func mount(mntpt string, root nodefs.Node, opts *fuse.MountOptions) (*fuse.Server, *nodefs.FileSystemConnector, error) {
	nodefsOpts := nodefs.NewOptions()
	nodefsOpts.Debug = opts.Debug
	return nodefs.Mount(mntpt, root, opts, nodefsOpts)
}

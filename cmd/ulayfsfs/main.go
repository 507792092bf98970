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
	"fmt"
	stdlog "log"
	"os"

	log "github.com/golang/glog"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/pflag"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/ulayfs/ulayfs-go/internal/ulayfs"
)

func main() {
	log.CopyStandardLogTo("WARNING")
	defer log.Flush()

	if err := _main(); err != nil {
		log.Fatal(err)
	}
}

func _main() (err error) {
	pmemPath := pflag.String("pmem-path", "", "path to the PMEM-backed regular file to serve (created if it does not exist)")
	mountpoint := pflag.String("mountpoint", "", "directory to mount the filesystem on")
	debug := pflag.BoolP("debug", "d", false, "enable FUSE protocol debug logging")
	autoexit := pflag.Bool("autoexit", false, "accepted for compatibility; currently has no effect")
	pflag.Parse()

	if *pmemPath == "" || *mountpoint == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s --pmem-path FILE --mountpoint DIR\n", os.Args[0])
		os.Exit(2)
	}

	if *debug {
		stdlog.SetFlags(stdlog.Lmicroseconds)
	}

	log.Infof("start %q %q", *mountpoint, *pmemPath)

	f, err := ulayfs.Open(*pmemPath)
	if err != nil {
		return err
	}
	defer func() {
		err = xerr.First(err, f.Close())
	}()

	serveCtx, serveCancel := context.WithCancel(context.Background())

	root := newFSNode()
	data := newDataNode(f, serveCtx)

	opts := &fuse.MountOptions{
		FsName:        *pmemPath,
		Name:          "ulayfsfs",
		DisableXAttrs: false,
		Debug:         *debug,
	}

	fssrv, _, err := mount(*mountpoint, &root, opts)
	if err != nil {
		serveCancel()
		return err
	}

	mkfile(&root, "data", data)

	// --autoexit is parsed and ignored: the server runs until the
	// filesystem is unmounted.
	_ = autoexit

	defer xerr.Contextf(&err, "serve %s %s", *mountpoint, *pmemPath)

	go func() {
		defer serveCancel()
		fssrv.Serve()
	}()
	if err := fssrv.WaitMount(); err != nil {
		serveCancel()
		return err
	}

	<-serveCtx.Done()
	log.Infof("stop %q %q", *mountpoint, *pmemPath)
	return nil
}

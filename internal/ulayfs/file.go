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

// Package ulayfs is the "external bindings" row of spec.md's component
// table: the File context object that owns the live mapping and hands out
// the mem-table/blk-table/allocator/log/tx-manager collaborators spec.md
// §1 otherwise treats as out-of-scope interfaces. It is the thing
// cmd/ulayfsfs's interception shim registers an fd against.
package ulayfs

import (
	"context"
	"encoding/binary"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xsync"

	"github.com/ulayfs/ulayfs-go/internal/blktable"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/pmem"
)

var beOrder = binary.BigEndian

// Error kinds from spec.md §7 that are not RaceLost (which is always
// recovered locally and never escapes the core).
var (
	ErrCorruptSignature   = errors.New("ulayfs: corrupt or missing signature")
	ErrInvalidIndex       = errors.New("ulayfs: invalid block index")
	ErrTruncateInProgress = errors.New("ulayfs: truncate in progress")
)

// initialBlocks is how many blocks a freshly created file starts with: the
// meta block plus enough headroom that most test and demo workloads never
// need to grow the mapping.
const initialBlocks = 1024

// File is the open, mapped, crash-consistent view of one PMEM-backed
// regular file. It is safe for concurrent use: every method that touches
// shared mutable state either delegates to an atomic/CAS primitive further
// down the stack or takes growMu.
type File struct {
	osFile  *os.File
	mapping *pmem.Mapping
	persist pmem.Persister

	growMu        nonReentrantMutex
	numBlocks     uint32 // cached copy of the meta block's NumBlocksAllocated
	numBitmapBlks uint32 // external bitmap blocks grown so far

	inode   uint64
	ctimeNs int64

	writers WriterPool
}

// Open opens path, creating and initializing it as a fresh ulayfs file if
// it is empty, or validating and recovering it if it already holds a file
// image. A corrupt signature or a bitmap/log inconsistency is fatal, per
// spec.md §7 (CorruptSignature, InvalidIndex never propagate as ordinary
// errors — they indicate the on-disk image cannot be trusted).
func Open(path string) (f *File, err error) {
	defer xerr.Contextf(&err, "ulayfs: open %s", path)

	osFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	st, err := osFile.Stat()
	if err != nil {
		osFile.Close()
		return nil, err
	}

	if err := pmem.Lock(int(osFile.Fd())); err != nil {
		osFile.Close()
		return nil, err
	}

	sysStat := st.Sys().(*syscall.Stat_t)

	f = &File{
		osFile:  osFile,
		inode:   sysStat.Ino,
		ctimeNs: sysStat.Ctim.Sec*1e9 + sysStat.Ctim.Nsec,
	}
	f.writers.file = f

	if st.Size() == 0 {
		if err := f.create(); err != nil {
			osFile.Close()
			return nil, err
		}
		return f, nil
	}

	if err := f.open(); err != nil {
		osFile.Close()
		return nil, err
	}
	return f, nil
}

func (f *File) create() (err error) {
	defer xerr.Contextf(&err, "create")

	if err := f.osFile.Truncate(int64(initialBlocks) * layout.BlockSize); err != nil {
		return err
	}
	m, err := pmem.Map(int(f.osFile.Fd()), maxMappedBytes)
	if err != nil {
		return err
	}
	f.mapping = m
	f.persist = pmem.NewMsyncPersister(m)
	f.numBlocks = initialBlocks

	meta := f.mapping.Block(0)
	copy(meta[layout.MetaSignatureOff:layout.MetaSignatureOff+layout.MetaSignatureLen], layout.Signature[:])
	beOrder.PutUint64(meta[layout.MetaFileSizeOff:layout.MetaFileSizeOff+8], 0)
	beOrder.PutUint32(meta[layout.MetaNumBlocksOff:layout.MetaNumBlocksOff+4], initialBlocks)

	// block 0 (the meta block itself) occupies bit 0 of word 0 and must be
	// marked allocated at initialization; it is never freed.
	setBitDirect(meta, 0)

	f.persist.Flush(unsafe.Pointer(&meta[0]), layout.BlockSize)
	f.persist.Fence()
	return nil
}

func (f *File) open() (err error) {
	defer xerr.Contextf(&err, "open existing")

	m, err := pmem.Map(int(f.osFile.Fd()), maxMappedBytes)
	if err != nil {
		return err
	}
	f.mapping = m
	f.persist = pmem.NewMsyncPersister(m)

	meta := f.mapping.Block(0)
	if string(meta[layout.MetaSignatureOff:layout.MetaSignatureOff+layout.MetaSignatureLen]) != string(layout.Signature[:]) {
		log.Fatalf("ulayfs: %v", ErrCorruptSignature)
	}
	f.numBlocks = beOrder.Uint32(meta[layout.MetaNumBlocksOff : layout.MetaNumBlocksOff+4])
	if f.numBlocks > layout.InlineBitmapCapacity {
		f.numBitmapBlks = (f.numBlocks - layout.InlineBitmapCapacity + layout.BitmapBlockCapacity - 1) / layout.BitmapBlockCapacity
	}

	if err := f.recoveryCheck(); err != nil {
		log.Fatalf("ulayfs: recovery check failed: %v", err)
	}
	return nil
}

// recoveryCheck implements the on-open validation SPEC_FULL.md adds to
// resolve spec.md §9's open question: walk the installed tx log and assert
// every referenced LBI's bitmap bit is set (spec.md §8 property 1). Entries
// are collected into batches during the (cheap, sequential) walk and each
// batch's bitmap checks run in an xsync.WorkGroup worker, the same
// fan-out-then-WorkGroup.Wait shape wcfs.go uses for its own per-block
// verification passes.
func (f *File) recoveryCheck() error {
	const batchSize = 256
	var batches [][]layout.TxEntry
	var cur []layout.TxEntry

	tx := f.txManagerForRecovery()
	err := tx.Walk(layout.TxEntryIdx{}, func(idx layout.TxEntryIdx, e layout.TxEntry) (bool, error) {
		cur = append(cur, e)
		if len(cur) == batchSize {
			batches = append(batches, cur)
			cur = nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}

	wg := xsync.NewWorkGroup(context.Background())
	for _, b := range batches {
		b := b
		wg.Go(func(ctx context.Context) error {
			return f.verifyBatch(b)
		})
	}
	return wg.Wait()
}

func (f *File) verifyBatch(entries []layout.TxEntry) error {
	for _, e := range entries {
		lbis, err := blktable.ResolveEntry(f, e)
		if err != nil {
			return err
		}
		for _, lbi := range lbis {
			if !f.bitSet(lbi) {
				return errors.Wrapf(ErrInvalidIndex, "lbi %d referenced by installed commit but bitmap clear", lbi)
			}
		}
	}
	return nil
}

func (f *File) bitSet(lbi layout.LBI) bool {
	idx := uint32(lbi)
	w := f.Word(idx / 64)
	return w.Load()&(uint64(1)<<(idx%64)) != 0
}

// Block returns the BlockSize-byte slice backing lbi. lbi must already be
// within the mapped extent; spec.md §7's InvalidIndex is a programmer-bug
// class of error, so an out-of-range lbi aborts rather than returning an
// error.
func (f *File) Block(lbi layout.LBI) []byte {
	if uint32(lbi) >= atomic.LoadUint32(&f.numBlocks) {
		log.Fatalf("ulayfs: %v: lbi %d >= numBlocks %d", ErrInvalidIndex, lbi, f.numBlocks)
	}
	return f.mapping.Block(uint32(lbi))
}

// Persister exposes the file's flush/fence primitive to the write path.
func (f *File) Persister() pmem.Persister { return f.persist }

// Writers hands out the pool writers borrow an *ulayfs.Writer from.
func (f *File) Writers() *WriterPool { return &f.writers }

// Stat returns the identity the §6.3 shm_path extended attribute is derived
// from.
func (f *File) Stat() (inode uint64, ctimeNs int64) { return f.inode, f.ctimeNs }

// Size returns the logical file size in bytes (meta block bytes 16..23).
func (f *File) Size() int64 {
	meta := f.mapping.Block(0)
	return int64(atomic.LoadUint64((*uint64)(wordAddr(meta, layout.MetaFileSizeOff))))
}

// GrowSize extends the logical file size if newSize is larger than the
// current one; pwrite past EOF implicitly grows the file the way POSIX
// pwrite does.
func (f *File) GrowSize(newSize int64) {
	meta := f.mapping.Block(0)
	ptr := (*uint64)(wordAddr(meta, layout.MetaFileSizeOff))
	for {
		cur := atomic.LoadUint64(ptr)
		if newSize <= int64(cur) {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, cur, uint64(newSize)) {
			f.persist.Flush(unsafe.Pointer(ptr), 8)
			return
		}
	}
}

// TruncateBarrier is the advisory word of spec.md §6.2 bytes 64-127: the
// core only ever reads it, to let an out-of-scope concurrent truncate
// signal writers to abort.
func (f *File) TruncateBarrier() uint64 {
	meta := f.mapping.Block(0)
	return atomic.LoadUint64((*uint64)(wordAddr(meta, layout.MetaTruncBarrierOff)))
}

// CheckTruncateBarrier returns ErrTruncateInProgress if a truncate has
// raised the barrier; the CoW write path calls this once at the start of
// every write attempt, never mid-attempt.
func (f *File) CheckTruncateBarrier() error {
	if f.TruncateBarrier() != 0 {
		return ErrTruncateInProgress
	}
	return nil
}

// Close unmaps the file, releases the advisory lock taken by Open and
// closes the backing *os.File that Open opened.
func (f *File) Close() error {
	err := f.mapping.Unmap()
	if uerr := pmem.Unlock(int(f.osFile.Fd())); err == nil {
		err = uerr
	}
	if cerr := f.osFile.Close(); err == nil {
		err = cerr
	}
	return err
}

func wordAddr(blk []byte, off int) unsafe.Pointer { return unsafe.Pointer(&blk[off]) }

func setBitDirect(meta []byte, bit uint32) {
	w := (*uint64)(wordAddr(meta, layout.MetaInlineBitmapOff+int(bit/64)*8))
	atomic.StoreUint64(w, atomic.LoadUint64(w)|(uint64(1)<<(bit%64)))
}

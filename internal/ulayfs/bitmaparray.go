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

package ulayfs

import (
	"sync/atomic"
	"unsafe"

	log "github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/ulayfs/ulayfs-go/internal/bitmap"
	"github.com/ulayfs/ulayfs-go/internal/layout"
)

// ErrOutOfSpace is spec.md §7's OutOfSpace kind: the allocator exhausted the
// bitmap and the file cannot grow any further within its reserved mapping.
var ErrOutOfSpace = errors.New("ulayfs: out of space")

// maxMappedBytes is the virtual address range reserved at Open/create time.
// Growth (File.Grow, driven by the allocator when the bitmap is exhausted)
// only ever truncate(2)s the backing file longer within this reservation
// and never remaps: remapping while other goroutines hold block
// slices returned by File.Block would dangle them. (GrowSize only raises
// the logical size word in the meta block.) The reservation bounds
// the file at 4 GiB, ample for this implementation's test and demo
// workloads; DESIGN.md records this as the resolution picked for growing a
// live PMEM mapping safely under concurrent access.
const maxMappedBytes = 4 << 30

const maxMappedBlocks = maxMappedBytes / layout.BlockSize

// growChunkBlocks is how many blocks File.Grow adds per call.
const growChunkBlocks = 1024

const wordsPerExternalBlock = layout.BlockSize / 8 // 512

// Word implements alloc.BitmapArray for File: bitmap.Word i's address is
// the inline array in the meta block for i < NumInlineBitmapWords, or the
// appropriate external bitmap block otherwise, spec.md §6.2.
func (f *File) Word(i uint32) bitmap.Word {
	if i < layout.NumInlineBitmapWords {
		meta := f.mapping.Block(0)
		return bitmap.At(wordAddr(meta, layout.MetaInlineBitmapOff+int(i)*8))
	}
	rel := i - layout.NumInlineBitmapWords
	k := rel/wordsPerExternalBlock + 1
	local := rel % wordsPerExternalBlock
	blk := f.mapping.Block(uint32(layout.BitmapRangeStart(k)))
	return bitmap.At(wordAddr(blk, int(local)*8))
}

// NumWords implements alloc.BitmapArray: how many bitmap.Words are
// reachable without growing the file further.
func (f *File) NumWords() uint32 {
	n := atomic.LoadUint32(&f.numBlocks)
	return (n + 63) / 64
}

// Grow implements alloc.BitmapArray.Grow: extend the backing file by
// growChunkBlocks more blocks (truncate only, no remap, see maxMappedBytes),
// and for every external bitmap range whose first block newly falls inside
// the grown extent, mark that block allocated (spec.md §6.2: "must be
// marked allocated at initialization").
func (f *File) Grow() (err error) {
	f.growMu.Lock()
	defer f.growMu.Unlock()

	cur := atomic.LoadUint32(&f.numBlocks)
	if cur >= maxMappedBlocks {
		return ErrOutOfSpace
	}
	next := cur + growChunkBlocks
	if next > maxMappedBlocks {
		next = maxMappedBlocks
	}

	if err := f.osFile.Truncate(layout.LBI(next).ByteOffset()); err != nil {
		return errors.Wrap(err, "ulayfs: grow")
	}

	for {
		k := f.numBitmapBlks + 1
		rangeLBI := layout.BitmapRangeStart(k)
		if uint32(rangeLBI) >= next {
			break
		}
		f.markBitmapRangeBlock(rangeLBI)
		f.numBitmapBlks = k
		if log.V(1) {
			log.Infof("ulayfs: grew bitmap range %d at lbi %d", k, rangeLBI)
		}
	}

	meta := f.mapping.Block(0)
	beOrder.PutUint32(meta[layout.MetaNumBlocksOff:layout.MetaNumBlocksOff+4], next)
	f.persist.Flush(wordAddr(meta, layout.MetaNumBlocksOff), 4)
	atomic.StoreUint32(&f.numBlocks, next)
	return nil
}

// markBitmapRangeBlock sets the allocation bit for rangeLBI, the first
// block of one external bitmap range -- which, by construction, is word 0
// bit 0 of the bitmap range it itself describes.
func (f *File) markBitmapRangeBlock(rangeLBI layout.LBI) {
	blk := f.mapping.Block(uint32(rangeLBI))
	ptr := (*uint64)(wordAddr(blk, 0))
	atomicOrBit(ptr, 0)
	f.persist.Flush(unsafe.Pointer(ptr), 8)
}

func atomicOrBit(ptr *uint64, bit uint32) {
	mask := uint64(1) << bit
	for {
		cur := atomic.LoadUint64(ptr)
		next := cur | mask
		if next == cur {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, cur, next) {
			return
		}
	}
}

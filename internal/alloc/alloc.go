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

// Package alloc implements the per-thread block allocator of spec.md §4.2:
// free-lists of variable-length runs backed by the global persistent
// bitmaps, plus the per-thread log-entry cursor used by internal/logentry.
//
// An Allocator is not safe for concurrent use by multiple goroutines; the Go
// rendition of spec.md §9's "thread-local owned value keyed by the open
// file" is internal/ulayfs.WriterPool, which hands each caller its own
// Allocator for the duration of a write and returns it to a sync.Pool when
// done — see DESIGN.md.
package alloc

import (
	"github.com/pkg/errors"

	"github.com/ulayfs/ulayfs-go/internal/bitmap"
	"github.com/ulayfs/ulayfs-go/internal/layout"
)

// ErrOutOfSpace is returned when the allocator has exhausted every bitmap
// word reachable from its hint after a full wraparound scan.
var ErrOutOfSpace = errors.New("alloc: out of space")

// BitmapArray is the allocator's view of the global persistent bitmap: the
// inline words in the meta block plus every external bitmap block touched
// so far. internal/ulayfs owns the real mapping and implements this.
type BitmapArray interface {
	// Word returns the bitmap.Word at array index i, for i < NumWords();
	// it never grows the file (Grow does that).
	Word(i uint32) bitmap.Word

	// NumWords is the number of words currently reachable without growth.
	NumWords() uint32

	// Grow extends the file by one more chunk of blocks, growing NumWords
	// accordingly and marking the first block of any newly-touched external
	// bitmap range allocated (spec.md §6.2). It returns an error equivalent
	// to ErrOutOfSpace if the backing file is already at its maximum size.
	Grow() error
}

// run is a free extent: a single LBI is enough to identify it since its
// length is implied by which free-list it is stored in.
type run struct {
	lbi layout.LBI
}

// Allocator is a per-thread block allocator, spec.md §4.2.
type Allocator struct {
	bm BitmapArray

	// freeLists[n-1] holds free runs of exactly length n, 1<=n<=64.
	freeLists [64][]run

	// recentWordIdx is the hint for where to resume scanning the bitmap.
	recentWordIdx uint32

	// current per-thread log-entry cursor (spec.md §4.2 alloc_log_entry).
	curLogBlockIdx layout.LBI
	curLogOffset   uint32
}

// New returns an allocator scanning bm starting from word 0.
func New(bm BitmapArray) *Allocator {
	return &Allocator{bm: bm}
}

// Alloc reserves n consecutive logical blocks, 1<=n<=64, and returns the LBI
// of the first one. It implements the three-tier search of spec.md §4.2.
func (a *Allocator) Alloc(n uint32) (layout.LBI, error) {
	if n < 1 || n > 64 {
		panic("alloc: n out of range [1,64]")
	}

	// 1. exact-length free-list.
	if fl := a.freeLists[n-1]; len(fl) > 0 {
		r := fl[len(fl)-1]
		a.freeLists[n-1] = fl[:len(fl)-1]
		return r.lbi, nil
	}

	// 2. smallest longer run, splitting off the remainder.
	for m := n + 1; m <= 64; m++ {
		fl := a.freeLists[m-1]
		if len(fl) == 0 {
			continue
		}
		r := fl[len(fl)-1]
		a.freeLists[m-1] = fl[:len(fl)-1]
		remainder := run{lbi: r.lbi + layout.LBI(n)}
		a.freeLists[m-n-1] = append(a.freeLists[m-n-1], remainder)
		return r.lbi, nil
	}

	// 3. pull a fresh word from the global bitmap, growing the file's
	// bitmap-covered range if every currently reachable word is exhausted.
	for {
		lbi, ok, err := a.allocFromBitmap(n)
		if err == ErrOutOfSpace {
			if gerr := a.bm.Grow(); gerr != nil {
				return 0, ErrOutOfSpace
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if ok {
			return lbi, nil
		}
		// no zero-run in that word satisfied n; loop pulls another word.
	}
}

// allocFromBitmap reserves one word's worth of bits starting at the current
// hint, carves off a run of length >= n if one exists in that word (pushing
// every other zero-run onto its own free-list), and reports whether it
// satisfied the request.
func (a *Allocator) allocFromBitmap(n uint32) (lbi layout.LBI, ok bool, err error) {
	numWords := a.bm.NumWords()
	if numWords == 0 {
		return 0, false, ErrOutOfSpace
	}
	start := a.recentWordIdx
	for i := uint32(0); i < numWords; i++ {
		idx := (start + i) % numWords
		w := a.bm.Word(idx)
		pre, _, _, rerr := w.TryReserveRun()
		if rerr == bitmap.ErrOutOfSpace {
			continue // word is all-ones
		}
		if rerr == bitmap.ErrWordBusy {
			continue // contended; try the next word
		}
		if rerr != nil {
			return 0, false, rerr
		}

		a.recentWordIdx = idx + 1
		base := idx * 64
		var found bool
		var foundLBI layout.LBI
		bitmap.ZeroRuns(pre, func(s, l uint32) {
			if !found && l >= n {
				found = true
				foundLBI = layout.LBI(base + s)
				if l > n {
					a.freeLists[l-n-1] = append(a.freeLists[l-n-1], run{lbi: foundLBI + layout.LBI(n)})
				}
				return
			}
			a.freeLists[l-1] = append(a.freeLists[l-1], run{lbi: layout.LBI(base + s)})
		})
		if found {
			return foundLBI, true, nil
		}
		// this word had zero-runs, none long enough; its bits are now all
		// pushed to free-lists, move on to the next word.
	}
	return 0, false, ErrOutOfSpace
}

// Free pushes the run [lbi, lbi+n) back onto the allocator's local
// free-list without attempting to merge it with any existing run.
func (a *Allocator) Free(lbi layout.LBI, n uint32) {
	if lbi == layout.NilLBI {
		return
	}
	a.freeLists[n-1] = append(a.freeLists[n-1], run{lbi: lbi})
}

// FreeImage frees the current per-VBI projection image: an ordered array of
// LBIs (0 = hole) indexed by VBI. Runs of consecutive non-zero LBIs that are
// also numerically consecutive are collapsed into a single free entry,
// spec.md §4.2.
func (a *Allocator) FreeImage(image []layout.LBI) {
	groupStart := -1
	var groupLBI layout.LBI

	flush := func(end int) {
		if groupStart < 0 {
			return
		}
		a.Free(groupLBI, uint32(end-groupStart))
		groupStart = -1
	}

	for i, lbi := range image {
		if groupStart < 0 {
			if lbi == layout.NilLBI {
				continue
			}
			groupStart = i
			groupLBI = lbi
			continue
		}
		expected := groupLBI + layout.LBI(i-groupStart)
		if lbi == expected {
			continue
		}
		flush(i)
		if lbi != layout.NilLBI {
			groupStart = i
			groupLBI = lbi
		}
	}
	flush(len(image))
}

// LogFragment is one planned piece of a log entry, as returned (in a slice,
// together with the first fragment's locator) by ReserveLogEntry, which
// follows the fragmentation walk of spec.md §4.2; internal/logentry writes
// the actual header/LBI bytes at each fragment's position.
type LogFragment struct {
	BlockIdx     layout.LBI
	HeaderOffset uint32
	NumLBIs      uint32 // number of 64-block-run LBIs this fragment carries
}

// growLogBlock is called by ReserveLogEntry when it needs a fresh log-entry
// block; it is a thin wrapper so tests can observe block churn.
func (a *Allocator) growLogBlock() (layout.LBI, error) {
	lbi, err := a.Alloc(1)
	if err != nil {
		return 0, err
	}
	a.curLogBlockIdx = lbi
	a.curLogOffset = 0
	return lbi, nil
}

// ReserveLogEntry plans the fragment layout for an entry describing
// numBlocks (each LBI fragment entry is the head of a run of up to 64
// blocks, so a log entry needs ceil(numBlocks/64) LBI slots total).
func (a *Allocator) ReserveLogEntry(numBlocks uint32) (layout.LogEntryLocator, []LogFragment, error) {
	const minRequired = layout.LogEntryFixedSize + 4 // header + >=1 LBI

	if a.curLogBlockIdx == layout.NilLBI || layout.BlockSize-int(a.curLogOffset) < minRequired {
		if _, err := a.growLogBlock(); err != nil {
			return layout.LogEntryLocator{}, nil, err
		}
	}

	first := layout.LogEntryLocator{BlockIdx: a.curLogBlockIdx, LocalOffset: a.curLogOffset}
	needed := (numBlocks + 63) / 64 // ceil(numBlocks/64) LBI slots still owed

	var fragments []LogFragment
	for needed > 0 {
		headerOff := a.curLogOffset
		a.curLogOffset += layout.LogEntryFixedSize
		avail := uint32(layout.BlockSize-int(a.curLogOffset)) / 4

		take := needed
		if take > avail {
			take = avail
		}
		fragments = append(fragments, LogFragment{
			BlockIdx:     a.curLogBlockIdx,
			HeaderOffset: headerOff,
			NumLBIs:      take,
		})
		a.curLogOffset += take * 4
		needed -= take

		if needed == 0 {
			break
		}
		if layout.BlockSize-int(a.curLogOffset) < minRequired {
			if _, err := a.growLogBlock(); err != nil {
				return layout.LogEntryLocator{}, nil, err
			}
		}
	}
	return first, fragments, nil
}

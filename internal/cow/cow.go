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

// Package cow implements the copy-on-write write path of spec.md §4.5: the
// optimistic, conflict-checking protocol that turns one pwrite(2) call into
// a sequence of destination-block allocation, content copy, log-entry write
// and tx-entry commit attempts.
//
// spec.md §4.5 names three strategies (aligned, single-block unaligned,
// multi-block unaligned) and spec.md §9's Design Notes describe them as
// "independent state values that borrow references to shared subsystems,
// selected by a tag based on alignment". They differ only in which blocks of
// the destination run need a prefix/suffix merged in from the current
// projection, and therefore which blocks must be recopied if a conflicting
// transaction lands on an edge before this one commits; inner, fully
// user-supplied blocks never need recopying (§4.5.3). Writer.Write picks the
// tag from the write's [off, off+len(data)) alignment and runs the one
// generic attempt loop parameterized by it.
package cow

import (
	"unsafe"

	log "github.com/golang/glog"
	"github.com/johncgriffin/overflow"
	"github.com/pkg/errors"
	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/blktable"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/logentry"
	"github.com/ulayfs/ulayfs-go/internal/pmem"
	"github.com/ulayfs/ulayfs-go/internal/txlog"
)

// strategyKind is the alignment tag spec.md §9 Design Notes describes.
type strategyKind uint8

const (
	aligned strategyKind = iota
	singleBlockUnaligned
	multiBlockUnaligned
)

func (k strategyKind) String() string {
	switch k {
	case aligned:
		return "aligned"
	case singleBlockUnaligned:
		return "single-block-unaligned"
	case multiBlockUnaligned:
		return "multi-block-unaligned"
	default:
		return "unknown"
	}
}

// Blocks gives the write path raw access to block bytes by LBI.
type Blocks interface {
	Block(lbi layout.LBI) []byte
}

// TailHint is the meta block's tx_log_tail hint of spec.md §5: racy, best
// effort, monotonic-advance only.
type TailHint interface {
	TailHint() layout.TxEntryIdx
	SetTailHint(idx layout.TxEntryIdx)
}

// Sizer grows the logical file size implicitly, the way POSIX pwrite does
// when a write lands past the current EOF.
type Sizer interface {
	GrowSize(newSize int64)
}

// TruncateChecker exposes the SPEC_FULL.md truncate-barrier read the write
// path consults once per write attempt, never mid-attempt.
type TruncateChecker interface {
	CheckTruncateBarrier() error
}

// Deps bundles the per-thread collaborators one Writer drives. All of them
// are either per-thread (Alloc, Log) or safe for concurrent use by many
// Writers (Blocks, Tx, Table, Hint, Size, Trunc) -- see spec.md §5.
type Deps struct {
	Blocks Blocks
	Persist pmem.Persister
	Alloc   *alloc.Allocator
	Log     *logentry.Manager
	Tx      *txlog.Manager
	Table   *blktable.Table
	Hint    TailHint
	Size    Sizer
	Trunc   TruncateChecker
}

// ErrOutOfSpace surfaces spec.md §7's OutOfSpace kind; callers map it to
// -ENOSPC at the POSIX boundary.
var ErrOutOfSpace = errors.New("cow: out of space")

// Writer drives the CoW write path for one pwrite(2) call at a time. It is
// not safe for concurrent use -- each goroutine/thread gets its own Writer
// from internal/ulayfs.WriterPool, matching spec.md §9's thread-local model.
type Writer struct {
	d Deps
}

// New returns a Writer over d. d.Alloc and d.Log must be private to this
// Writer; everything else may be shared.
func New(d Deps) *Writer {
	return &Writer{d: d}
}

// chunk is one allocator run backing part of a write's destination range.
// The allocator hands out runs of at most 64 blocks (spec.md §4.2), so a
// write wider than that is backed by several chunks.
type chunk struct {
	lbi layout.LBI
	n   uint32
}

// Write performs one pwrite(2): [off, off+len(data)) against the file,
// returning the number of bytes written. It implements spec.md §4.5's state
// machine PREPARE -> COPY -> LOG -> COMMIT -> (DONE | CONFLICT_EDGE -> COPY |
// CONFLICT_ADVANCE -> COMMIT).
func (w *Writer) Write(off int64, data []byte) (n int, err error) {
	defer xerr.Contextf(&err, "cow: write off=%d len=%d", off, len(data))

	if len(data) == 0 {
		return 0, nil
	}
	if err := w.d.Trunc.CheckTruncateBarrier(); err != nil {
		return 0, err
	}

	endOff, ok := overflow.Add64(off, int64(len(data)))
	if !ok {
		panic("cow: write range overflow")
	}

	vbStart := layout.VBI(off / layout.BlockSize)
	vbEnd := layout.VBI((endOff + layout.BlockSize - 1) / layout.BlockSize)
	numBlocks := uint32(vbEnd - vbStart)

	firstPartial := off%layout.BlockSize != 0
	lastPartial := endOff%layout.BlockSize != 0
	kind := aligned
	switch {
	case firstPartial || lastPartial:
		if numBlocks == 1 {
			kind = singleBlockUnaligned
		} else {
			kind = multiBlockUnaligned
		}
	}
	if log.V(2) {
		log.Infof("cow: %s write off=%d len=%d vb=[%d,%d)", kind, off, len(data), vbStart, vbEnd)
	}

	chunks, err := w.allocChunks(numBlocks)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			w.freeChunks(chunks)
		}
	}()

	// One snapshot of the current projection backs both the edge merges
	// below and the commit attempt: using a fresher tail (e.g. a stale tail
	// hint) for the commit than the one the merge read from would let an
	// entry installed in between go unwalked on CAS failure, silently
	// dropping whichever edge bytes it touched (spec.md §4.5.2/§4.5.3).
	image, snapshotTail, err := w.d.Table.Image(vbStart, vbEnd)
	if err != nil {
		return 0, err
	}

	if err := w.copyAndPersist(chunks, vbStart, numBlocks, off, data, firstPartial, lastPartial, image); err != nil {
		return 0, err
	}

	entry, err := w.buildEntry(chunks, vbStart, numBlocks)
	if err != nil {
		return 0, err
	}

	if err := w.commitWithConflictResolution(entry, chunks, vbStart, numBlocks, off, data, firstPartial, lastPartial, snapshotTail); err != nil {
		return 0, err
	}

	committed = true
	w.d.Size.GrowSize(endOff)
	return len(data), nil
}

// allocChunks reserves numBlocks destination blocks as a sequence of runs of
// at most 64 blocks each (spec.md §4.2's alloc(n), 1<=n<=64). On failure it
// returns every chunk already allocated in this attempt to the local
// free-list, per spec.md §4.5's failure semantics.
func (w *Writer) allocChunks(numBlocks uint32) (chunks []chunk, err error) {
	remaining := numBlocks
	for remaining > 0 {
		n := remaining
		if n > 64 {
			n = 64
		}
		lbi, aerr := w.d.Alloc.Alloc(n)
		if aerr != nil {
			w.freeChunks(chunks)
			return nil, errors.Wrap(ErrOutOfSpace, aerr.Error())
		}
		chunks = append(chunks, chunk{lbi: lbi, n: n})
		remaining -= n
	}
	return chunks, nil
}

func (w *Writer) freeChunks(chunks []chunk) {
	for _, c := range chunks {
		w.d.Alloc.Free(c.lbi, c.n)
	}
}

// blockAt returns the LBI backing the i'th block (0-indexed) of a
// destination range allocated as chunks.
func blockAt(chunks []chunk, i uint32) layout.LBI {
	base := uint32(0)
	for _, c := range chunks {
		if i < base+c.n {
			return c.lbi + layout.LBI(i-base)
		}
		base += c.n
	}
	panic("cow: block index out of chunk range")
}

// copyAndPersist fills every destination block and flushes it (without a
// fence: the fence comes from the subsequent commit-entry persist,
// spec.md §4.5.1 step 3/step 6). A block needs a source merge only if it is
// the first block of an unaligned-start write or the last block of an
// unaligned-end write; every other block is fully covered by user bytes
// ("inner blocks never require recopy", §4.5.3).
func (w *Writer) copyAndPersist(chunks []chunk, vbStart layout.VBI, numBlocks uint32, off int64, data []byte, firstPartial, lastPartial bool, image []layout.LBI) error {
	for i := uint32(0); i < numBlocks; i++ {
		vbi := vbStart + layout.VBI(i)
		lbi := blockAt(chunks, i)
		dst := w.d.Blocks.Block(lbi)

		needsMerge := (i == 0 && firstPartial) || (i == numBlocks-1 && lastPartial)
		if needsMerge {
			fillMergedBlockFromImage(dst, image[i], w.d.Blocks, vbi, off, data)
		} else {
			fillFullBlock(dst, vbi, off, data)
		}
		w.d.Persist.Flush(blockAddr(dst), layout.BlockSize)
	}
	return nil
}

// fillMergedBlockFromImage fills dst, the block for vbi, copying prefix/
// suffix bytes outside the user's range from srcLBI's current content (zeros
// for a hole, srcLBI == layout.NilLBI) and the user's bytes for the
// overlapping middle. srcLBI comes from a single Table.Image snapshot taken
// before any chunk's content is touched, so every edge in one Write call
// merges against the same point in the tx chain that the commit attempt
// below starts from.
func fillMergedBlockFromImage(dst []byte, srcLBI layout.LBI, blocks Blocks, vbi layout.VBI, off int64, data []byte) {
	var src []byte
	if srcLBI != layout.NilLBI {
		src = blocks.Block(srcLBI)
	}
	mergeBlock(dst, src, vbi, off, data)
}

// fillMergedBlock re-reads vbi's current projection fresh and fills dst the
// same way fillMergedBlockFromImage does; used only by recopyEdge, which
// deliberately wants the latest projection after losing a commit race, not
// the stale snapshot the original attempt merged from.
func (w *Writer) fillMergedBlock(dst []byte, vbi layout.VBI, off int64, data []byte) error {
	srcLBI, err := w.d.Table.LBI(vbi)
	if err != nil {
		return err
	}
	fillMergedBlockFromImage(dst, srcLBI, w.d.Blocks, vbi, off, data)
	return nil
}

// mergeBlock is the pure byte-shuffling core shared by fillMergedBlock and
// conflict-driven recopy: bytes outside [off, off+len(data)) come from src
// (or zero if src is nil, i.e. a hole), bytes inside come from data.
func mergeBlock(dst, src []byte, vbi layout.VBI, off int64, data []byte) {
	blockStart := int64(vbi) * layout.BlockSize
	userLo := off - blockStart
	if userLo < 0 {
		userLo = 0
	}
	userHi := off + int64(len(data)) - blockStart
	if userHi > layout.BlockSize {
		userHi = layout.BlockSize
	}

	if userLo > 0 {
		if src != nil {
			copy(dst[:userLo], src[:userLo])
		} else {
			zero(dst[:userLo])
		}
	}
	dataStart := blockStart + userLo - off
	copy(dst[userLo:userHi], data[dataStart:dataStart+(userHi-userLo)])
	if userHi < layout.BlockSize {
		if src != nil {
			copy(dst[userHi:], src[userHi:])
		} else {
			zero(dst[userHi:])
		}
	}
}

// fillFullBlock fills a block that is entirely covered by user bytes: no
// source read is ever needed.
func fillFullBlock(dst []byte, vbi layout.VBI, off int64, data []byte) {
	blockStart := int64(vbi) * layout.BlockSize
	dataStart := blockStart - off
	copy(dst, data[dataStart:dataStart+layout.BlockSize])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// buildEntry assembles the tx entry this write wants to install: Inline if
// the destination is one contiguous allocator run within the inline-payload
// range (spec.md §3's "small writes whose new range fits inline"), Indirect
// otherwise, via a log entry listing every chunk's run-head LBI.
func (w *Writer) buildEntry(chunks []chunk, vbStart layout.VBI, numBlocks uint32) (layout.TxEntry, error) {
	if len(chunks) == 1 && layout.CanEncodeInline(chunks[0].lbi) {
		return layout.TxEntry{
			Kind:      layout.TxInline,
			VBIStart:  vbStart,
			NumBlocks: numBlocks,
			NewLBI:    chunks[0].lbi,
		}, nil
	}

	lbis := make([]layout.LBI, len(chunks))
	for i, c := range chunks {
		lbis[i] = c.lbi
	}
	loc, err := w.d.Log.Append(w.d.Alloc, numBlocks, lbis)
	if err != nil {
		return layout.TxEntry{}, err
	}
	return layout.TxEntry{
		Kind:       layout.TxIndirect,
		VBIStart:   vbStart,
		NumBlocks:  numBlocks,
		LogLocator: loc,
	}, nil
}

// commitWithConflictResolution runs spec.md §4.5's COMMIT/CONFLICT_EDGE/
// CONFLICT_ADVANCE loop: attempt to CAS-install entry starting at
// snapshotTail itself -- the same chain position the caller's edge merge
// (Write's Table.Image call) read its projection from, not a separately
// re-fetched tail that could have moved further ahead in the meantime and
// let an intervening commit slip past unwalked. On CAS
// failure, walk every entry installed between the failed slot and the new
// tail, and if any of them overlaps one of this write's edge blocks, recopy
// and re-persist that edge before retrying at the new tail. Fully aligned
// writes (firstPartial == lastPartial == false) never recopy: every
// intervening overlap is resolved by simply retrying, matching spec.md
// §4.5.1 step 6.
func (w *Writer) commitWithConflictResolution(entry layout.TxEntry, chunks []chunk, vbStart layout.VBI, numBlocks uint32, off int64, data []byte, firstPartial, lastPartial bool, snapshotTail layout.TxEntryIdx) error {
	vbEnd := vbStart + layout.VBI(numBlocks)

	// Starting at snapshotTail itself (not at a FindTail result, which would
	// step over entries installed since the snapshot) guarantees the first
	// commit attempt lands at the exact point the edge merge above read its
	// projection from: anything committed after that point, including in the
	// window between the Image snapshot and this call, either loses the race
	// below to our TryCommit or is walked and re-merged via recopyEdge. When
	// the snapshot already saw the entry at snapshotTail, the first attempt
	// simply fails on it and the walk re-checks it once more.
	idx := snapshotTail
	for {
		finalIdx, winner, err := w.d.Tx.TryCommit(entry, idx, false)
		if err != nil {
			return err
		}
		if winner.Kind == layout.TxEmpty {
			w.d.Hint.SetTailHint(finalIdx)
			return nil
		}

		overlapFirst := false
		overlapLast := false
		newTail := idx
		walkErr := w.d.Tx.Walk(idx, func(i layout.TxEntryIdx, e layout.TxEntry) (bool, error) {
			newTail = i
			e, rerr := blktable.Resolve(w.d.Blocks, e)
			if rerr != nil {
				return false, rerr
			}
			if firstPartial && e.Overlaps(vbStart, vbStart+1) {
				overlapFirst = true
			}
			if lastPartial && e.Overlaps(vbEnd-1, vbEnd) {
				overlapLast = true
			}
			return true, nil
		})
		if walkErr != nil {
			return walkErr
		}

		if overlapFirst {
			if err := w.recopyEdge(chunks, vbStart, off, data, true); err != nil {
				return err
			}
		}
		if overlapLast && vbEnd-1 != vbStart {
			if err := w.recopyEdge(chunks, vbEnd-1, off, data, false); err != nil {
				return err
			}
		} else if overlapLast && vbEnd-1 == vbStart && !overlapFirst {
			// single-block write: the one block is both edges.
			if err := w.recopyEdge(chunks, vbStart, off, data, true); err != nil {
				return err
			}
		}

		next, didOverflow, aerr := w.d.Tx.Advance(newTail, true)
		if aerr != nil {
			return aerr
		}
		if didOverflow {
			// should not happen: Advance(allowAlloc=true) only reports
			// overflow if block allocation itself failed, which surfaces
			// as aerr above; guard anyway per spec.md §7 InvalidIndex.
			return errors.New("cow: tx chain advance overflow with allocation allowed")
		}
		idx = next
	}
}

// recopyEdge re-reads vbi's current projection and rebuilds the
// corresponding destination block's merged content, then re-flushes it
// (still without a fence -- the next commit attempt's CAS persist supplies
// it). The user bytes in the middle are untouched and correct already.
// isFirst selects which end of chunks the edge block lives at.
func (w *Writer) recopyEdge(chunks []chunk, vbi layout.VBI, off int64, data []byte, isFirst bool) error {
	var lbi layout.LBI
	if isFirst {
		lbi = blockAt(chunks, 0)
	} else {
		total := uint32(0)
		for _, c := range chunks {
			total += c.n
		}
		lbi = blockAt(chunks, total-1)
	}
	dst := w.d.Blocks.Block(lbi)
	if err := w.fillMergedBlock(dst, vbi, off, data); err != nil {
		return err
	}
	w.d.Persist.Flush(blockAddr(dst), layout.BlockSize)
	return nil
}

func blockAddr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

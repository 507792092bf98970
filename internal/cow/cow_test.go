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

package cow

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/bitmap"
	"github.com/ulayfs/ulayfs-go/internal/blktable"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/logentry"
	"github.com/ulayfs/ulayfs-go/internal/pmem"
	"github.com/ulayfs/ulayfs-go/internal/txlog"
)

type memFile struct {
	mu     sync.Mutex
	blocks []*[layout.BlockSize]byte
}

func newMemFile(n int) *memFile {
	f := &memFile{}
	for i := 0; i < n; i++ {
		f.blocks = append(f.blocks, new([layout.BlockSize]byte))
	}
	// mark LBI 0 (the meta block) and LBIs 1-8 (which hold this double's
	// bitmap words, see Word) allocated, so the allocator never hands them out.
	*(*uint64)(unsafe.Pointer(&f.Block(1)[0])) = 0x1FF
	return f
}

// Block grows the backing slice of block pointers under a mutex, but never
// reallocates an individual block's backing array once handed out: growth
// only appends new *[BlockSize]byte entries, so a []byte a caller is
// concurrently writing through (as the concurrency tests below do) stays
// valid and visible to every later Block(lbi) call for that same lbi,
// mirroring the real mapping's "grow without invalidating live pointers"
// property (see DESIGN.md).
func (f *memFile) Block(lbi layout.LBI) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for int(lbi) >= len(f.blocks) {
		f.blocks = append(f.blocks, new([layout.BlockSize]byte))
	}
	return f.blocks[lbi][:]
}

func (f *memFile) Word(i uint32) bitmap.Word {
	blk := f.Block(layout.LBI(1 + i/512))
	off := (i % 512) * 8
	return bitmap.At(unsafe.Pointer(&blk[off]))
}

func (f *memFile) NumWords() uint32 { return 512 * 8 }
func (f *memFile) Grow() error      { return nil }

type fakeHint struct {
	mu  sync.Mutex
	idx layout.TxEntryIdx
	set []layout.TxEntryIdx
}

func (h *fakeHint) TailHint() layout.TxEntryIdx {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idx
}

func (h *fakeHint) SetTailHint(idx layout.TxEntryIdx) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.idx = idx
	h.set = append(h.set, idx)
}

type fakeSizer struct {
	mu    sync.Mutex
	sizes []int64
}

func (s *fakeSizer) GrowSize(newSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, newSize)
}

type fakeTrunc struct {
	err error
}

func (t *fakeTrunc) CheckTruncateBarrier() error { return t.err }

type fixture struct {
	f     *memFile
	tx    *txlog.Manager
	log   *logentry.Manager
	tbl   *blktable.Table
	hint  *fakeHint
	sizer *fakeSizer
	trunc *fakeTrunc
}

func newFixture() *fixture {
	f := newMemFile(4)
	p := &pmem.RecordingPersister{}
	a0 := alloc.New(f) // shared allocator for tx-chain block growth only
	tx := txlog.NewManager(f, a0, p)
	log := logentry.NewManager(f, p)
	tbl := blktable.New(tx, f)
	return &fixture{
		f: f, tx: tx, log: log, tbl: tbl,
		hint:  &fakeHint{},
		sizer: &fakeSizer{},
		trunc: &fakeTrunc{},
	}
}

func (fx *fixture) newWriter() (*Writer, *alloc.Allocator) {
	a := alloc.New(fx.f)
	d := Deps{
		Blocks: fx.f,
		Persist: &pmem.RecordingPersister{},
		Alloc:   a,
		Log:     fx.log,
		Tx:      fx.tx,
		Table:   fx.tbl,
		Hint:    fx.hint,
		Size:    fx.sizer,
		Trunc:   fx.trunc,
	}
	return New(d), a
}

func TestWriteAlignedSingleBlock(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, _ := fx.newWriter()

	data := make([]byte, layout.BlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := w.Write(0, data)
	assert.NoError(err)
	assert.Equal(layout.BlockSize, n)

	lbi, err := fx.tbl.LBI(0)
	assert.NoError(err)
	assert.NotEqual(layout.NilLBI, lbi)
	assert.Equal(data, fx.f.Block(lbi))
	assert.Equal([]int64{layout.BlockSize}, fx.sizer.sizes)
}

func TestWriteSingleBlockUnalignedFillsHoleWithZeros(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, _ := fx.newWriter()

	data := []byte("hello")
	off := int64(10)
	n, err := w.Write(off, data)
	assert.NoError(err)
	assert.Equal(len(data), n)

	lbi, err := fx.tbl.LBI(0)
	assert.NoError(err)
	blk := fx.f.Block(lbi)
	assert.Equal(make([]byte, 10), blk[:10])
	assert.Equal(data, blk[10:15])
	assert.Equal(make([]byte, layout.BlockSize-15), blk[15:])
}

func TestWriteMultiBlockUnalignedMergesOnlyEdges(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, _ := fx.newWriter()

	// first write something at VBI 0 so the leading edge has real content to
	// preserve, and at VBI 2 so the trailing edge does too.
	full := make([]byte, layout.BlockSize)
	for i := range full {
		full[i] = 0xAA
	}
	_, err := w.Write(0, full)
	assert.NoError(err)
	full2 := make([]byte, layout.BlockSize)
	for i := range full2 {
		full2[i] = 0xBB
	}
	_, err = w.Write(2*layout.BlockSize, full2)
	assert.NoError(err)

	// now an unaligned write spanning VBI [0,3): starts 10 bytes into block 0,
	// ends 10 bytes into block 2. Block 1 (the inner block) is fully covered.
	off := int64(layout.BlockSize - 10)
	data := make([]byte, layout.BlockSize+20)
	for i := range data {
		data[i] = byte(0xCC)
	}
	n, err := w.Write(off, data)
	assert.NoError(err)
	assert.Equal(len(data), n)

	lbi0, _ := fx.tbl.LBI(0)
	lbi1, _ := fx.tbl.LBI(1)
	lbi2, _ := fx.tbl.LBI(2)

	blk0 := fx.f.Block(lbi0)
	assert.Equal(byte(0xAA), blk0[0]) // preserved prefix
	assert.Equal(byte(0xCC), blk0[layout.BlockSize-10])

	wantInner := make([]byte, layout.BlockSize)
	for i := range wantInner {
		wantInner[i] = 0xCC
	}
	assert.Equal(wantInner, fx.f.Block(lbi1)) // inner block entirely user bytes

	blk2 := fx.f.Block(lbi2)
	assert.Equal(byte(0xCC), blk2[9])
	assert.Equal(byte(0xBB), blk2[10]) // preserved suffix
}

// TestWriteMultiChunkWriteCommitsIndirectAndReadsBack exercises the Indirect
// commit path end to end: a write spanning more than 64 blocks always
// allocates more than one chunk (allocChunks caps every allocator run at
// 64), so buildEntry must take the TxIndirect branch and go through
// internal/logentry.Append -- otherwise the only component-level coverage
// of the Log manager would be its own package tests, never reached from a
// real write.
func TestWriteMultiChunkWriteCommitsIndirectAndReadsBack(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, _ := fx.newWriter()

	const numBlocks = 70 // > 64, forces two chunks and an Indirect tx entry
	data := make([]byte, numBlocks*layout.BlockSize)
	for i := range data {
		data[i] = byte(i / layout.BlockSize)
	}

	n, err := w.Write(0, data)
	assert.NoError(err)
	assert.Equal(len(data), n)

	image, _, err := fx.tbl.Image(0, numBlocks)
	assert.NoError(err)
	assert.Len(image, numBlocks)

	for vbi := 0; vbi < numBlocks; vbi++ {
		lbi := image[vbi]
		assert.NotEqual(layout.NilLBI, lbi, "vbi %d", vbi)
		want := data[vbi*layout.BlockSize : (vbi+1)*layout.BlockSize]
		assert.Equal(want, fx.f.Block(lbi), "vbi %d", vbi)
	}
}

// TestConcurrentDisjointSingleByteWritesIntoSharedBlockPreservesAllBytes
// drives spec.md §8 scenario 4 for real: 128 goroutines, each its own
// *Writer sharing one fixture's tx log/blk-table, concurrently write one
// distinct byte into the same block. Every one of those writes conflicts on
// the same VBI, so this can only pass if commitWithConflictResolution's
// recopy-on-conflict path correctly re-merges against the latest projection
// every single time, as spec.md §4.5.3 and property 7 require; the earlier,
// hint-based commit start could silently drop whichever of these bytes
// landed in the window between its edge-merge read and its own CAS attempt.
func TestConcurrentDisjointSingleByteWritesIntoSharedBlockPreservesAllBytes(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	const n = 128
	const hexChars = "0123456789abcdef"

	writers := make([]*Writer, n)
	for i := range writers {
		writers[i], _ = fx.newWriter()
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, errs[i] = writers[i].Write(int64(i), []byte{hexChars[i%16]})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(err, "writer %d", i)
	}

	lbi, err := fx.tbl.LBI(0)
	assert.NoError(err)
	assert.NotEqual(layout.NilLBI, lbi)
	blk := fx.f.Block(lbi)

	for i := 0; i < n; i++ {
		assert.Equal(hexChars[i%16], blk[i], "byte %d", i)
	}
	for i := n; i < layout.BlockSize; i++ {
		assert.Equal(byte(0), blk[i], "byte %d should be untouched hole", i)
	}
}

// TestConcurrentOverlappingMultiBlockWritesNeverMix drives spec.md §8
// scenario 5: two goroutines each write 4100 bytes of a single repeated
// character ('A'/'B') to the same overlapping two-block range. Whichever
// writer's commit lands last owns the whole range -- the property under
// test is that the result is never a mix of both (e.g. an inner block from
// one writer merged with an edge byte recopied from the other), which is
// exactly what a commit attempt started from a stale tail instead of the
// edge-merge's own snapshot could produce.
func TestConcurrentOverlappingMultiBlockWritesNeverMix(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	wA, _ := fx.newWriter()
	wB, _ := fx.newWriter()

	const size = 4100
	dataA := make([]byte, size)
	for i := range dataA {
		dataA[i] = 'A'
	}
	dataB := make([]byte, size)
	for i := range dataB {
		dataB[i] = 'B'
	}

	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = wA.Write(0, dataA)
	}()
	go func() {
		defer wg.Done()
		_, errB = wB.Write(0, dataB)
	}()
	wg.Wait()

	assert.NoError(errA)
	assert.NoError(errB)

	const numBlocks = 2 // ceil(4100/4096)
	image, _, err := fx.tbl.Image(0, numBlocks)
	assert.NoError(err)
	assert.NotEqual(layout.NilLBI, image[0])
	assert.NotEqual(layout.NilLBI, image[1])

	blk0 := fx.f.Block(image[0])
	blk1 := fx.f.Block(image[1])

	winner := blk0[0]
	assert.True(winner == 'A' || winner == 'B', "unexpected byte %q", winner)
	for i := 0; i < size; i++ {
		var got byte
		if i < layout.BlockSize {
			got = blk0[i]
		} else {
			got = blk1[i-layout.BlockSize]
		}
		assert.Equal(winner, got, "byte %d", i)
	}
}

func TestWriteEmptyIsNoop(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, _ := fx.newWriter()

	n, err := w.Write(100, nil)
	assert.NoError(err)
	assert.Equal(0, n)
	assert.Empty(fx.sizer.sizes)
}

func TestWriteRespectsTruncateBarrier(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	fx.trunc.err = errBarrier
	w, _ := fx.newWriter()

	_, err := w.Write(0, []byte("x"))
	assert.ErrorIs(err, errBarrier)
	assert.Empty(fx.sizer.sizes)
}

func TestWriteOutOfSpacePropagates(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, a := fx.newWriter()

	// swap in a bitmap with no free bits and no room to grow, so the very
	// first chunk allocation fails.
	bm := &exhaustibleBitmapArray{words: []uint64{^uint64(0)}}
	*a = *alloc.New(bm)

	_, err := w.Write(0, make([]byte, layout.BlockSize))
	assert.Error(err)
	assert.Contains(err.Error(), "out of space")
}

func TestAllocChunksOutOfSpaceWrapsCowError(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, a := fx.newWriter()
	bm := &exhaustibleBitmapArray{words: []uint64{^uint64(0)}}
	*a = *alloc.New(bm)

	_, err := w.allocChunks(1)
	assert.ErrorIs(err, ErrOutOfSpace)
}

var errBarrier = errorString("cow test: truncate barrier active")

type errorString string

func (e errorString) Error() string { return string(e) }

// exhaustibleBitmapArray is an alloc.BitmapArray with no free bits and no
// room to grow, used to force alloc.Allocator.Alloc into ErrOutOfSpace.
type exhaustibleBitmapArray struct {
	words []uint64
}

func (b *exhaustibleBitmapArray) Word(i uint32) bitmap.Word {
	return bitmap.At(unsafe.Pointer(&b.words[i]))
}
func (b *exhaustibleBitmapArray) NumWords() uint32 { return uint32(len(b.words)) }
func (b *exhaustibleBitmapArray) Grow() error       { return alloc.ErrOutOfSpace }

// TestCommitWithConflictResolutionRecopiesEdgeOnRace exercises spec.md
// §4.5.3's edge-recopy path deterministically, without relying on real
// goroutine timing: after the writer's Image snapshot is taken on an empty
// log, it fills every slot of the meta block's inline tx array, with nothing
// chained yet, so the first TryCommit inside commitWithConflictResolution
// (at the snapshot tail, slot 0) is guaranteed to lose, forcing the
// Walk/recopyEdge/Advance-with-alloc retry sequence to run for real.
func TestCommitWithConflictResolutionRecopiesEdgeOnRace(t *testing.T) {
	assert := require.New(t)

	fx := newFixture()
	w, chunkAlloc := fx.newWriter()

	const vbi = 5
	off := int64(vbi)*layout.BlockSize + 10
	data := []byte("HELLOWORLD!!!!!!!!!!") // 20 bytes, [10,30) of block 5

	chunks, err := w.allocChunks(1)
	assert.NoError(err)

	image, snapshotTail, err := fx.tbl.Image(vbi, vbi+1)
	assert.NoError(err)

	// Writer observes a hole at VBI 5 (nothing committed yet) and merges
	// zeros outside its own bytes.
	err = w.copyAndPersist(chunks, vbi, 1, off, data, true, true, image)
	assert.NoError(err)

	entry, err := w.buildEntry(chunks, vbi, 1)
	assert.NoError(err)

	// fill every slot of the meta block's inline tx array, slots 0..238 with
	// entries far away from VBI 5, slot 239 (the last) with the "other
	// writer"'s conflicting commit to VBI 5.
	cap0 := layout.TxEntryIdx{}.Capacity()
	winnerLBI, werr := chunkAlloc.Alloc(1)
	assert.NoError(werr)
	winnerBlk := fx.f.Block(winnerLBI)
	for i := range winnerBlk {
		winnerBlk[i] = 0xAA
	}

	for i := uint32(0); i < cap0; i++ {
		idx := layout.TxEntryIdx{LocalIdx: i}
		var e layout.TxEntry
		if i == cap0-1 {
			e = layout.TxEntry{Kind: layout.TxInline, VBIStart: vbi, NumBlocks: 1, NewLBI: winnerLBI}
		} else {
			e = layout.TxEntry{Kind: layout.TxInline, VBIStart: layout.VBI(1000 + i), NumBlocks: 1, NewLBI: layout.LBI(1000 + i)}
		}
		_, winner, cerr := fx.tx.TryCommit(e, idx, false)
		assert.NoError(cerr)
		assert.Equal(layout.TxEmpty, winner.Kind, "slot %d should have been free", i)
	}

	fx.hint.idx = layout.TxEntryIdx{LocalIdx: cap0 - 1}

	err = w.commitWithConflictResolution(entry, chunks, vbi, 1, off, data, true, true, snapshotTail)
	assert.NoError(err)

	// the entry must have landed somewhere past the full meta block, and the
	// hint must reflect it.
	assert.NotEqual(layout.LBI(0), fx.hint.idx.BlockIdx)

	// the destination block must now carry the winner's content outside
	// [10,30) and this write's bytes inside it -- proof that recopyEdge
	// re-read the post-conflict projection instead of committing stale data.
	dst := fx.f.Block(chunks[0].lbi)
	assert.Equal(byte(0xAA), dst[0])
	assert.Equal(byte(0xAA), dst[9])
	assert.Equal(data, dst[10:30])
	assert.Equal(byte(0xAA), dst[30])
	assert.Equal(byte(0xAA), dst[layout.BlockSize-1])
}

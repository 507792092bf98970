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

package txlog

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/bitmap"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/pmem"
)

// memFile is a minimal in-memory BlockBytes/alloc.BitmapArray double shared
// by this package's tests: a growable slice of BlockSize-byte blocks, with
// block 0 reserved as the meta block the way internal/ulayfs lays it out.
type memFile struct {
	blocks [][layout.BlockSize]byte
}

func newMemFile(nblocks int) *memFile {
	f := &memFile{blocks: make([][layout.BlockSize]byte, nblocks)}
	// mark LBI 0 (the meta block) and LBIs 1-8 (which hold this double's
	// bitmap words, see Word) allocated, so the allocator never hands them out.
	*(*uint64)(unsafe.Pointer(&f.Block(1)[0])) = 0x1FF
	return f
}

func (f *memFile) Block(lbi layout.LBI) []byte {
	for int(lbi) >= len(f.blocks) {
		f.blocks = append(f.blocks, [layout.BlockSize]byte{})
	}
	return f.blocks[lbi][:]
}

func (f *memFile) Word(i uint32) bitmap.Word {
	// word i lives at byte offset i*8 inside block 1 + i*8/BlockSize, purely
	// for test purposes -- real layout lives in internal/layout/internal/ulayfs.
	blk := f.Block(layout.LBI(1 + i/512))
	off := (i % 512) * 8
	return bitmap.At(unsafe.Pointer(&blk[off]))
}

func (f *memFile) NumWords() uint32 { return 512 * 8 } // plenty for these tests

func (f *memFile) Grow() error { return nil }

func newTestManager(nblocks int) (*Manager, *memFile, *alloc.Allocator) {
	f := newMemFile(nblocks)
	a := alloc.New(f)
	m := NewManager(f, a, &pmem.RecordingPersister{})
	return m, f, a
}

func TestTryCommitWinsOnEmptySlot(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	idx := layout.TxEntryIdx{}
	entry := layout.TxEntry{Kind: layout.TxInline, VBIStart: 0, NumBlocks: 1, NewLBI: 100}

	finalIdx, winner, err := m.TryCommit(entry, idx, false)
	assert.NoError(err)
	assert.Equal(layout.TxEmpty, winner.Kind)
	assert.Equal(idx, finalIdx)

	got := m.GetEntry(idx)
	assert.Equal(layout.TxInline, got.Kind)
	assert.Equal(layout.LBI(100), got.NewLBI)
}

func TestTryCommitReportsWinnerOnConflict(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	idx := layout.TxEntryIdx{}
	first := layout.TxEntry{Kind: layout.TxInline, VBIStart: 0, NumBlocks: 1, NewLBI: 1}
	second := layout.TxEntry{Kind: layout.TxInline, VBIStart: 1, NumBlocks: 1, NewLBI: 2}

	_, winner, err := m.TryCommit(first, idx, false)
	assert.NoError(err)
	assert.Equal(layout.TxEmpty, winner.Kind)

	_, winner2, err := m.TryCommit(second, idx, false)
	assert.NoError(err)
	assert.Equal(layout.TxInline, winner2.Kind)
	assert.Equal(layout.LBI(1), winner2.NewLBI)
}

func TestTryCommitContinuesOnFail(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	idx := layout.TxEntryIdx{}
	first := layout.TxEntry{Kind: layout.TxInline, VBIStart: 0, NumBlocks: 1, NewLBI: 1}
	second := layout.TxEntry{Kind: layout.TxInline, VBIStart: 1, NumBlocks: 1, NewLBI: 2}

	_, _, err := m.TryCommit(first, idx, false)
	assert.NoError(err)

	finalIdx, winner, err := m.TryCommit(second, idx, true)
	assert.NoError(err)
	assert.Equal(layout.TxEmpty, winner.Kind)
	assert.NotEqual(idx, finalIdx)

	got := m.GetEntry(finalIdx)
	assert.Equal(layout.LBI(2), got.NewLBI)
}

func TestWalkStopsAtFirstEmptySlot(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	idx := layout.TxEntryIdx{}
	e1 := layout.TxEntry{Kind: layout.TxInline, VBIStart: 0, NumBlocks: 1, NewLBI: 1}
	idx2, _, err := m.TryCommit(e1, idx, false)
	assert.NoError(err)
	next, overflow, err := m.Advance(idx2, true)
	assert.NoError(err)
	assert.False(overflow)
	e2 := layout.TxEntry{Kind: layout.TxInline, VBIStart: 1, NumBlocks: 1, NewLBI: 2}
	_, _, err = m.TryCommit(e2, next, false)
	assert.NoError(err)

	var seen []layout.TxEntry
	err = m.Walk(idx, func(i layout.TxEntryIdx, e layout.TxEntry) (bool, error) {
		seen = append(seen, e)
		return true, nil
	})
	assert.NoError(err)
	assert.Len(seen, 2)
	assert.Equal(layout.LBI(1), seen[0].NewLBI)
	assert.Equal(layout.LBI(2), seen[1].NewLBI)
}

func TestFindTailSkipsInstalledEntries(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	idx := layout.TxEntryIdx{}
	e1 := layout.TxEntry{Kind: layout.TxInline, VBIStart: 0, NumBlocks: 1, NewLBI: 1}
	_, _, err := m.TryCommit(e1, idx, false)
	assert.NoError(err)

	tail := m.FindTail(idx)
	assert.NotEqual(idx, tail)
	assert.Equal(layout.TxEmpty, m.GetEntry(tail).Kind)
}

func TestAdvanceExtendsChainAcrossBlocks(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	cap0 := layout.TxEntryIdx{}.Capacity()

	idx := layout.TxEntryIdx{LocalIdx: cap0 - 1}
	next, overflow, err := m.Advance(idx, true)
	assert.NoError(err)
	assert.False(overflow)
	assert.Equal(uint32(0), next.LocalIdx)
	assert.NotEqual(layout.LBI(0), next.BlockIdx)
}

func TestAdvanceWithoutAllocReportsOverflow(t *testing.T) {
	assert := require.New(t)

	m, _, _ := newTestManager(4)
	cap0 := layout.TxEntryIdx{}.Capacity()

	idx := layout.TxEntryIdx{LocalIdx: cap0 - 1}
	_, overflow, err := m.Advance(idx, false)
	assert.NoError(err)
	assert.True(overflow)
}

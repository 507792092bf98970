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

// Package txlog implements the persistent, lock-free singly-linked list of
// tx entries described in spec.md §3/§4.4: traversal, entry commit, and
// chain extension. The meta block is always tx block 0 with tx_seq 0 and a
// smaller inline capacity; everything else is a full tx block.
package txlog

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/pmem"
)

// BlockBytes gives the tx manager write access to raw block bytes.
type BlockBytes interface {
	Block(lbi layout.LBI) []byte
}

// Manager is the transaction-log manager of spec.md §4.4.
type Manager struct {
	blocks    BlockBytes
	allocator *alloc.Allocator
	persister pmem.Persister
}

// NewManager returns a tx manager for one allocator's chain-extension needs.
func NewManager(blocks BlockBytes, allocator *alloc.Allocator, p pmem.Persister) *Manager {
	return &Manager{blocks: blocks, allocator: allocator, persister: p}
}

// entryOffset returns the byte offset of localIdx's tx entry within the
// block identified by blockIdx: the meta block's inline array starts at
// layout.MetaInlineTxOff, every other tx block's array starts at 0.
func entryOffset(blockIdx layout.LBI, localIdx uint32) uint32 {
	if blockIdx == 0 {
		return layout.MetaInlineTxOff + localIdx*layout.TxEntrySize
	}
	return localIdx * layout.TxEntrySize
}

func (m *Manager) entryWord(idx layout.TxEntryIdx) *uint64 {
	blk := m.blocks.Block(idx.BlockIdx)
	off := entryOffset(idx.BlockIdx, idx.LocalIdx)
	return (*uint64)(unsafe.Pointer(&blk[off]))
}

func (m *Manager) nextWord(blockIdx layout.LBI) *uint32 {
	if blockIdx == 0 {
		blk := m.blocks.Block(0)
		return (*uint32)(unsafe.Pointer(&blk[layout.MetaTxBlock0NextOff]))
	}
	blk := m.blocks.Block(blockIdx)
	return (*uint32)(unsafe.Pointer(&blk[layout.TxBlockNextOff]))
}

// GetEntry does an atomic acquire-load of the tx entry at idx.
func (m *Manager) GetEntry(idx layout.TxEntryIdx) layout.TxEntry {
	w := atomic.LoadUint64(m.entryWord(idx))
	return layout.DecodeTxEntry(w)
}

// getTxSeq returns the tx_seq of the block holding idx; the meta block is
// fixed at sequence 0 (spec.md §3).
func (m *Manager) getTxSeq(blockIdx layout.LBI) uint32 {
	if blockIdx == 0 {
		return 0
	}
	blk := m.blocks.Block(blockIdx)
	return binary.BigEndian.Uint32(blk[layout.TxBlockSeqOff : layout.TxBlockSeqOff+4])
}

// Less implements the sequence-based total order of spec.md §4.4.
func (m *Manager) Less(a, b layout.TxEntryIdx) bool {
	if a.BlockIdx == b.BlockIdx {
		return a.LocalIdx < b.LocalIdx
	}
	return m.getTxSeq(a.BlockIdx) < m.getTxSeq(b.BlockIdx)
}

// Advance moves idx to the next slot, following (and if needed extending)
// the chain, spec.md §4.4's advance_tx_idx/handle_idx_overflow.
func (m *Manager) Advance(idx layout.TxEntryIdx, allowAlloc bool) (next layout.TxEntryIdx, overflow bool, err error) {
	defer xerr.Contextf(&err, "txlog: advance %+v", idx)

	idx.LocalIdx++
	if idx.LocalIdx < idx.Capacity() {
		return idx, false, nil
	}

	nextBlk := atomic.LoadUint32(m.nextWord(idx.BlockIdx))
	if nextBlk == 0 {
		if !allowAlloc {
			return idx, true, nil
		}
		newBlk, err := m.allocNextBlock(idx.BlockIdx)
		if err != nil {
			return layout.TxEntryIdx{}, false, err
		}
		nextBlk = uint32(newBlk)
	}
	return layout.TxEntryIdx{BlockIdx: layout.LBI(nextBlk), LocalIdx: 0}, false, nil
}

// allocNextBlock allocates, initializes and CAS-installs a new tx block as
// the successor of fromBlock, returning whichever block idx ends up
// installed (ours, if we won the race; the other writer's, if we lost).
func (m *Manager) allocNextBlock(fromBlock layout.LBI) (layout.LBI, error) {
	newBlk, err := m.allocator.Alloc(1)
	if err != nil {
		return 0, err
	}

	blk := m.blocks.Block(newBlk)
	for i := range blk {
		blk[i] = 0
	}
	seq := m.getTxSeq(fromBlock) + 1
	binary.BigEndian.PutUint32(blk[layout.TxBlockSeqOff:layout.TxBlockSeqOff+4], seq)
	// the new block's contents, including tx_seq, must be durable before its
	// "next" pointer is published (spec.md §4.4 persistence order).
	m.persister.Flush(unsafe.Pointer(&blk[0]), layout.BlockSize)
	m.persister.Fence()

	ptr := m.nextWord(fromBlock)
	if atomic.CompareAndSwapUint32(ptr, 0, uint32(newBlk)) {
		m.persister.Flush(unsafe.Pointer(ptr), 4)
		m.persister.Fence()
		return newBlk, nil
	}

	// lost the race: give the block back to the local free-list and use
	// whichever block the winner installed.
	m.allocator.Free(newBlk, 1)
	return layout.LBI(atomic.LoadUint32(ptr)), nil
}

// TryCommit CAS-installs entry at idx. On success it persists the entry
// with a fence and returns an Empty entry. On failure it returns the
// winning entry; if continueOnFail, it advances idx -- allocating a new
// block if the chain needs to be extended to do so, since a failed CAS this
// deep into a retry means the caller has committed to landing this entry
// somewhere and running off the end of the chain is not an option -- and
// retries until it either wins or Advance itself fails, mirroring spec.md
// §4.4's try_commit.
func (m *Manager) TryCommit(entry layout.TxEntry, idx layout.TxEntryIdx, continueOnFail bool) (finalIdx layout.TxEntryIdx, winner layout.TxEntry, err error) {
	defer xerr.Contextf(&err, "txlog: try_commit %+v", idx)

	word := entry.Encode()
	for {
		ptr := m.entryWord(idx)
		if atomic.CompareAndSwapUint64(ptr, 0, word) {
			m.persister.Flush(unsafe.Pointer(ptr), 8)
			m.persister.Fence()
			return idx, layout.TxEntry{Kind: layout.TxEmpty}, nil
		}

		cur := layout.DecodeTxEntry(atomic.LoadUint64(ptr))
		if !continueOnFail {
			return idx, cur, nil
		}

		next, overflow, aerr := m.Advance(idx, true)
		if aerr != nil {
			return idx, cur, aerr
		}
		if overflow {
			return idx, cur, nil
		}
		idx = next
	}
}

// Walk visits installed entries starting at from (inclusive) in chain order,
// calling fn for each. It stops at the first Empty slot, the first error fn
// returns, or the first false returned by fn. Walk never allocates: it never
// extends the chain, so a from that has fallen off the end of an allocated
// tail simply stops immediately.
func (m *Manager) Walk(from layout.TxEntryIdx, fn func(idx layout.TxEntryIdx, e layout.TxEntry) (cont bool, err error)) error {
	idx := from
	for {
		e := m.GetEntry(idx)
		if e.Kind == layout.TxEmpty {
			return nil
		}
		cont, err := fn(idx, e)
		if err != nil || !cont {
			return err
		}
		next, overflow, err := m.Advance(idx, false)
		if err != nil {
			return err
		}
		if overflow {
			return nil
		}
		idx = next
	}
}

// FindTail does a hint-driven linear scan forward from idx looking for the
// first empty slot, spec.md §4.4's find_tail. The result is best-effort: it
// may be stale the instant it's returned under concurrent writers.
func (m *Manager) FindTail(idx layout.TxEntryIdx) layout.TxEntryIdx {
	for {
		e := m.GetEntry(idx)
		if e.Kind == layout.TxEmpty {
			return idx
		}
		next, overflow, err := m.Advance(idx, false)
		if err != nil || overflow {
			return idx
		}
		idx = next
	}
}

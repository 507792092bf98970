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

// Package logentry is the thin adapter described in spec.md §4.3: it packs
// a variable-length log entry (header + packed LBI array, possibly spread
// across chained fragments) into the space internal/alloc reserved for it.
package logentry

import (
	"encoding/binary"
	"unsafe"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/pmem"
)

func blockPtr(blk []byte, off uint32) unsafe.Pointer {
	return unsafe.Pointer(&blk[off])
}

// BlockBytes gives logentry.Append write access to a log-entry block's raw
// bytes; internal/ulayfs implements it over the live mapping.
type BlockBytes interface {
	Block(lbi layout.LBI) []byte
}

// Manager packs log entries for one allocator into its reserved fragments.
type Manager struct {
	blocks    BlockBytes
	persister pmem.Persister
}

// NewManager returns a log manager writing through blocks and flushing via p.
func NewManager(blocks BlockBytes, p pmem.Persister) *Manager {
	return &Manager{blocks: blocks, persister: p}
}

// Append packs numBlocks worth of run-head LBIs into a(llocator)'s current
// log-entry region (reserving space first) and persists the written bytes
// without a fence — the subsequent commit-entry persist supplies the fence,
// spec.md §4.3. lbis must have ceil(numBlocks/64) entries, each the head of
// a run of up to 64 consecutive destination blocks.
func (m *Manager) Append(a *alloc.Allocator, numBlocks uint32, lbis []layout.LBI) (first layout.LogEntryLocator, err error) {
	defer xerr.Contextf(&err, "logentry: append %d blocks", numBlocks)

	first, fragments, err := a.ReserveLogEntry(numBlocks)
	if err != nil {
		return layout.LogEntryLocator{}, err
	}

	lbiPos := 0
	for fi, frag := range fragments {
		blk := m.blocks.Block(frag.BlockIdx)
		hasNext := fi < len(fragments)-1

		h := layout.LogEntryHeader{
			HasNext:   hasNext,
			NumBlocks: blockCountForFragment(frag, numBlocks, lbiPos),
		}
		if hasNext {
			next := fragments[fi+1]
			h.IsNextSameBlock = next.BlockIdx == frag.BlockIdx
			if h.IsNextSameBlock {
				h.NextLocalOffset = next.HeaderOffset
			} else {
				h.NextBlockIdx = next.BlockIdx
			}
		}

		hdr := layout.EncodeLogEntryHeader(h)
		copy(blk[frag.HeaderOffset:frag.HeaderOffset+layout.LogEntryFixedSize], hdr[:])

		lbiBase := frag.HeaderOffset + layout.LogEntryFixedSize
		for i := uint32(0); i < frag.NumLBIs; i++ {
			binary.BigEndian.PutUint32(blk[lbiBase+i*4:lbiBase+i*4+4], uint32(lbis[lbiPos]))
			lbiPos++
		}

		m.persister.Flush(blockPtr(blk, frag.HeaderOffset), int(lbiBase+frag.NumLBIs*4-frag.HeaderOffset))
	}
	return first, nil
}

// blockCountForFragment derives how many of the still-unaccounted-for
// blocks this fragment's LBI slots describe (each LBI covers up to 64
// blocks, and the last one in the whole entry may cover fewer than 64).
func blockCountForFragment(frag alloc.LogFragment, totalBlocks uint32, lbisAlreadyConsumed int) uint32 {
	consumedBlocks := uint32(lbisAlreadyConsumed) * 64
	remaining := totalBlocks - consumedBlocks
	full := frag.NumLBIs * 64
	if full <= remaining {
		return full
	}
	return remaining
}

// TotalBlocks sums the num_blocks header field across the log entry chain
// starting at loc, without decoding the LBI array each fragment carries.
// This is how an Indirect tx entry's true block count is recovered (spec.md
// §3's num_blocks:30 log-entry header), since the 8-byte tx-entry word has
// no room to hold it for writes over 64 blocks.
func TotalBlocks(blocks BlockBytes, loc layout.LogEntryLocator) (uint32, error) {
	var total uint32
	cur := loc
	for {
		blk := blocks.Block(cur.BlockIdx)
		h := layout.DecodeLogEntryHeader(blk[cur.LocalOffset : cur.LocalOffset+layout.LogEntryFixedSize])
		total += h.NumBlocks
		if !h.HasNext {
			return total, nil
		}
		if h.IsNextSameBlock {
			cur = layout.LogEntryLocator{BlockIdx: cur.BlockIdx, LocalOffset: h.NextLocalOffset}
		} else {
			cur = layout.LogEntryLocator{BlockIdx: h.NextBlockIdx, LocalOffset: 0}
		}
	}
}

// Read decodes the log entry chain starting at loc into the LBI list it
// describes, following has_next/is_next_same_block fragment links.
func Read(blocks BlockBytes, loc layout.LogEntryLocator) ([]layout.LBI, error) {
	var out []layout.LBI
	cur := loc
	for {
		blk := blocks.Block(cur.BlockIdx)
		h := layout.DecodeLogEntryHeader(blk[cur.LocalOffset : cur.LocalOffset+layout.LogEntryFixedSize])
		numLBIs := (h.NumBlocks + 63) / 64
		base := cur.LocalOffset + layout.LogEntryFixedSize
		for i := uint32(0); i < numLBIs; i++ {
			out = append(out, layout.LBI(binary.BigEndian.Uint32(blk[base+i*4:base+i*4+4])))
		}
		if !h.HasNext {
			return out, nil
		}
		if h.IsNextSameBlock {
			cur = layout.LogEntryLocator{BlockIdx: cur.BlockIdx, LocalOffset: h.NextLocalOffset}
		} else {
			cur = layout.LogEntryLocator{BlockIdx: h.NextBlockIdx, LocalOffset: 0}
		}
	}
}

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
	"io"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/blktable"
	"github.com/ulayfs/ulayfs-go/internal/cow"
	"github.com/ulayfs/ulayfs-go/internal/layout"
	"github.com/ulayfs/ulayfs-go/internal/logentry"
	"github.com/ulayfs/ulayfs-go/internal/txlog"
)

// Writer bundles one goroutine's private allocator, log manager and tx
// manager with the shared block table, and drives internal/cow's write path
// over them. spec.md §9 calls this a "thread-local owned value keyed by the
// open file, creation on first use"; WriterPool is the Go rendition of that
// lifecycle, using sync.Pool instead of real thread-locals since goroutines
// have no stable identity to key on.
type Writer struct {
	alloc *alloc.Allocator
	log   *logentry.Manager
	tx    *txlog.Manager
	table *blktable.Table
	cow   *cow.Writer
}

// WriterPool hands out *Writer values scoped to one *File.
type WriterPool struct {
	file *File
	pool sync.Pool
}

// Get borrows a Writer, creating one if the pool is empty. The caller must
// return it with Put when done; a Writer must never be used by more than
// one goroutine concurrently.
func (p *WriterPool) Get() *Writer {
	if w, ok := p.pool.Get().(*Writer); ok {
		return w
	}
	return p.file.newWriter()
}

// Put returns w to the pool for reuse, preserving its free-lists and
// log-entry cursor across writes the way a real thread-local would.
func (p *WriterPool) Put(w *Writer) {
	p.pool.Put(w)
}

func (f *File) newWriter() *Writer {
	a := alloc.New(f)
	log := logentry.NewManager(f, f.persist)
	tx := txlog.NewManager(f, a, f.persist)
	table := blktable.New(tx, f)
	w := &Writer{alloc: a, log: log, tx: tx, table: table}
	w.cow = cow.New(cow.Deps{
		Blocks:  f,
		Persist: f.persist,
		Alloc:   a,
		Log:     log,
		Tx:      tx,
		Table:   table,
		Hint:    f,
		Size:    f,
		Trunc:   f,
	})
	return w
}

// txManagerForRecovery returns a throwaway tx manager for the on-open
// recovery walk (recoveryCheck), which only ever reads the chain and never
// allocates, so it needs no real per-thread allocator of its own.
func (f *File) txManagerForRecovery() *txlog.Manager {
	return txlog.NewManager(f, alloc.New(f), f.persist)
}

// TailHint implements cow.TailHint, reading the meta block's tx_log_tail
// hint (spec.md §6.2 bytes 34-39, §5: "hint only; monotonic advance; racy
// writes tolerated").
func (f *File) TailHint() layout.TxEntryIdx {
	meta := f.mapping.Block(0)
	return layout.GetTxEntryLocator(meta[layout.MetaTxTailOff : layout.MetaTxTailOff+6])
}

// SetTailHint implements cow.TailHint. It is deliberately not fenced: the
// write path starts each commit from its own projection snapshot and never
// reads this hint back, so a stale or lost update never affects correctness.
func (f *File) SetTailHint(idx layout.TxEntryIdx) {
	meta := f.mapping.Block(0)
	layout.PutTxEntryLocator(meta[layout.MetaTxTailOff:layout.MetaTxTailOff+6], idx)
	f.persist.Flush(wordAddr(meta, layout.MetaTxTailOff), 6)
}

// Pwrite runs the CoW write path (spec.md §6.1) for one pwrite(2) call.
func (f *File) Pwrite(off int64, data []byte) (n int, err error) {
	w := f.writers.Get()
	defer f.writers.Put(w)
	return w.cow.Write(off, data)
}

// Pread projects the committed tx log onto [off, off+len(buf)) and copies
// the resulting bytes into buf, spec.md §6.1. Reads are clipped to the
// current logical file size; past EOF it returns (0, io.EOF) in the
// conventional Go io.ReaderAt style the interception shim adapts to pread's
// short-read semantics.
func (f *File) Pread(off int64, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	size := f.Size()
	if off >= size {
		return 0, io.EOF
	}

	defer xerr.Contextf(&err, "ulayfs: pread off=%d len=%d", off, len(buf))

	end := off + int64(len(buf))
	if end > size {
		end = size
	}

	vbStart := layout.VBI(off / layout.BlockSize)
	vbEnd := layout.VBI((end + layout.BlockSize - 1) / layout.BlockSize)

	w := f.writers.Get()
	defer f.writers.Put(w)

	image, _, err := w.table.Image(vbStart, vbEnd)
	if err != nil {
		return 0, err
	}

	for vbi := vbStart; vbi < vbEnd; vbi++ {
		lbi := image[vbi-vbStart]
		blockStart := int64(vbi) * layout.BlockSize
		lo := off - blockStart
		if lo < 0 {
			lo = 0
		}
		hi := end - blockStart
		if hi > layout.BlockSize {
			hi = layout.BlockSize
		}
		dstOff := blockStart + lo - off

		if lbi == layout.NilLBI {
			zeroBytes(buf[dstOff : dstOff+(hi-lo)])
		} else {
			src := f.Block(lbi)
			copy(buf[dstOff:dstOff+(hi-lo)], src[lo:hi])
		}
	}
	return int(end - off), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

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

package pmem

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRecordingPersisterRecordsOrder(t *testing.T) {
	assert := require.New(t)

	p := &RecordingPersister{}
	var x byte
	p.Flush(unsafe.Pointer(&x), 1)
	p.Fence()
	p.Flush(unsafe.Pointer(&x), 1)

	assert.Equal([]string{"flush", "fence", "flush"}, p.Calls)
}

func TestRecordingPersisterFailAtPanics(t *testing.T) {
	assert := require.New(t)

	p := &RecordingPersister{FailAt: 2}
	var x byte

	assert.NotPanics(func() { p.Flush(unsafe.Pointer(&x), 1) })
	assert.Panics(func() { p.Flush(unsafe.Pointer(&x), 1) })
	assert.Equal(2, len(p.Calls))
}

func openTempFile(t *testing.T, size int) *os.File {
	f, err := os.CreateTemp(t.TempDir(), "pmem-test-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	return f
}

func TestMapUnmapRoundTrip(t *testing.T) {
	assert := require.New(t)

	f := openTempFile(t, 2*BlockSize)
	defer f.Close()

	m, err := Map(int(f.Fd()), 2*BlockSize)
	assert.NoError(err)

	blk := m.Block(1)
	assert.Len(blk, BlockSize)
	for i := range blk {
		blk[i] = byte(i)
	}

	assert.NoError(unix.Msync(m.Data, unix.MS_SYNC))
	assert.NoError(m.Unmap())
	assert.Nil(m.Data)
	assert.NoError(m.Unmap()) // idempotent once unmapped

	got := make([]byte, BlockSize)
	_, err = f.ReadAt(got, BlockSize)
	assert.NoError(err)
	want := make([]byte, BlockSize)
	for i := range want {
		want[i] = byte(i)
	}
	assert.Equal(want, got)
}

func TestLockUnlock(t *testing.T) {
	assert := require.New(t)

	f := openTempFile(t, BlockSize)
	defer f.Close()

	assert.NoError(Lock(int(f.Fd())))
	assert.NoError(Unlock(int(f.Fd())))
}

func TestMsyncPersisterFlushPanicsOutOfBounds(t *testing.T) {
	assert := require.New(t)

	f := openTempFile(t, BlockSize)
	defer f.Close()

	m, err := Map(int(f.Fd()), BlockSize)
	assert.NoError(err)
	defer m.Unmap()

	p := NewMsyncPersister(m)
	// a pointer strictly before the mapping's base: the byte-offset
	// subtraction underflows to a uintptr whose top bit is set, which
	// converts to a negative int and trips the bounds check deterministically
	// (unlike a pointer into unrelated memory, whose relative offset depends
	// on address-space layout).
	before := unsafe.Pointer(uintptr(unsafe.Pointer(&m.Data[0])) - 8)
	assert.Panics(func() { p.Flush(before, 1) })
}

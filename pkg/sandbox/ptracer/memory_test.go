// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/sockaddr"
)

type fakeAddressSpace struct {
	base  uint64
	data  []byte
	peeks []uintptr
	// short makes every peek return this many bytes when non zero
	short int
}

func (f *fakeAddressSpace) peek(_ int, addr uintptr, out []byte) (int, error) {
	f.peeks = append(f.peeks, addr)

	if uint64(addr) < f.base || uint64(addr)+uint64(len(out)) > f.base+uint64(len(f.data)) {
		return 0, unix.EIO
	}
	off := uint64(addr) - f.base
	n := copy(out, f.data[off:])
	if f.short != 0 {
		return f.short, nil
	}
	return n, nil
}

func newFakeReader(f *fakeAddressSpace) *MemoryReader {
	return &MemoryReader{pid: 1234, peek: f.peek}
}

func TestReadMemoryWords(t *testing.T) {
	f := &fakeAddressSpace{base: 0x1000, data: make([]byte, 64)}
	for i := range f.data {
		f.data[i] = byte(i)
	}

	data, err := newFakeReader(f).ReadMemory(0x1003, 13)
	require.NoError(t, err)

	assert.Equal(t, f.data[3:16], data)
	assert.Equal(t, []uintptr{0x1003, 0x100b}, f.peeks)
}

func TestReadMemoryExactWord(t *testing.T) {
	f := &fakeAddressSpace{base: 0x2000, data: make([]byte, 16)}

	data, err := newFakeReader(f).ReadMemory(0x2000, wordSize)
	require.NoError(t, err)

	assert.Len(t, data, wordSize)
	assert.Len(t, f.peeks, 1)
}

func TestReadMemoryEndOfMapping(t *testing.T) {
	f := &fakeAddressSpace{base: 0x4000, data: make([]byte, 16)}
	for i := range f.data {
		f.data[i] = byte(i)
	}

	// the last word would cross the end of the mapping
	data, err := newFakeReader(f).ReadMemory(0x4003, 13)
	require.NoError(t, err)

	assert.Equal(t, f.data[3:], data)
	assert.Equal(t, []uintptr{0x4003, 0x400b}, f.peeks)
}

func TestReadMemoryEmpty(t *testing.T) {
	f := &fakeAddressSpace{base: 0x2000}

	data, err := newFakeReader(f).ReadMemory(0x2000, 0)
	require.NoError(t, err)

	assert.Empty(t, data)
	assert.Empty(t, f.peeks)
}

func TestReadMemoryErrors(t *testing.T) {
	t.Run("unmapped", func(t *testing.T) {
		f := &fakeAddressSpace{base: 0x3000, data: make([]byte, 8)}

		_, err := newFakeReader(f).ReadMemory(0x3000, 16)
		assert.ErrorIs(t, err, unix.EIO)
	})

	t.Run("short-peek", func(t *testing.T) {
		f := &fakeAddressSpace{base: 0x3000, data: make([]byte, 32), short: 3}

		_, err := newFakeReader(f).ReadMemory(0x3000, 16)
		assert.ErrorIs(t, err, sockaddr.ErrShortRead)
	})

	t.Run("overflow", func(t *testing.T) {
		f := &fakeAddressSpace{}

		_, err := newFakeReader(f).ReadMemory(math.MaxUint64-4, 16)
		assert.ErrorIs(t, err, unix.EFAULT)
		assert.Empty(t, f.peeks)
	})

	t.Run("negative", func(t *testing.T) {
		_, err := newFakeReader(&fakeAddressSpace{}).ReadMemory(0x3000, -1)
		assert.Error(t, err)
	})
}

func TestTaskState(t *testing.T) {
	tk := &task{pid: 1}

	tk.enter(42)
	assert.True(t, tk.inSyscall)
	tk.denied = true

	assert.True(t, tk.exit())
	assert.False(t, tk.inSyscall)

	assert.False(t, tk.enter(0))
	assert.False(t, tk.exit())

	// a second entry without exit keeps the pending denial
	tk.enter(42)
	tk.denied = true
	assert.True(t, tk.enter(3))
	assert.Equal(t, uint64(3), tk.nr)
	assert.True(t, tk.exit())
}

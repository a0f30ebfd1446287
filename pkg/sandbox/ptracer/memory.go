// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/sockaddr"
)

const wordSize = int(unsafe.Sizeof(uintptr(0)))

type peekFunc func(pid int, addr uintptr, out []byte) (int, error)

// MemoryReader copies memory out of a stopped traced task, one word at a
// time. Every read is a snapshot: the task owns the memory.
type MemoryReader struct {
	pid  int
	peek peekFunc
}

// NewMemoryReader returns a reader of the memory of pid
func NewMemoryReader(pid int) *MemoryReader {
	return &MemoryReader{pid: pid, peek: unix.PtracePeekData}
}

// ReadMemory reads exactly size bytes forward from addr
func (m *MemoryReader) ReadMemory(addr uint64, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid read size %d", size)
	}
	if addr > math.MaxUint64-uint64(size) {
		return nil, fmt.Errorf("read of %d bytes at 0x%x overflows: %w", size, addr, unix.EFAULT)
	}

	var (
		data = make([]byte, 0, size)
		word [wordSize]byte
	)

	for off := 0; off < size; off += wordSize {
		// never peek past the requested range, the next page may be unmapped
		chunk := word[:min(wordSize, size-off)]

		n, err := m.peek(m.pid, uintptr(addr+uint64(off)), chunk)
		if err != nil {
			return nil, fmt.Errorf("unable to read memory of pid %d at 0x%x: %w", m.pid, addr+uint64(off), err)
		}
		if n != len(chunk) {
			return nil, fmt.Errorf("read %d bytes of pid %d at 0x%x: %w", n, m.pid, addr+uint64(off), sockaddr.ErrShortRead)
		}

		data = append(data, chunk...)
	}

	if len(data) != size {
		return nil, errors.New("memory read size mismatch")
	}
	return data, nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/util/native"
)

// https://elixir.bootlin.com/linux/v6.5.12/source/include/uapi/linux/ptrace.h#L73
const (
	ptraceGetSyscallInfo = 0x420e

	syscallInfoNone    = 0
	syscallInfoEntry   = 1
	syscallInfoExit    = 2
	syscallInfoSeccomp = 3

	// sizeof(struct ptrace_syscall_info)
	syscallInfoSize = 88

	syscallInfoHeaderSize  = 24
	syscallInfoEntrySize   = syscallInfoHeaderSize + 8 + 6*8
	syscallInfoExitSize    = syscallInfoHeaderSize + 8 + 1
	syscallInfoSeccompSize = syscallInfoEntrySize + 4
)

var errShortSyscallInfo = errors.New("truncated ptrace_syscall_info")

// Phase tells on which side of a syscall a task is stopped
type Phase int

const (
	// PhaseNone is reported for stops that are not syscall stops
	PhaseNone Phase = iota
	// PhaseEntry is the stop before the kernel runs the syscall
	PhaseEntry
	// PhaseExit is the stop after the kernel produced the result
	PhaseExit
)

func (p Phase) String() string {
	switch p {
	case PhaseEntry:
		return "entry"
	case PhaseExit:
		return "exit"
	}
	return "none"
}

// SyscallEvent is a snapshot of a syscall stop, built fresh at every stop
type SyscallEvent struct {
	PID                int
	Phase              Phase
	Arch               uint32
	InstructionPointer uint64

	// entry only
	Nr      uint64
	Args    [6]uint64
	Seccomp bool

	// exit only
	Ret     int64
	IsError bool
}

// decodeSyscallInfo decodes a struct ptrace_syscall_info, b holds the bytes
// the kernel reported as valid
func decodeSyscallInfo(b []byte) (SyscallEvent, error) {
	if len(b) < syscallInfoHeaderSize {
		return SyscallEvent{}, errShortSyscallInfo
	}

	ev := SyscallEvent{
		Arch:               native.Endian.Uint32(b[4:8]),
		InstructionPointer: native.Endian.Uint64(b[8:16]),
	}

	switch op := b[0]; op {
	case syscallInfoNone:
		ev.Phase = PhaseNone
	case syscallInfoEntry, syscallInfoSeccomp:
		size := syscallInfoEntrySize
		if op == syscallInfoSeccomp {
			size = syscallInfoSeccompSize
		}
		if len(b) < size {
			return SyscallEvent{}, errShortSyscallInfo
		}
		ev.Phase = PhaseEntry
		ev.Seccomp = op == syscallInfoSeccomp
		ev.Nr = native.Endian.Uint64(b[24:32])
		for i := range ev.Args {
			off := 32 + 8*i
			ev.Args[i] = native.Endian.Uint64(b[off : off+8])
		}
	case syscallInfoExit:
		if len(b) < syscallInfoExitSize {
			return SyscallEvent{}, errShortSyscallInfo
		}
		ev.Phase = PhaseExit
		ev.Ret = int64(native.Endian.Uint64(b[24:32]))
		ev.IsError = b[32] != 0
	default:
		return SyscallEvent{}, fmt.Errorf("unknown ptrace_syscall_info op %d", op)
	}

	return ev, nil
}

func getSyscallInfo(pid int, buf []byte) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_PTRACE, ptraceGetSyscallInfo, uintptr(pid), uintptr(len(buf)), uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// readSyscallEvent asks the kernel which syscall stop pid is in
func readSyscallEvent(pid int) (SyscallEvent, error) {
	var buf [syscallInfoSize]byte

	n, err := getSyscallInfo(pid, buf[:])
	if err != nil {
		return SyscallEvent{}, fmt.Errorf("unable to get syscall info of pid %d: %w", pid, err)
	}

	ev, err := decodeSyscallInfo(buf[:min(n, len(buf))])
	if err != nil {
		return SyscallEvent{}, fmt.Errorf("unable to decode syscall info of pid %d: %w", pid, err)
	}
	ev.PID = pid
	return ev, nil
}

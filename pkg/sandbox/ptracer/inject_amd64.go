// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package ptracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	archSupported = true

	// AUDIT_ARCH_X86_64, as reported in ptrace_syscall_info.arch
	nativeAuditArch = 0xc000003e

	// any negative number makes the kernel skip the syscall and leave
	// -ENOSYS in rax
	noSyscall = ^uint64(0)
)

// neutralizeSyscall must be called at a syscall-entry stop: the kernel will
// run no syscall at all when the task resumes
func neutralizeSyscall(pid int) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return fmt.Errorf("unable to get registers of pid %d: %w", pid, err)
	}

	regs.Orig_rax = noSyscall

	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return fmt.Errorf("unable to set registers of pid %d: %w", pid, err)
	}
	return nil
}

// setSyscallReturn must be called at a syscall-exit stop, it overrides the
// value the task observes as the syscall result
func setSyscallReturn(pid int, errno unix.Errno) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return fmt.Errorf("unable to get registers of pid %d: %w", pid, err)
	}

	regs.Rax = uint64(-int64(errno))

	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return fmt.Errorf("unable to set registers of pid %d: %w", pid, err)
	}
	return nil
}

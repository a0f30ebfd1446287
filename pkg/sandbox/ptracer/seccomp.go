// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/policy"
)

// SeccompExecArg is the hidden first argument making the supervisor binary
// act as the seccomp shim: install the filter, then exec the target
const SeccompExecArg = "__egress-sandbox-seccomp-exec"

const (
	// offsets in struct seccomp_data
	seccompNrOffset   = 0
	seccompArchOffset = 4
	sizeOfUint32      = 4
)

// TracedSyscalls lists the native syscalls the seccomp filter hands to the
// tracer
var TracedSyscalls = []string{"connect"}

func groupAssemble(nums []uint32, action seccomp.Action, defaultAction seccomp.Action) ([]bpf.Instruction, error) {
	p := seccomp.NewProgram()

	match := p.NewLabel()
	for _, num := range nums {
		syscall := seccomp.SyscallWithConditions{Num: num}
		syscall.Assemble(&p, match)
	}

	p.Ret(defaultAction)

	p.SetLabel(match)
	p.Ret(action)

	return p.Assemble()
}

func nativeSyscallNums(info *arch.Info, names []string) ([]uint32, error) {
	nums := make([]uint32, 0, 2*len(names))
	for _, name := range names {
		num, found := info.SyscallNames[name]
		if !found {
			return nil, fmt.Errorf("unknown syscall for arch %s: %s", info.Name, name)
		}
		nums = append(nums, uint32(num|info.SeccompMask))
		if info.ID == arch.X86_64.ID {
			// x32 shares the audit arch of x86_64
			nums = append(nums, uint32(num)|policy.X32SyscallBit)
		}
	}
	return nums, nil
}

// FilterProgram assembles the seccomp program returning SECCOMP_RET_TRACE for
// the given native syscalls, for their x32 variants and for the i386 socket
// syscalls. Everything else is allowed, except syscalls of an unknown audit
// arch which are traced too.
func FilterProgram(syscalls []string) ([]bpf.Instruction, error) {
	info, err := arch.GetInfo("")
	if err != nil {
		return nil, err
	}
	if info.ID != arch.X86_64.ID {
		return nil, fmt.Errorf("arch %s not supported: %w", info.Name, ErrUnsupportedArch)
	}

	nums, err := nativeSyscallNums(info, syscalls)
	if err != nil {
		return nil, err
	}
	nativeInsts, err := groupAssemble(nums, seccomp.ActionTrace, seccomp.ActionAllow)
	if err != nil {
		return nil, err
	}

	compatInsts, err := groupAssemble([]uint32{policy.I386SocketcallNr, policy.I386ConnectNr}, seccomp.ActionTrace, seccomp.ActionAllow)
	if err != nil {
		return nil, err
	}

	if len(nativeInsts)+1 > 255 || len(compatInsts)+1 > 255 {
		return nil, errors.New("seccomp program too large")
	}

	program := []bpf.Instruction{
		bpf.LoadAbsolute{Off: seccompArchOffset, Size: sizeOfUint32},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(info.ID), SkipFalse: uint8(len(nativeInsts) + 1)},
		bpf.LoadAbsolute{Off: seccompNrOffset, Size: sizeOfUint32},
	}
	program = append(program, nativeInsts...)

	program = append(program,
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(arch.I386.ID), SkipFalse: uint8(len(compatInsts) + 1)},
		bpf.LoadAbsolute{Off: seccompNrOffset, Size: sizeOfUint32},
	)
	program = append(program, compatInsts...)

	program = append(program, bpf.RetConstant{Val: uint32(seccomp.ActionTrace)})

	return program, nil
}

func filterProg(syscalls []string) (*unix.SockFprog, error) {
	insts, err := FilterProgram(syscalls)
	if err != nil {
		return nil, fmt.Errorf("unable to compile bpf prog: %w", err)
	}

	rawInsts, err := bpf.Assemble(insts)
	if err != nil {
		return nil, fmt.Errorf("unable to assemble bpf prog: %w", err)
	}

	filter := make([]unix.SockFilter, 0, len(rawInsts))
	for _, instruction := range rawInsts {
		filter = append(filter, unix.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}
	return &unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}, nil
}

// ExecSeccompShim installs the trace filter on the calling thread and
// replaces the process image with args[0], using args[1:] as argv. It only
// returns on error.
func ExecSeccompShim(args []string, envs []string) error {
	if len(args) < 2 {
		return errors.New("seccomp shim expects a path and an argument vector")
	}

	prog, err := filterProg(TracedSyscalls)
	if err != nil {
		return err
	}

	// the filter is attached to the calling thread, execve keeps only that one
	runtime.LockOSThread()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("unable to set no_new_privs: %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(prog))); errno != 0 {
		return fmt.Errorf("unable to load seccomp filter: %w", errno)
	}

	if err := unix.Exec(args[0], args[1:], envs); err != nil {
		return fmt.Errorf("unable to execute `%s`: %w", args[0], err)
	}
	return nil
}

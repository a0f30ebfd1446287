// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

// Package policy holds the egress policy evaluated on traced syscalls
package policy

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/sockaddr"
)

// Verdict is the outcome of a policy evaluation
type Verdict int

const (
	// Allow lets the syscall run unmodified
	Allow Verdict = iota
	// Deny neutralizes the syscall and reports a failure to the caller
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	}
	return "unknown"
}

// ConnectNr is the syscall number of connect(2)
const ConnectNr = unix.SYS_CONNECT

const (
	connectAddrArg = 1
	connectLenArg  = 2
)

const (
	// X32SyscallBit is set in syscall numbers issued through the x32 ABI
	X32SyscallBit = 0x40000000

	// I386SocketcallNr is socketcall(2) in the i386 ABI, reachable from
	// 64-bit tasks through int 0x80
	I386SocketcallNr = 102
	// I386ConnectNr is connect(2) in the i386 ABI
	I386ConnectNr = 362
)

// ErrCompatSyscall is the decision error of connect attempts made through the
// 32-bit syscall ABI
var ErrCompatSyscall = errors.New("connect through the compat syscall ABI")

// Call is a syscall number with its raw register arguments
type Call struct {
	Nr   uint64
	Args [6]uint64
	// Compat is set when the syscall was issued through the 32-bit ABI
	Compat bool
}

// Decision is the result of Engine.Evaluate
type Decision struct {
	Verdict Verdict
	// Monitored is false for syscalls the engine implicitly allows
	Monitored bool
	Endpoint  sockaddr.Endpoint
	// Err is set when the destination could not be decoded
	Err error
}

// Engine evaluates syscalls against a rule. It holds no mutable state and can
// be shared between traced tasks.
type Engine struct {
	rule Rule
}

// NewEngine returns an engine enforcing rule on connect(2)
func NewEngine(rule Rule) *Engine {
	if rule == nil {
		rule = LoopbackOnly{}
	}
	return &Engine{rule: rule}
}

// Rule returns the rule enforced by the engine
func (e *Engine) Rule() Rule {
	return e.rule
}

// Monitored returns whether the engine inspects the given syscall
func (e *Engine) Monitored(nr uint64) bool {
	return nr&^X32SyscallBit == ConnectNr
}

// Evaluate decides on a syscall-entry. Memory of the traced process is only
// read for monitored syscalls; any decode failure is a Deny.
func (e *Engine) Evaluate(call Call, mem sockaddr.Reader) Decision {
	if call.Compat {
		// socketcall arguments live behind one more pointer, never decoded
		if call.Nr == I386SocketcallNr || call.Nr == I386ConnectNr {
			return Decision{Verdict: Deny, Monitored: true, Err: ErrCompatSyscall}
		}
		return Decision{Verdict: Allow}
	}

	if !e.Monitored(call.Nr) {
		return Decision{Verdict: Allow}
	}

	addr := call.Args[connectAddrArg]
	// socklen_t is 32 bits wide, the kernel ignores the upper half
	addrLen := uint64(uint32(call.Args[connectLenArg]))

	ep, err := sockaddr.Read(mem, addr, addrLen)
	if err != nil {
		return Decision{Verdict: Deny, Monitored: true, Err: err}
	}

	verdict := Deny
	if e.rule.Allows(ep) {
		verdict = Allow
	}
	return Decision{Verdict: verdict, Monitored: true, Endpoint: ep}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

// task is the state kept for one traced thread between two of its stops
type task struct {
	pid int

	// started is false until the initial stop of an auto-attached task
	started bool

	// inSyscall is set between an entry stop and its exit stop
	inSyscall bool
	nr        uint64

	// denied is set when the syscall in flight was neutralized at entry, the
	// failure is written at the matching exit
	denied bool
}

// enter returns true when the previous entry of the task never reached its
// exit. A pending denial is kept in that case.
func (t *task) enter(nr uint64) bool {
	violation := t.inSyscall
	if !violation {
		t.denied = false
	}
	t.inSyscall = true
	t.nr = nr
	return violation
}

// exit returns whether the syscall that just completed was denied
func (t *task) exit() bool {
	denied := t.denied
	t.inSyscall = false
	t.denied = false
	return denied
}

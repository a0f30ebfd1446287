// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

// Package ptracer launches a program under ptrace and enforces an egress
// policy on the connect(2) calls of the program and its descendants
package ptracer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/cihub/seelog"
	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/policy"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/sockaddr"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/telemetry"
	"github.com/DataDog/egress-sandbox/pkg/util/log"
)

const (
	ptraceFlags = 0 |
		unix.PTRACE_O_EXITKILL |
		unix.PTRACE_O_TRACESYSGOOD |
		unix.PTRACE_O_TRACEEXEC

	followForkFlags = 0 |
		unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE

	// reported for syscall stops thanks to PTRACE_O_TRACESYSGOOD
	syscallStopSignal = unix.SIGTRAP | 0x80

	// exit code reported when the program could not be launched
	launchFailureExitCode = 1
)

// Creds defines credentials
type Creds struct {
	UID *uint32
	GID *uint32
}

// Opts defines the tracer options
type Opts struct {
	// Engine decides on syscall entries, loopback only when nil
	Engine *policy.Engine
	// DenyErrno is the failure reported for denied calls, ECONNREFUSED when
	// zero
	DenyErrno unix.Errno
	// FollowForks traces the forks, vforks and clones of the program
	FollowForks bool
	// Seccomp runs the program behind a seccomp filter so that only the
	// monitored syscalls stop
	Seccomp bool
	Stats   *telemetry.Stats
	Creds   Creds
}

// Result is the outcome of a traced program
type Result struct {
	// ExitCode follows the shell convention, 128+signal for a killed program
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// Tracer represents a tracer. All its methods must be called from the
// goroutine that created it.
type Tracer struct {
	// PID represents the PID of the traced program
	PID int

	// internals
	path          string
	opts          Opts
	tasks         map[int]*task
	targetStarted bool
}

func credential(creds Creds) *syscall.Credential {
	if creds.UID == nil && creds.GID == nil {
		return nil
	}

	cred := &syscall.Credential{
		Uid:         uint32(os.Getuid()),
		Gid:         uint32(os.Getgid()),
		NoSetGroups: true,
	}
	if creds.UID != nil {
		cred.Uid = *creds.UID
	}
	if creds.GID != nil {
		cred.Gid = *creds.GID
	}
	return cred
}

func forkExec(argv0 string, argv []string, envs []string, creds Creds) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   envs,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd()},
		Sys: &syscall.SysProcAttr{
			Ptrace:     true,
			Pdeathsig:  syscall.SIGKILL,
			Credential: credential(creds),
		},
	}

	return syscall.ForkExec(argv0, argv, attr)
}

func killAndReap(pid int) {
	_ = unix.Kill(pid, unix.SIGKILL)

	var wstatus unix.WaitStatus
	_, _ = unix.Wait4(pid, &wstatus, unix.WALL, nil)
}

// NewTracer starts path with the argument vector args under tracing. The
// program is stopped on its first instruction when NewTracer returns.
func NewTracer(path string, args []string, envs []string, opts Opts) (*Tracer, error) {
	if !archSupported {
		return nil, &LaunchError{Path: path, Err: ErrUnsupportedArch}
	}

	if opts.Engine == nil {
		opts.Engine = policy.NewEngine(nil)
	}
	if opts.DenyErrno == 0 {
		opts.DenyErrno = unix.ECONNREFUSED
	}
	if opts.Stats == nil {
		opts.Stats = telemetry.NewStats()
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, &LaunchError{Path: path, Err: err}
	}
	if len(args) == 0 {
		args = []string{path}
	}

	argv0, argv := resolved, args
	if opts.Seccomp {
		self, err := os.Executable()
		if err != nil {
			return nil, &LaunchError{Path: path, Err: fmt.Errorf("unable to locate the seccomp shim: %w", err)}
		}
		argv0 = self
		argv = append([]string{self, SeccompExecArg, resolved}, args...)
	}

	// ptrace requests are only accepted from the thread that attached
	runtime.LockOSThread()

	pid, err := forkExec(argv0, argv, envs, opts.Creds)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, &LaunchError{Path: path, Err: err}
	}

	var wstatus unix.WaitStatus
	if _, err = unix.Wait4(pid, &wstatus, unix.WALL, nil); err != nil {
		killAndReap(pid)
		runtime.UnlockOSThread()
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("unable to call wait4: %w", err)}
	}
	if !wstatus.Stopped() || wstatus.StopSignal() != unix.SIGTRAP {
		killAndReap(pid)
		runtime.UnlockOSThread()
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("unexpected initial wait status 0x%x", uint32(wstatus))}
	}

	flags := ptraceFlags
	if opts.FollowForks {
		flags |= followForkFlags
	}
	if opts.Seccomp {
		flags |= unix.PTRACE_O_TRACESECCOMP
	}

	if err = unix.PtraceSetOptions(pid, flags); err != nil {
		killAndReap(pid)
		runtime.UnlockOSThread()
		return nil, &LaunchError{Path: path, Err: fmt.Errorf("unable to ptrace, please verify the capabilities: %w", err)}
	}

	opts.Stats.TaskAttached()
	log.Debugf("tracing `%s` as pid %d (seccomp: %t, follow forks: %t)", resolved, pid, opts.Seccomp, opts.FollowForks)

	return &Tracer{
		PID:  pid,
		path: resolved,
		opts: opts,
		tasks: map[int]*task{
			pid: {pid: pid, started: true},
		},
		// in seccomp mode the program starts at the exec of the shim
		targetStarted: !opts.Seccomp,
	}, nil
}

// Trace runs the program until it exits. Every task still traced is killed
// when an error is returned.
func (t *Tracer) Trace() (*Result, error) {
	defer runtime.UnlockOSThread()

	res, err := t.trace()
	if err != nil {
		t.killAll()
	}
	return res, err
}

func (t *Tracer) trace() (*Result, error) {
	if err := t.resume(t.tasks[t.PID], 0); err != nil {
		return nil, err
	}

	for {
		var wstatus unix.WaitStatus

		pid, err := unix.Wait4(-1, &wstatus, unix.WALL, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("unable to wait for traced tasks: %w", err)
		}

		switch {
		case wstatus.Exited() || wstatus.Signaled():
			delete(t.tasks, pid)
			if pid == t.PID {
				return t.result(wstatus)
			}
		case wstatus.Stopped():
			if err := t.handleStop(pid, wstatus); err != nil {
				return nil, err
			}
		}
	}
}

func (t *Tracer) result(wstatus unix.WaitStatus) (*Result, error) {
	if !t.targetStarted {
		return &Result{ExitCode: launchFailureExitCode}, &LaunchError{
			Path: t.path,
			Err:  fmt.Errorf("seccomp shim exited before executing the program (status 0x%x)", uint32(wstatus)),
		}
	}

	if wstatus.Signaled() {
		return &Result{
			ExitCode: 128 + int(wstatus.Signal()),
			Signaled: true,
			Signal:   wstatus.Signal(),
		}, nil
	}
	return &Result{ExitCode: wstatus.ExitStatus()}, nil
}

func (t *Tracer) killAll() {
	for pid := range t.tasks {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

func (t *Tracer) addTask(pid int) *task {
	if tk, exists := t.tasks[pid]; exists {
		return tk
	}

	tk := &task{pid: pid}
	t.tasks[pid] = tk
	t.opts.Stats.TaskAttached()
	log.Debugf("attached to pid %d", pid)

	return tk
}

func (t *Tracer) handleStop(pid int, wstatus unix.WaitStatus) error {
	// a new task may report before the event of its parent
	tk := t.addTask(pid)

	switch signal := wstatus.StopSignal(); {
	case signal == syscallStopSignal:
		return t.handleSyscallStop(tk)
	case signal == unix.SIGTRAP && wstatus.TrapCause() > 0:
		return t.handleEvent(tk, wstatus.TrapCause())
	case signal == unix.SIGSTOP && !tk.started:
		tk.started = true
		return t.resume(tk, 0)
	default:
		t.opts.Stats.SignalForwarded(unix.SignalName(signal))
		log.Tracef("forwarding %s to pid %d", unix.SignalName(signal), pid)
		return t.resume(tk, signal)
	}
}

func (t *Tracer) handleSyscallStop(tk *task) error {
	ev, err := readSyscallEvent(tk.pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	switch ev.Phase {
	case PhaseEntry:
		return t.onEntry(tk, ev)
	case PhaseExit:
		return t.onExit(tk, ev)
	}
	return t.resume(tk, 0)
}

func (t *Tracer) handleEvent(tk *task, cause int) error {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(tk.pid)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("unable to get the new task of pid %d: %w", tk.pid, err)
		}
		t.addTask(int(msg))
	case unix.PTRACE_EVENT_EXEC:
		// a thread other than the leader took over the thread group id
		if msg, err := unix.PtraceGetEventMsg(tk.pid); err == nil && int(msg) != tk.pid {
			if former, exists := t.tasks[int(msg)]; exists {
				delete(t.tasks, int(msg))
				former.pid = tk.pid
				former.started = true
				t.tasks[tk.pid] = former
				tk = former
			}
		}
		if tk.pid == t.PID && !t.targetStarted {
			t.targetStarted = true
			log.Debugf("seccomp filter installed, program started as pid %d", tk.pid)
		}
	case unix.PTRACE_EVENT_SECCOMP:
		ev, err := readSyscallEvent(tk.pid)
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return err
		}
		if ev.Phase == PhaseEntry {
			return t.onEntry(tk, ev)
		}
	}

	return t.resume(tk, 0)
}

func (t *Tracer) onEntry(tk *task, ev SyscallEvent) error {
	t.opts.Stats.SyscallEntry()
	prevNr := tk.nr
	if tk.enter(ev.Nr) {
		_ = log.Warnf("pid %d entered syscall %d while syscall %d did not exit", tk.pid, ev.Nr, prevNr)
	}
	if log.ShouldLog(seelog.TraceLvl) {
		log.Tracef("pid %d entered syscall %d (arch 0x%x, seccomp: %t)", tk.pid, ev.Nr, ev.Arch, ev.Seccomp)
	}

	call := policy.Call{
		Nr:     ev.Nr,
		Args:   ev.Args,
		Compat: ev.Arch != nativeAuditArch,
	}

	decision := t.opts.Engine.Evaluate(call, NewMemoryReader(tk.pid))
	if decision.Monitored {
		t.record(tk.pid, decision)
	}

	if decision.Verdict == policy.Deny {
		if err := neutralizeSyscall(tk.pid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("unable to deny syscall %d: %w", ev.Nr, err)
		}
		tk.denied = true
	}

	return t.resume(tk, 0)
}

func (t *Tracer) onExit(tk *task, _ SyscallEvent) error {
	if tk.exit() {
		if err := setSyscallReturn(tk.pid, t.opts.DenyErrno); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("unable to report the denial: %w", err)
		}
	}

	return t.resume(tk, 0)
}

func (t *Tracer) record(pid int, decision policy.Decision) {
	t.opts.Stats.Decision(decision.Verdict.String(), sockaddr.FamilyName(decision.Endpoint.Family))

	switch {
	case decision.Err != nil:
		t.opts.Stats.DecodeError()
		_ = log.Warnf("blocked connect from pid %d: %v", pid, decision.Err)
	case decision.Verdict == policy.Deny:
		log.Infof("blocked connect from pid %d to %s", pid, decision.Endpoint)
	default:
		log.Debugf("allowed connect from pid %d to %s", pid, decision.Endpoint)
	}
}

// resume restarts a stopped task. Without seccomp every syscall stops the
// task twice, with seccomp only the exit of a filtered syscall is requested.
func (t *Tracer) resume(tk *task, signal unix.Signal) error {
	var err error
	if t.opts.Seccomp && !tk.inSyscall {
		err = unix.PtraceCont(tk.pid, int(signal))
	} else {
		err = unix.PtraceSyscall(tk.pid, int(signal))
	}

	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("unable to resume pid %d: %w", tk.pid, err)
	}
	return nil
}

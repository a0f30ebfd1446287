// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package ptracer

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go4.org/netipx"
	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/policy"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/telemetry"
)

const (
	helperEnv = "EGRESS_SANDBOX_TEST_HELPER"

	helperConnected = 0
	helperRefused   = 42
	helperFailed    = 43
	helperBadUsage  = 44

	helperReadFile = "read"
)

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == SeccompExecArg {
		if err := ExecSeccompShim(os.Args[2:], os.Environ()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	if target := os.Getenv(helperEnv); target != "" {
		os.Exit(runHelper(target))
	}

	os.Exit(m.Run())
}

// runHelper is the traced program of the tests: it connects to target with
// raw syscalls and reports the outcome through its exit code
func runHelper(target string) int {
	if target == helperReadFile {
		if _, err := os.ReadFile("/proc/self/status"); err != nil {
			return helperFailed
		}
		return helperConnected
	}

	ap, err := netip.ParseAddrPort(target)
	if err != nil {
		return helperBadUsage
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if ap.Addr().Is4() {
		family = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	} else {
		family = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return helperFailed
	}
	defer unix.Close(fd)

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return helperConnected
	case errors.Is(err, unix.ECONNREFUSED):
		return helperRefused
	}
	return helperFailed
}

func listen(t *testing.T, network, address string) netip.AddrPort {
	t.Helper()

	l, err := net.Listen(network, address)
	if err != nil {
		t.Skipf("unable to listen on %s: %v", address, err)
	}
	t.Cleanup(func() { _ = l.Close() })

	return l.Addr().(*net.TCPAddr).AddrPort()
}

func requireTracing(t *testing.T) {
	t.Helper()

	if err := CheckEnvironment(); err != nil {
		t.Skipf("tracing not available: %v", err)
	}
}

func decisions(t *testing.T, stats *telemetry.Stats, verdict string) float64 {
	t.Helper()

	families, err := stats.Registry().Gather()
	require.NoError(t, err)

	var count float64
	for _, family := range families {
		if family.GetName() != "egress_sandbox_connect_decisions_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "verdict" && label.GetValue() == verdict {
					count += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return count
}

// traceHelper runs the test binary as a helper connecting to target
func traceHelper(t *testing.T, target string, opts Opts) (*Result, *telemetry.Stats) {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	stats := telemetry.NewStats()
	opts.Stats = stats

	envs := append(os.Environ(), helperEnv+"="+target)
	return traceProgram(t, self, []string{self}, envs, opts), stats
}

func traceProgram(t *testing.T, path string, args []string, envs []string, opts Opts) *Result {
	t.Helper()

	tracer, err := NewTracer(path, args, envs, opts)
	if errors.Is(err, unix.EPERM) {
		t.Skipf("ptrace not permitted: %v", err)
	}
	require.NoError(t, err)

	res, err := tracer.Trace()
	var launchErr *LaunchError
	if opts.Seccomp && errors.As(err, &launchErr) {
		t.Skipf("seccomp filter not permitted: %v", err)
	}
	require.NoError(t, err)

	return res
}

func forEachMode(t *testing.T, fnc func(t *testing.T, opts Opts)) {
	requireTracing(t)

	for _, mode := range []struct {
		name    string
		seccomp bool
	}{
		{"ptrace", false},
		{"seccomp", true},
	} {
		t.Run(mode.name, func(t *testing.T) {
			fnc(t, Opts{Seccomp: mode.seccomp, FollowForks: true})
		})
	}
}

func TestAllowLoopbackV4(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		addr := listen(t, "tcp4", "127.0.0.1:0")

		res, stats := traceHelper(t, addr.String(), opts)

		assert.Equal(t, helperConnected, res.ExitCode)
		assert.Equal(t, 1.0, decisions(t, stats, "allow"))
		assert.Zero(t, decisions(t, stats, "deny"))
	})
}

func TestAllowLoopbackV6(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		addr := listen(t, "tcp6", "[::1]:0")

		res, stats := traceHelper(t, addr.String(), opts)

		assert.Equal(t, helperConnected, res.ExitCode)
		assert.Equal(t, 1.0, decisions(t, stats, "allow"))
	})
}

func TestDenyExternal(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		res, stats := traceHelper(t, "93.184.216.34:443", opts)

		assert.Equal(t, helperRefused, res.ExitCode)
		assert.Equal(t, 1.0, decisions(t, stats, "deny"))
		assert.Zero(t, decisions(t, stats, "allow"))
	})
}

func TestDenyExternalV6(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		// skips hosts without IPv6
		listen(t, "tcp6", "[::1]:0")

		res, _ := traceHelper(t, "[2606:2800:220:1:248:1893:25c8:1946]:443", opts)

		assert.Equal(t, helperRefused, res.ExitCode)
	})
}

func TestDenyErrno(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		opts.DenyErrno = unix.EACCES

		res, _ := traceHelper(t, "93.184.216.34:443", opts)

		assert.Equal(t, helperFailed, res.ExitCode)
	})
}

func TestAllowListExcludingLoopback(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		addr := listen(t, "tcp4", "127.0.0.1:0")

		var b netipx.IPSetBuilder
		b.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
		set, err := b.IPSet()
		require.NoError(t, err)
		opts.Engine = policy.NewEngine(policy.NewAllowList(set, false))

		res, stats := traceHelper(t, addr.String(), opts)

		assert.Equal(t, helperRefused, res.ExitCode)
		assert.Equal(t, 1.0, decisions(t, stats, "deny"))
	})
}

func TestNoConnect(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		res, stats := traceHelper(t, helperReadFile, opts)

		assert.Equal(t, helperConnected, res.ExitCode)
		assert.Zero(t, decisions(t, stats, "allow"))
		assert.Zero(t, decisions(t, stats, "deny"))
	})
}

func TestExitStatus(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		res := traceProgram(t, "/bin/sh", []string{"sh", "-c", "exit 7"}, os.Environ(), opts)

		assert.Equal(t, 7, res.ExitCode)
		assert.False(t, res.Signaled)
	})
}

func TestKilledBySignal(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		res := traceProgram(t, "/bin/sh", []string{"sh", "-c", "kill -9 $$"}, os.Environ(), opts)

		assert.True(t, res.Signaled)
		assert.Equal(t, unix.SIGKILL, res.Signal)
		assert.Equal(t, 137, res.ExitCode)
	})
}

func TestFollowForks(t *testing.T) {
	forEachMode(t, func(t *testing.T, opts Opts) {
		self, err := os.Executable()
		require.NoError(t, err)

		envs := append(os.Environ(), helperEnv+"=93.184.216.34:443")
		// the helper runs as a child of the shell, its status is the shell one
		res := traceProgram(t, "/bin/sh", []string{"sh", "-c", `"$0"; exit $?`, self}, envs, opts)

		assert.Equal(t, helperRefused, res.ExitCode)
	})
}

func TestLaunchError(t *testing.T) {
	_, err := NewTracer("/nonexistent/program", []string{"program"}, nil, Opts{})

	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "/nonexistent/program", launchErr.Path)
}

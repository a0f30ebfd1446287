// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
	sysctl "github.com/lorenzosaino/go-sysctl"
	"golang.org/x/sys/unix"

	"github.com/DataDog/egress-sandbox/pkg/util/log"
)

const ptraceScopeSysctl = "kernel.yama.ptrace_scope"

var (
	// PTRACE_GET_SYSCALL_INFO
	minKernelVersion = version.Must(version.NewVersion("5.3"))

	kernelReleaseRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?`)

	// ErrPtraceDisabled is returned when Yama forbids any use of ptrace
	ErrPtraceDisabled = errors.New("ptrace is disabled on this host (" + ptraceScopeSysctl + "=3)")
)

// CheckEnvironment verifies that the host lets this process trace a child
func CheckEnvironment() error {
	if scope, err := sysctl.Get(ptraceScopeSysctl); err == nil {
		if err := checkPtraceScope(scope); err != nil {
			return err
		}
	} else {
		log.Debugf("unable to read %s: %v", ptraceScopeSysctl, err)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("unable to get kernel release: %w", err)
	}
	return checkKernelRelease(unix.ByteSliceToString(uts.Release[:]))
}

func checkPtraceScope(scope string) error {
	if strings.TrimSpace(scope) == "3" {
		return ErrPtraceDisabled
	}
	return nil
}

func checkKernelRelease(release string) error {
	match := kernelReleaseRe.FindString(release)
	if match == "" {
		_ = log.Warnf("unable to parse kernel release `%s`, assuming it is recent enough", release)
		return nil
	}

	v, err := version.NewVersion(match)
	if err != nil {
		_ = log.Warnf("unable to parse kernel release `%s`: %v", release, err)
		return nil
	}

	if v.LessThan(minKernelVersion) {
		return fmt.Errorf("kernel %s is too old, %s or later is required", release, minKernelVersion)
	}
	return nil
}

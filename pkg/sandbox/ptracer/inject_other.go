// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && !amd64

package ptracer

import (
	"golang.org/x/sys/unix"
)

const (
	archSupported   = false
	nativeAuditArch = 0
)

func neutralizeSyscall(_ int) error {
	return ErrUnsupportedArch
}

func setSyscallReturn(_ int, _ unix.Errno) error {
	return ErrUnsupportedArch
}

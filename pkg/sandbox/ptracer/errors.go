// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package ptracer

import (
	"errors"
	"fmt"
)

// ErrUnsupportedArch is returned on architectures the injector does not know
var ErrUnsupportedArch = errors.New("architecture not supported")

// LaunchError is returned when the traced program could not be started. No
// tracing call was issued on the program when this error is returned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("unable to launch `%s`: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

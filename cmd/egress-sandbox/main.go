// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/DataDog/egress-sandbox/cmd/egress-sandbox/command"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/ptracer"
)

func main() {
	// re-executed by the tracer in seccomp mode
	if len(os.Args) > 1 && os.Args[1] == ptracer.SeccompExecArg {
		if err := ptracer.ExecSeccompShim(os.Args[2:], os.Environ()); err != nil {
			fmt.Fprintf(os.Stderr, "egress-sandbox: %v\n", err)
		}
		os.Exit(command.FailureExitCode)
	}

	os.Exit(command.Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

// Package command holds the root command of the egress sandbox
package command

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DataDog/egress-sandbox/pkg/sandbox/policy"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/profile"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/ptracer"
	"github.com/DataDog/egress-sandbox/pkg/sandbox/telemetry"
	"github.com/DataDog/egress-sandbox/pkg/util/log"
)

const (
	// envPrefix prefixes the environment variables overriding the flags
	envPrefix = "EGRESS_SANDBOX"

	// FailureExitCode is returned when no program was given or it could not
	// be launched
	FailureExitCode = 1
)

const (
	// profileOpt defines the allow-list profile path
	profileOpt = "profile"
	// logLevelOpt defines the log level
	logLevelOpt = "log-level"
	// verboseOpt is a shorthand for the debug log level
	verboseOpt = "verbose"
	// seccompOpt filters the traced syscalls with seccomp
	seccompOpt = "seccomp"
	// followForksOpt traces the descendants of the program
	followForksOpt = "follow-forks"
	// statsOpt prints the decision table on exit
	statsOpt = "stats"
	// uidOpt used to start the tracee
	uidOpt = "uid"
	// gidOpt used to start the tracee
	gidOpt = "gid"
)

var errNoProgram = errors.New("no program given")

type runParams struct {
	exitCode int
	stderr   io.Writer
}

func newConfig(cmd *cobra.Command) (*viper.Viper, error) {
	config := viper.New()
	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	config.AutomaticEnv()

	if err := config.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("unable to bind flags: %w", err)
	}
	return config, nil
}

// MakeRootCommand returns the root command. The status the supervisor has to
// exit with is stored in exitCode once the command ran.
func MakeRootCommand(exitCode *int, stdout, stderr io.Writer) *cobra.Command {
	params := &runParams{
		exitCode: FailureExitCode,
		stderr:   stderr,
	}

	cmd := &cobra.Command{
		Use:   "egress-sandbox [flags] program [args...]",
		Short: "run a program with its network egress restricted to loopback",
		Long: `egress-sandbox runs a program under ptrace and refuses every connect(2)
of the program and its descendants to a destination outside the loopback
interface, or outside the allow-list of the given profile.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errNoProgram
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args, params)
			*exitCode = params.exitCode
			return err
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.CompletionOptions.DisableDefaultCmd = true
	// the flags of the program are its own
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().String(profileOpt, "", "YAML profile listing the allowed destinations")
	cmd.Flags().String(logLevelOpt, "warn", "log level (trace, debug, info, warn, error, critical, off)")
	cmd.Flags().BoolP(verboseOpt, "v", false, "enable verbose output")
	cmd.Flags().Bool(seccompOpt, false, "stop the program on connect(2) only, using a seccomp filter")
	cmd.Flags().Bool(followForksOpt, true, "trace the processes and threads created by the program")
	cmd.Flags().Bool(statsOpt, false, "print the decision statistics on exit")
	cmd.Flags().Int32(uidOpt, -1, "uid used to start the tracee")
	cmd.Flags().Int32(gidOpt, -1, "gid used to start the tracee")

	return cmd
}

func credsFrom(config *viper.Viper) ptracer.Creds {
	creds := ptracer.Creds{}
	if v := config.GetInt32(uidOpt); v != -1 {
		uid := uint32(v)
		creds.UID = &uid
	}
	if v := config.GetInt32(gidOpt); v != -1 {
		gid := uint32(v)
		creds.GID = &gid
	}
	return creds
}

func run(cmd *cobra.Command, args []string, params *runParams) error {
	config, err := newConfig(cmd)
	if err != nil {
		return err
	}

	logLevel := config.GetString(logLevelOpt)
	if config.GetBool(verboseOpt) {
		logLevel = "debug"
	}
	if err := log.SetupLogger(logLevel, params.stderr); err != nil {
		return err
	}
	defer log.Flush()

	if err := ptracer.CheckEnvironment(); err != nil {
		return err
	}

	prof, err := profile.LoadFromPath(config.GetString(profileOpt))
	if err != nil {
		return err
	}
	rule, err := prof.Rule()
	if err != nil {
		return err
	}
	errno, err := prof.Errno()
	if err != nil {
		return err
	}

	stats := telemetry.NewStats()
	opts := ptracer.Opts{
		Engine:      policy.NewEngine(rule),
		DenyErrno:   errno,
		FollowForks: config.GetBool(followForksOpt),
		Seccomp:     config.GetBool(seccompOpt),
		Stats:       stats,
		Creds:       credsFrom(config),
	}

	log.Infof("enforcing %s on `%s`", rule, strings.Join(args, " "))

	tracer, err := ptracer.NewTracer(args[0], args, os.Environ(), opts)
	if err != nil {
		return err
	}

	res, err := tracer.Trace()
	if config.GetBool(statsOpt) {
		if err := stats.Report(params.stderr); err != nil {
			_ = log.Warnf("unable to print statistics: %v", err)
		}
	}
	if err != nil {
		return err
	}

	if res.Signaled {
		log.Infof("`%s` killed by %s", args[0], res.Signal)
	}
	params.exitCode = res.ExitCode

	return nil
}

// Run executes the root command with args and returns the exit code of the
// supervisor
func Run(args []string, stdout, stderr io.Writer) int {
	// --help never reaches the run function
	exitCode := 0

	cmd := MakeRootCommand(&exitCode, stdout, stderr)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "egress-sandbox: %v\n", err)
		if errors.Is(err, errNoProgram) {
			fmt.Fprintln(stderr, cmd.UseLine())
		}
		return FailureExitCode
	}
	return exitCode
}

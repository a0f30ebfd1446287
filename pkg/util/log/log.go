// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the process-wide logger
package log

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

const logFormat = "%Date(2006-01-02 15:04:05 MST) | EGRESS | %LEVEL | (%File:%Line in %FuncShort) | %Msg%n"

var (
	mu     sync.RWMutex
	logger seelog.LoggerInterface = seelog.Disabled
	level  seelog.LogLevel        = seelog.Off
)

// SetupLogger replaces the process logger with one writing to w at the given
// level ("trace", "debug", "info", "warn", "error", "critical" or "off").
func SetupLogger(lvl string, w io.Writer) error {
	seelogLevel, ok := seelog.LogLevelFromString(strings.ToLower(strings.TrimSpace(lvl)))
	if !ok {
		return fmt.Errorf("unknown log level `%s`", lvl)
	}

	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(w, seelogLevel, logFormat)
	if err != nil {
		return fmt.Errorf("unable to create logger: %w", err)
	}
	// account for the wrappers of this package
	if err := l.SetAdditionalStackDepth(1); err != nil {
		return err
	}

	mu.Lock()
	old := logger
	logger, level = l, seelogLevel
	mu.Unlock()

	old.Flush()
	return nil
}

// ShouldLog returns whether a message at the given level would be written
func ShouldLog(lvl seelog.LogLevel) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level != seelog.Off && lvl >= level
}

// Tracef logs at the trace level
func Tracef(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Tracef(format, params...)
}

// Debugf logs at the debug level
func Debugf(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Debugf(format, params...)
}

// Infof logs at the info level
func Infof(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Infof(format, params...)
}

// Warnf logs at the warn level and returns the message as an error
func Warnf(format string, params ...interface{}) error {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Warnf(format, params...)
}

// Errorf logs at the error level and returns the message as an error
func Errorf(format string, params ...interface{}) error {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Errorf(format, params...)
}

// Flush flushes the underlying logger
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	logger.Flush()
}

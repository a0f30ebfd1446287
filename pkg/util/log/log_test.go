// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"bytes"
	"io"
	"testing"

	"github.com/cihub/seelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerLevel(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, SetupLogger("info", &b))
	t.Cleanup(func() { _ = SetupLogger("off", io.Discard) })

	Debugf("hidden %d", 1)
	Infof("blocked connect to %s", "93.184.216.34:443")
	Flush()

	out := b.String()
	assert.Contains(t, out, "blocked connect to 93.184.216.34:443")
	assert.Contains(t, out, "| INFO |")
	assert.Contains(t, out, "log_test.go")
	assert.NotContains(t, out, "hidden 1")

	assert.True(t, ShouldLog(seelog.WarnLvl))
	assert.False(t, ShouldLog(seelog.DebugLvl))
}

func TestSetupLoggerUnknownLevel(t *testing.T) {
	err := SetupLogger("chatty", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestErrorfReturnsMessage(t *testing.T) {
	require.NoError(t, SetupLogger("error", io.Discard))
	t.Cleanup(func() { _ = SetupLogger("off", io.Discard) })

	err := Errorf("unable to trace pid %d", 42)
	require.Error(t, err)
	assert.Equal(t, "unable to trace pid 42", err.Error())
}

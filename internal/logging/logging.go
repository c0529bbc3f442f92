// Copyright (c) Constellaxion Authors
// SPDX-License-Identifier: MPL-2.0

// Package logging configures the process-wide structured logger that gets
// handed to the AWS SDK and used by the state-store components.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// envLog is the environment variable that controls the log level for this
// subsystem. Unset or unrecognized values disable logging entirely.
const envLog = "CONSTELLAXION_LOG"

var (
	logger     hclog.Logger
	loggerOnce sync.Once
)

// HCLogger returns the shared root logger. The first call initializes it from
// the environment; subsequent calls return the same instance.
func HCLogger() hclog.Logger {
	loggerOnce.Do(func() {
		logger = newHCLogger("statestore")
	})
	return logger
}

func newHCLogger(name string) hclog.Logger {
	logOutput := io.Writer(os.Stderr)

	return hclog.New(&hclog.LoggerOptions{
		Name:              name,
		Level:             globalLogLevel(),
		Output:            logOutput,
		IndependentLevels: true,
	})
}

func globalLogLevel() hclog.Level {
	envLevel := strings.ToUpper(os.Getenv(envLog))
	if envLevel == "" {
		return hclog.Off
	}

	switch envLevel {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
		return hclog.LevelFromString(envLevel)
	default:
		// An unrecognized level degrades to TRACE rather than silence, so a
		// typo in the env var still produces output to debug with.
		return hclog.Trace
	}
}

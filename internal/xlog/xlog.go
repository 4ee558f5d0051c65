// Package xlog is the shared zerolog setup for cmd/binpress. It is
// deliberately not imported by cmd/smolstub: the stub's own startup-latency
// budget has no room for a logging dependency, and its progress is not
// interesting to anyone but the process that launched it.
package xlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the root logger, writing human-readable output to stderr when
// it's a terminal and compact JSON otherwise (piped into a log aggregator).
func New(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	var out io.Writer = os.Stderr
	if isTerminal(os.Stderr) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

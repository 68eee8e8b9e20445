// Package log holds the process-wide logger. Components name sub-loggers
// off L; nothing else in the kernel is process-wide.
package log

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name:   "wasem",
		Output: os.Stderr,
	})
	L.SetLevel(hclog.Info)

	EnableDebug()
}

// EnableDebug switches L to trace output when TRACE is set.
func EnableDebug() {
	if str := os.Getenv("TRACE"); str != "" {
		L.SetLevel(hclog.Trace)
	}
}

// Discard returns a logger that drops everything, for tests and
// embedders that bring their own logging.
func Discard() hclog.Logger {
	return hclog.NewNullLogger()
}

// To returns a logger writing to w at the given level.
func To(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "wasem",
		Output: w,
		Level:  level,
	})
}

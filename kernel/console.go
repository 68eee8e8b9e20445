package kernel

import (
	"bytes"
	"io"
	"sync"
)

// ConsoleWriter is the sink behind stdout and stderr. Every write is
// emitted as one line and a write of a lone newline is dropped, the way
// a line-oriented host console shows guest output. Raw mode passes
// bytes through untouched.
type ConsoleWriter struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

func NewConsoleWriter(w io.Writer, raw bool) *ConsoleWriter {
	return &ConsoleWriter{w: w, raw: raw}
}

func (c *ConsoleWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.raw {
		return c.w.Write(p)
	}

	if len(p) == 1 && p[0] == '\n' {
		return len(p), nil
	}

	line := make([]byte, 0, len(p)+1)
	line = append(line, bytes.TrimSuffix(p, []byte{'\n'})...)
	line = append(line, '\n')

	if _, err := c.w.Write(line); err != nil {
		return 0, err
	}

	return len(p), nil
}

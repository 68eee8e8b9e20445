// Package kernel holds the state one guest instance sees beneath it:
// linear memory, descriptors, the program break, the clock and the exit
// status. Every loaded module gets its own Kernel.
package kernel

import (
	"io"
	"os"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/memory"
	"github.com/sbsoftware/wasem/vfs"
)

// ClockUnit selects what clock_gettime stores in its second word.
type ClockUnit int

const (
	// Milliseconds stores the millisecond remainder of the current second.
	Milliseconds ClockUnit = iota

	// Nanoseconds stores tv_nsec as POSIX defines it.
	Nanoseconds
)

func (u ClockUnit) String() string {
	if u == Nanoseconds {
		return "nanoseconds"
	}
	return "milliseconds"
}

// Config configures a Kernel.
type Config struct {
	// Namespace resolves paths passed to open. Nil means every open
	// fails with ENOENT.
	Namespace *vfs.Namespace

	// Stdin defaults to an empty reader; Stdout and Stderr default to
	// the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// RawStdio disables the line-oriented console behavior on stdout
	// and stderr.
	RawStdio bool

	Now       func() time.Time
	ClockUnit ClockUnit

	Logger hclog.Logger
}

// Kernel holds the process state one guest's syscalls act on.
type Kernel struct {
	L     hclog.Logger
	Mem   *memory.Memory
	Files *FileTable

	now  func() time.Time
	unit ClockUnit

	brk    uint32
	brkSet bool

	exited bool
	status int32
}

// New creates a Kernel with a detached memory and the standard
// descriptors open.
func New(cfg Config) *Kernel {
	l := cfg.Logger
	if l == nil {
		l = log.L.Named("kernel")
	}

	stdin := cfg.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Kernel{
		L:   l,
		Mem: memory.New(),
		Files: NewFileTable(cfg.Namespace, stdin,
			NewConsoleWriter(stdout, cfg.RawStdio),
			NewConsoleWriter(stderr, cfg.RawStdio)),
		now:  now,
		unit: cfg.ClockUnit,
	}
}

func (k *Kernel) Now() time.Time {
	return k.now()
}

func (k *Kernel) ClockUnit() ClockUnit {
	return k.unit
}

// Break is the current program break. Before the first brk it is the
// heap base.
func (k *Kernel) Break() uint32 {
	if k.brkSet {
		return k.brk
	}

	base, _ := k.Mem.HeapBase()
	return base
}

// Brk moves the program break. Addresses at or below the heap base clamp
// to the base. Higher addresses become the break, growing the heap end
// (and the buffer) when they pass it; the heap end itself never moves
// back. If memory cannot grow the break is left alone and returned, as
// Linux does.
func (k *Kernel) Brk(addr uint32) uint32 {
	base, _ := k.Mem.HeapBase()

	if addr <= base {
		k.brk, k.brkSet = base, true
		return base
	}

	if addr > k.Mem.HeapEnd() {
		if err := k.Mem.SetHeapEnd(addr); err != nil {
			k.L.Warn("brk cannot grow heap", "addr", addr, "error", err)
			return k.Break()
		}
	}

	k.brk, k.brkSet = addr, true
	return addr
}

// Exit records the guest's exit status. The first status wins.
func (k *Kernel) Exit(code int32) {
	if k.exited {
		return
	}

	k.exited = true
	k.status = code
}

// ExitStatus returns the recorded status and whether the guest exited.
func (k *Kernel) ExitStatus() (int32, bool) {
	return k.status, k.exited
}

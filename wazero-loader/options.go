package loader

import (
	"io"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero/api"

	"github.com/sbsoftware/wasem"
	"github.com/sbsoftware/wasem/kernel"
	"github.com/sbsoftware/wasem/vfs"
)

// Option defaults.
const (
	DefaultMemoryPages = 128
	DefaultTableSize   = 1
)

// DefaultEntry lists the entry points tried when Options.Entry is empty.
var DefaultEntry = []string{wasem.ExportMain, wasem.ExportStart}

// HostFunc is an import implemented by the host. Fn receives the
// arguments on the stack and leaves its results there.
type HostFunc struct {
	Fn      api.GoModuleFunc
	Params  []api.ValueType
	Results []api.ValueType
}

// Options configure one Load.
type Options struct {
	// CustomImports are merged over the default env imports by name and
	// win on conflict.
	CustomImports map[string]HostFunc

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// RawStdio forwards stdout and stderr writes unchanged instead of
	// line by line.
	RawStdio bool

	// Namespace resolves paths for open. Nil mounts Document at
	// vfs.DocumentPath.
	Namespace *vfs.Namespace
	Document  func() (string, error)

	// InitialMemoryPages is the initial size of the env memory. The
	// guest's declared minimum wins when larger.
	InitialMemoryPages uint32

	// MinTableSize sizes the provisional table when the guest's table
	// import could not be inspected.
	MinTableSize uint32

	// Entry lists the exports tried as entry point, first match wins.
	Entry []string

	ClockUnit kernel.ClockUnit
	Now       func() time.Time

	// Globals gives values to globals the guest imports from env.
	// Missing ones are zero.
	Globals map[string]int64

	// StubMissingImports satisfies unknown function imports with stubs
	// that trap when called.
	StubMissingImports bool

	// EnableWASI also provides wasi_snapshot_preview1.
	EnableWASI bool

	// DisableInspection skips decoding the import section, leaving the
	// table size to negotiation.
	DisableInspection bool

	Logger hclog.Logger
}

func (o Options) withDefaults() Options {
	if o.InitialMemoryPages == 0 {
		o.InitialMemoryPages = DefaultMemoryPages
	}

	if o.MinTableSize == 0 {
		o.MinTableSize = DefaultTableSize
	}

	if len(o.Entry) == 0 {
		o.Entry = DefaultEntry
	}

	if o.Namespace == nil {
		doc := o.Document
		if doc == nil {
			doc = func() (string, error) { return "", nil }
		}
		o.Namespace = vfs.DefaultNamespace(doc)
	}

	return o
}

func (o Options) kernelConfig(l hclog.Logger) kernel.Config {
	return kernel.Config{
		Namespace: o.Namespace,
		Stdin:     o.Stdin,
		Stdout:    o.Stdout,
		Stderr:    o.Stderr,
		RawStdio:  o.RawStdio,
		Now:       o.Now,
		ClockUnit: o.ClockUnit,
		Logger:    l,
	}
}

// Command wasem runs a guest compiled against the direct-syscall ABI.
//
// Usage:
//
//	wasem guest.wasm                        # run main or _start
//	wasem --document page.html guest.wasm   # serve page.html at /dev/document/html
//	wasem --mount /data=./testdata guest.wasm
//	wasem https://example.com/guest.wasm.gz
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"github.com/sbsoftware/wasem"
	"github.com/sbsoftware/wasem/kernel"
	clog "github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/vfs"
	loader "github.com/sbsoftware/wasem/wazero-loader"
)

var (
	fDocument     = pflag.StringP("document", "d", "", "file served at "+vfs.DocumentPath)
	fMounts       = pflag.StringArrayP("mount", "m", nil, "mount a directory read-only, as prefix=dir (repeatable)")
	fEntry        = pflag.StringSliceP("entry", "e", nil, "entry points to try, in order")
	fPages        = pflag.Uint32("pages", loader.DefaultMemoryPages, "initial memory pages")
	fMaxPages     = pflag.Uint32("max-pages", 0, "memory limit in pages, 0 for no limit")
	fRaw          = pflag.Bool("raw", false, "write stdout and stderr unchanged instead of line by line")
	fPosixClock   = pflag.Bool("posix-clock", false, "clock_gettime stores nanoseconds instead of milliseconds")
	fStubMissing  = pflag.Bool("stub-missing", false, "satisfy unknown imports with trapping stubs")
	fWASI         = pflag.Bool("wasi", false, "also provide wasi_snapshot_preview1")
	fNoInspect    = pflag.Bool("no-inspect", false, "size the table by trial instantiation")
	fDumpManifest = pflag.Bool("dump-manifest", false, "print the guest's imports to stderr")
	fVersion      = pflag.BoolP("version", "v", false, "print the version and exit")
)

func namespace() (*vfs.Namespace, error) {
	ns := vfs.NewNamespace()

	doc := func() (string, error) { return "", nil }
	if *fDocument != "" {
		path := *fDocument
		doc = func() (string, error) {
			b, err := os.ReadFile(path)
			return string(b), err
		}
	}
	ns.Mount(vfs.DocumentPath, vfs.Document(doc))

	for _, m := range *fMounts {
		prefix, dir, ok := strings.Cut(m, "=")
		if !ok || prefix == "" || dir == "" {
			return nil, fmt.Errorf("bad mount %q, want prefix=dir", m)
		}

		if fi, err := os.Stat(dir); err != nil {
			return nil, err
		} else if !fi.IsDir() {
			return nil, fmt.Errorf("mount %s: %s is not a directory", prefix, dir)
		}

		ns.Mount(prefix, vfs.FS(os.DirFS(dir)))
	}

	return ns, nil
}

func main() {
	pflag.Parse()

	if *fVersion {
		fmt.Printf("wasem %s (%s)\n", wasem.KernelVersion, wasem.SourceURL)
		return
	}

	args := pflag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: wasem [flags] <module>")
		pflag.PrintDefaults()
		os.Exit(2)
	}

	ns, err := namespace()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	ld, err := loader.NewLoader(loader.Config{
		MemoryLimitPages: *fMaxPages,
		Logger:           clog.L.Named("loader"),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer ld.Close(ctx)

	unit := kernel.Milliseconds
	if *fPosixClock {
		unit = kernel.Nanoseconds
	}

	inst, err := ld.Load(ctx, args[0], loader.Options{
		Stdin:              os.Stdin,
		Stdout:             os.Stdout,
		Stderr:             os.Stderr,
		RawStdio:           *fRaw,
		Namespace:          ns,
		InitialMemoryPages: *fPages,
		Entry:              *fEntry,
		ClockUnit:          unit,
		StubMissingImports: *fStubMissing,
		EnableWASI:         *fWASI,
		DisableInspection:  *fNoInspect,
	})
	if err != nil {
		log.Fatalf("failed to load %s: %v", args[0], err)
	}

	if *fDumpManifest {
		spew.Fdump(os.Stderr, inst.Manifest)
	}

	code, exited := inst.ExitCode()
	_ = inst.Close(ctx)

	if exited {
		_ = ld.Close(ctx)
		os.Exit(int(code))
	}
}

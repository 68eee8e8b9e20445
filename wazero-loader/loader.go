// Package loader runs guests compiled against the direct-syscall ABI on
// wazero.
//
// Each Load gets its own wazero runtime and kernel. The host functions
// live in a host module; a small env module is synthesized per guest to
// re-export them next to the linear memory, the indirect function table,
// the env globals and the helpers behind the invoke_* trampolines. The
// table is sized from the guest's import section; when that cannot be
// read, instantiation is retried with the size wazero reports.
package loader

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/sbsoftware/wasem"
	"github.com/sbsoftware/wasem/jump"
	"github.com/sbsoftware/wasem/kernel"
	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/source"
	"github.com/sbsoftware/wasem/syscalls"
	"github.com/sbsoftware/wasem/wasmbin"
)

// DefaultCacheSize is the number of guest manifests a Loader keeps.
const DefaultCacheSize = 64

type Config struct {
	// MemoryLimitPages caps every guest memory. Zero keeps wazero's
	// limit.
	MemoryLimitPages uint32

	// CacheSize is the number of manifests kept, keyed by module hash.
	CacheSize int

	// CompilationCache is shared by all instances. Nil gets an
	// in-memory cache owned by the Loader.
	CompilationCache wazero.CompilationCache

	// Fetcher resolves locators; nil means source.Default.
	Fetcher source.Fetcher

	Logger hclog.Logger
}

// Loader loads guests. It is safe for concurrent use; the instances it
// returns are not.
type Loader struct {
	L   hclog.Logger
	cfg Config

	cache    wazero.CompilationCache
	ownCache bool

	manifests *lru.ARCCache
	fetcher   source.Fetcher
}

func NewLoader(cfg Config) (*Loader, error) {
	l := cfg.Logger
	if l == nil {
		l = log.L.Named("loader")
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}

	manifests, err := lru.NewARC(size)
	if err != nil {
		return nil, errors.Wrap(err, "manifest cache")
	}

	ld := &Loader{
		L:         l,
		cfg:       cfg,
		cache:     cfg.CompilationCache,
		manifests: manifests,
		fetcher:   cfg.Fetcher,
	}

	if ld.cache == nil {
		ld.cache = wazero.NewCompilationCache()
		ld.ownCache = true
	}

	if ld.fetcher == nil {
		ld.fetcher = &source.Default{}
	}

	return ld, nil
}

// Load fetches the guest at locator and runs it.
func (ld *Loader) Load(ctx context.Context, locator string, opts Options) (*Instance, error) {
	raw, err := source.Load(ctx, ld.fetcher, locator)
	if err != nil {
		return nil, err
	}

	return ld.LoadBytes(ctx, source.Name(locator), raw, opts)
}

// LoadBytes instantiates raw, sets its heap base and calls its entry
// point. The instance is returned once the entry point returns or the
// guest exits; any other failure closes it.
func (ld *Loader) LoadBytes(ctx context.Context, name string, raw []byte, opts Options) (*Instance, error) {
	raw, err := source.Decompress(raw)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	name = guestName(name)

	l := opts.Logger
	if l == nil {
		l = ld.L.Named(name)
	}

	rc := wazero.NewRuntimeConfig().WithCompilationCache(ld.cache)
	if ld.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(ld.cfg.MemoryLimitPages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	inst, err := ld.run(ctx, r, name, raw, opts, l)
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	return inst, nil
}

func (ld *Loader) run(ctx context.Context, r wazero.Runtime, name string, raw []byte, opts Options, l hclog.Logger) (*Instance, error) {
	compiled, err := r.CompileModule(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(err, "compile")
	}

	k := kernel.New(opts.kernelConfig(l.Named("kernel")))

	inst := &Instance{
		L:         l,
		Name:      name,
		Kernel:    k,
		Syscalls:  syscalls.NewDispatcher(k, l.Named("syscall")),
		Jumps:     jump.New(k.Mem, l.Named("jump")),
		Snapshots: jump.NewSnapshots(k.Mem, l.Named("setjmp")),
		Manifest:  ld.manifest(compiled, raw, opts.DisableInspection),
		runtime:   r,
	}
	inst.Jumps.Guest = inst

	if opts.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			return nil, errors.Wrap(err, "instantiate wasi")
		}
	}

	inst.funcs = inst.hostFuncs(opts)
	inst.funcNames = sortedNames(inst.funcs)
	inst.memLimits, inst.memNames = inst.memoryLimits(opts.InitialMemoryPages, ld.cfg.MemoryLimitPages)
	inst.globals = inst.envGlobals(opts.Globals)

	host := r.NewHostModuleBuilder(hostModule)
	for _, fname := range inst.funcNames {
		f := inst.funcs[fname]
		host.NewFunctionBuilder().
			WithGoModuleFunction(f.Fn, f.Params, f.Results).
			WithName(fname).
			Export(fname)
	}
	if _, err := host.Instantiate(ctx); err != nil {
		return nil, errors.Wrap(err, "instantiate host module")
	}

	if err := inst.stubForeign(ctx, opts); err != nil {
		return nil, err
	}

	cfg := moduleConfig(name, opts)

	plan, attempts, err := negotiate(l, inst.plan(opts.MinTableSize), inst.isTable, func(p tablePlan) error {
		return inst.link(ctx, compiled, cfg, p)
	})
	inst.attempts, inst.tableSize = attempts, plan.min
	if err != nil {
		return nil, err
	}

	l.Debug("instantiated", "attempts", attempts, "table", plan.min, "memory", k.Mem.Size())

	if err := inst.setHeapBase(); err != nil {
		return nil, err
	}

	if err := inst.start(ctx, opts.Entry); err != nil {
		return nil, err
	}

	return inst, nil
}

// manifest inspects compiled, reusing the result for identical bytes.
func (ld *Loader) manifest(compiled wazero.CompiledModule, raw []byte, disable bool) *wasmbin.Manifest {
	if disable {
		return wasmbin.InspectCompiled(compiled, raw)
	}

	key := wasmbin.Hash(raw)
	if v, ok := ld.manifests.Get(key); ok {
		return v.(*wasmbin.Manifest)
	}

	m := wasmbin.Inspect(compiled, raw)
	if m.DecodeErr != nil {
		ld.L.Debug("import section not decodable, table size will be negotiated", "error", m.DecodeErr)
	}

	ld.manifests.Add(key, m)
	return m
}

// Close releases the compilation cache if the Loader created it.
// Instances must be closed separately.
func (ld *Loader) Close(ctx context.Context) error {
	ld.manifests.Purge()

	if ld.ownCache {
		return ld.cache.Close(ctx)
	}

	return nil
}

func moduleConfig(name string, opts Options) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()

	if !opts.EnableWASI {
		return cfg
	}

	cfg = cfg.WithArgs(name).WithSysWalltime().WithSysNanotime()
	if opts.Stdin != nil {
		cfg = cfg.WithStdin(opts.Stdin)
	}
	if opts.Stdout != nil {
		cfg = cfg.WithStdout(opts.Stdout)
	}
	if opts.Stderr != nil {
		cfg = cfg.WithStderr(opts.Stderr)
	}

	return cfg
}

// guestName keeps the guest clear of the module names the host uses.
func guestName(name string) string {
	switch name {
	case "", wasem.ModuleEnv, hostModule, wasi_snapshot_preview1.ModuleName:
		return "guest"
	}
	return name
}

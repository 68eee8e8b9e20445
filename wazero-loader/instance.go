package loader

import (
	"context"
	"sort"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/sbsoftware/wasem"
	"github.com/sbsoftware/wasem/jump"
	"github.com/sbsoftware/wasem/kernel"
	"github.com/sbsoftware/wasem/syscalls"
	"github.com/sbsoftware/wasem/wasmbin"
)

// Instance is one loaded guest with its own runtime and kernel.
// It is not safe for concurrent use.
type Instance struct {
	L    hclog.Logger
	Name string

	Kernel    *kernel.Kernel
	Syscalls  *syscalls.Dispatcher
	Jumps     *jump.Emulator
	Snapshots *jump.Snapshots
	Manifest  *wasmbin.Manifest

	runtime wazero.Runtime
	env     api.Module
	guest   api.Module
	mem     api.Memory

	funcs     map[string]HostFunc
	funcNames []string
	memLimits wasmbin.Limits
	memNames  []string
	globals   []envGlobal

	attempts  int
	tableSize uint32

	exited   bool
	exitCode uint32
}

var _ jump.Guest = (*Instance)(nil)

// ExportedFunction returns a guest export, or nil.
func (inst *Instance) ExportedFunction(name string) api.Function {
	return inst.guest.ExportedFunction(name)
}

// Call calls a guest export with setjmp snapshots enabled. A longjmp no
// trampoline caught is logged and dropped. An exit is recorded and
// returned as the *sys.ExitError.
func (inst *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := inst.guest.ExportedFunction(name)
	if fn == nil {
		return nil, errors.Wrap(jump.ErrNoExport, name)
	}

	r := inst.Jumps.Classify(fn.Call(experimental.WithSnapshotter(ctx), params...))

	switch r.Kind {
	case jump.Normal:
		return r.Results, nil
	case jump.Unwinding:
		inst.L.Warn("longjmp reached the host", "export", name, "target", r.Target, "value", r.Value)
		return nil, nil
	}

	var exit *sys.ExitError
	if errors.As(r.Err, &exit) {
		inst.exited, inst.exitCode = true, exit.ExitCode()
		inst.L.Debug("guest exited", "code", exit.ExitCode())
		return nil, exit
	}

	return nil, errors.Wrapf(r.Err, "call %s", name)
}

// Guest is the instantiated guest module.
func (inst *Instance) Guest() api.Module {
	return inst.guest
}

// Memory is the linear memory syscalls act on: the guest's own when it
// exports one, env's otherwise.
func (inst *Instance) Memory() api.Memory {
	return inst.mem
}

// TableSize is the initial size of the table the guest linked against.
func (inst *Instance) TableSize() uint32 {
	return inst.tableSize
}

// Attempts is how many instantiations it took.
func (inst *Instance) Attempts() int {
	return inst.attempts
}

// ExitCode is the status the guest exited with, if it did.
func (inst *Instance) ExitCode() (uint32, bool) {
	return inst.exitCode, inst.exited
}

func (inst *Instance) Close(ctx context.Context) error {
	return inst.runtime.Close(ctx)
}

// link runs one negotiation attempt: a fresh env module for plan, then
// the guest.
func (inst *Instance) link(ctx context.Context, compiled wazero.CompiledModule, cfg wazero.ModuleConfig, plan tablePlan) error {
	env, err := inst.runtime.InstantiateWithConfig(ctx, inst.envModule(plan),
		wazero.NewModuleConfig().WithName(wasem.ModuleEnv))
	if err != nil {
		return errors.Wrap(err, "instantiate env")
	}

	inst.Kernel.Mem.Attach(env.Memory())

	guest, err := inst.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		_ = env.Close(ctx)
		return err
	}

	inst.env, inst.guest = env, guest
	inst.mem = env.Memory()

	if mem := definedMemory(compiled, guest); mem != nil {
		inst.mem = mem
	}
	inst.Kernel.Mem.Attach(inst.mem)

	return nil
}

// definedMemory is the memory the guest defines and exports, or nil when
// it imports env's or has none. Module.Memory cannot tell these apart: it
// returns a typed nil for a module without memory.
func definedMemory(compiled wazero.CompiledModule, guest api.Module) api.Memory {
	if len(compiled.ImportedMemories()) > 0 {
		return nil
	}

	exported := compiled.ExportedMemories()
	names := make([]string, 0, len(exported))
	for name := range exported {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if mem := guest.ExportedMemory(name); mem != nil {
			return mem
		}
	}

	return nil
}

func (inst *Instance) isTable(name string) bool {
	m := inst.Manifest
	if m.TableKnown {
		return m.Table != nil && m.Table.Module == wasem.ModuleEnv && m.Table.Name == name
	}

	if _, ok := m.Import(wasem.ModuleEnv, name); ok {
		return false
	}

	return m.Memory == nil || m.Memory.Name != name
}

// plan is the first table offered: exactly what the guest declares when
// its import section was read, the configured minimum otherwise.
func (inst *Instance) plan(minSize uint32) tablePlan {
	p := tablePlan{min: minSize}
	p.addName(wasem.ImportTable)
	p.addName(wasem.ImportTableShort)

	if min, ok := inst.Manifest.TableMin(); ok {
		t := inst.Manifest.Table
		if t.Module == wasem.ModuleEnv {
			p.addName(t.Name)
			p.min = min
			p.max, p.hasMax = t.Limits.Max, t.Limits.HasMax
		}
	}

	return p
}

func (inst *Instance) setHeapBase() error {
	g := inst.guest.ExportedGlobal(wasem.ExportHeapBase)
	if g == nil {
		inst.L.Debug("guest exports no heap base")
		return nil
	}

	return errors.Wrap(inst.Kernel.Mem.SetHeapBase(uint32(g.Get())), "set heap base")
}

// start calls the first entry point the guest exports and discards its
// results. An exit is not an error.
func (inst *Instance) start(ctx context.Context, entry []string) error {
	for _, name := range entry {
		if inst.guest.ExportedFunction(name) == nil {
			continue
		}

		inst.L.Debug("calling entry point", "name", name)

		_, err := inst.Call(ctx, name)

		var exit *sys.ExitError
		if errors.As(err, &exit) {
			return nil
		}
		return err
	}

	inst.L.Debug("guest exports no entry point", "tried", entry)
	return nil
}

func (inst *Instance) export(name string) api.Function {
	if inst.guest == nil {
		return nil
	}

	if fn := inst.guest.ExportedFunction(name); fn != nil {
		return fn
	}

	return inst.guest.ExportedFunction("_" + name)
}

func (inst *Instance) callGuest(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := inst.export(name)
	if fn == nil {
		return nil, errors.Wrap(jump.ErrNoExport, name)
	}

	return fn.Call(ctx, params...)
}

func (inst *Instance) SetThrew(ctx context.Context, threw, value int32) error {
	_, err := inst.callGuest(ctx, wasem.ExportSetThrew, api.EncodeI32(threw), api.EncodeI32(value))
	return err
}

func (inst *Instance) SetTempRet0(ctx context.Context, v int32) error {
	_, err := inst.callGuest(ctx, wasem.ExportSetTempRet0, api.EncodeI32(v))
	return err
}

func (inst *Instance) StackSave(ctx context.Context) (int32, error) {
	res, err := inst.callGuest(ctx, wasem.ExportStackSave)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("stackSave returned nothing")
	}

	return api.DecodeI32(res[0]), nil
}

func (inst *Instance) StackRestore(ctx context.Context, sp int32) error {
	_, err := inst.callGuest(ctx, wasem.ExportStackRestore, api.EncodeI32(sp))
	return err
}

func (inst *Instance) Realloc(ctx context.Context, ptr, size uint32) (uint32, error) {
	res, err := inst.callGuest(ctx, wasem.ExportRealloc, api.EncodeU32(ptr), api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("realloc returned nothing")
	}

	return api.DecodeU32(res[0]), nil
}

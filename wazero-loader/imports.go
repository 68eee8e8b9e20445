package loader

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"

	"github.com/sbsoftware/wasem"
	"github.com/sbsoftware/wasem/abi"
	"github.com/sbsoftware/wasem/memory"
	"github.com/sbsoftware/wasem/wasmbin"
)

// hostModule carries every host function. The env module imports them
// from here and re-exports them next to the memory and table.
const hostModule = "wasem_host"

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

// hostFuncs builds the env function imports: the defaults, then
// opts.CustomImports, then stubs for anything the guest still lacks.
func (inst *Instance) hostFuncs(opts Options) map[string]HostFunc {
	fs := map[string]HostFunc{}

	inst.addSyscalls(fs)
	inst.addJumps(fs)

	for _, imp := range inst.Manifest.ImportsFrom(wasem.ModuleEnv) {
		if strings.HasPrefix(imp.Name, wasem.ImportInvokePrefix) {
			fs[imp.Name] = inst.invoke(imp)
		}
	}

	if inst.snapshotMode() {
		inst.addSnapshots(fs)
	}

	for name, f := range opts.CustomImports {
		fs[name] = f
	}

	for _, imp := range inst.Manifest.ImportsFrom(wasem.ModuleEnv) {
		if _, ok := fs[imp.Name]; ok || !opts.StubMissingImports {
			continue
		}

		inst.L.Warn("stubbing unresolved import", "module", imp.Module, "name", imp.Name)
		fs[imp.Name] = HostFunc{Fn: trap(imp.Module, imp.Name), Params: imp.Params, Results: imp.Results}
	}

	return fs
}

func sortedNames(fs map[string]HostFunc) []string {
	names := make([]string, 0, len(fs))
	for name := range fs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func trap(module, name string) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, _ []uint64) {
		panic(errors.Errorf("unresolved import %s.%s called", module, name))
	}
}

func (inst *Instance) addSyscalls(fs map[string]HostFunc) {
	for n := 0; n <= memory.PackedArgs; n++ {
		fs[fmt.Sprintf("%s%d", wasem.ImportSyscallDirect, n)] = HostFunc{
			Fn:      inst.syscallDirect(n),
			Params:  i32s(n + 1),
			Results: i32s(1),
		}
	}

	packed := HostFunc{
		Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(inst.Syscalls.Packed(ctx, api.DecodeI32(stack[0]), api.DecodeU32(stack[1])))
		},
		Params:  i32s(2),
		Results: i32s(1),
	}
	fs[wasem.ImportSyscallPacked] = packed
	fs[wasem.ImportMemargSyscall] = packed

	numbers := map[int32]bool{}
	for _, no := range abi.Sysnos {
		numbers[int32(no)] = true
	}
	for _, imp := range inst.Manifest.ImportsFrom(wasem.ModuleEnv) {
		if !strings.HasPrefix(imp.Name, wasem.ImportSyscallNumbered) {
			continue
		}
		if no, err := strconv.ParseInt(strings.TrimPrefix(imp.Name, wasem.ImportSyscallNumbered), 10, 32); err == nil {
			numbers[int32(no)] = true
		}
	}

	for no := range numbers {
		fs[fmt.Sprintf("%s%d", wasem.ImportSyscallNumbered, no)] = HostFunc{
			Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				stack[0] = api.EncodeI32(inst.Syscalls.Packed(ctx, no, api.DecodeU32(stack[1])))
			},
			Params:  i32s(2),
			Results: i32s(1),
		}
	}
}

func (inst *Instance) syscallDirect(n int) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		args := make([]int32, n)
		for i := range args {
			args[i] = api.DecodeI32(stack[i+1])
		}

		stack[0] = api.EncodeI32(inst.Syscalls.Direct(ctx, api.DecodeI32(stack[0]), args...))
	}
}

// addJumps registers the jump-table imports, each also under the
// leading-underscore name older toolchains use.
func (inst *Instance) addJumps(fs map[string]HostFunc) {
	j := inst.Jumps

	set := map[string]HostFunc{
		wasem.ImportSaveSetjmp: {
			Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				table, err := j.Mark(ctx,
					api.DecodeI32(stack[0]), api.DecodeI32(stack[1]),
					api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
				if err != nil {
					panic(err)
				}
				stack[0] = api.EncodeU32(table)
			},
			Params:  i32s(4),
			Results: i32s(1),
		},
		wasem.ImportTestSetjmp: {
			Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				label, err := j.Test(api.DecodeI32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
				if err != nil {
					panic(err)
				}
				stack[0] = api.EncodeI32(label)
			},
			Params:  i32s(3),
			Results: i32s(1),
		},
		wasem.ImportLongjmp: {
			Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				j.Throw(api.DecodeI32(stack[0]), api.DecodeI32(stack[1]))
			},
			Params: i32s(2),
		},
		wasem.ImportGetTempRet0: {
			Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				stack[0] = api.EncodeI32(j.TempRet0())
			},
			Results: i32s(1),
		},
		wasem.ImportSetTempRet0: {
			Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				j.SetTempRet0(api.DecodeI32(stack[0]))
			},
			Params: i32s(1),
		},
	}

	jmpbuf := HostFunc{
		Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
			if err := j.ThrowJmpbuf(api.DecodeI32(stack[0]), api.DecodeI32(stack[1])); err != nil {
				panic(err)
			}
		},
		Params: i32s(2),
	}
	set[wasem.ImportLongjmpJmpbuf] = jmpbuf
	set[wasem.ImportLongjmpLibc] = jmpbuf

	for name, f := range set {
		fs[name] = f
		fs["_"+name] = f
	}
}

// snapshotMode is set when the guest calls setjmp itself rather than
// through saveSetjmp.
func (inst *Instance) snapshotMode() bool {
	for _, name := range []string{wasem.ImportSetjmpLibc, wasem.ImportSetjmpWasi} {
		if _, ok := inst.Manifest.Import(wasem.ModuleEnv, name); ok {
			return true
		}
	}
	return false
}

func (inst *Instance) addSnapshots(fs map[string]HostFunc) {
	setjmp := HostFunc{
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) {
			stack[0] = api.EncodeI32(inst.Snapshots.Setjmp(ctx, inst.caller(mod), api.DecodeU32(stack[0])))
		},
		Params:  i32s(1),
		Results: i32s(1),
	}

	longjmp := HostFunc{
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) {
			inst.Snapshots.Longjmp(ctx, inst.caller(mod), api.DecodeU32(stack[0]), api.DecodeI32(stack[1]))
		},
		Params: i32s(2),
	}

	fs[wasem.ImportSetjmpLibc] = setjmp
	fs[wasem.ImportSetjmpWasi] = setjmp
	fs[wasem.ImportLongjmpLibc] = longjmp
	fs[wasem.ImportLongjmpWasi] = longjmp
}

// caller is the module whose globals a snapshot saves.
func (inst *Instance) caller(mod api.Module) api.Module {
	if inst.guest != nil {
		return inst.guest
	}
	return mod
}

// invoke builds the trampoline for one invoke_<sig> import. The call
// goes through the guest's dynCall_<sig> when exported and through an
// env helper otherwise. A longjmp caught here leaves zero results.
func (inst *Instance) invoke(imp wasmbin.FuncImport) HostFunc {
	sig := strings.TrimPrefix(imp.Name, wasem.ImportInvokePrefix)
	nparams, nresults := len(imp.Params), len(imp.Results)

	fn := func(ctx context.Context, _ api.Module, stack []uint64) {
		params := append([]uint64(nil), stack[:nparams]...)

		results, err := inst.Jumps.Invoke(ctx, func(ctx context.Context) ([]uint64, error) {
			target := inst.dynCall(sig, imp.Name)
			if target == nil {
				return nil, errors.Errorf("%s: no dynCall_%s", imp.Name, sig)
			}
			return target.Call(ctx, params...)
		})
		if err != nil {
			panic(err)
		}

		for i := 0; i < nresults; i++ {
			stack[i] = 0
			if i < len(results) {
				stack[i] = results[i]
			}
		}
	}

	return HostFunc{Fn: fn, Params: imp.Params, Results: imp.Results}
}

func (inst *Instance) dynCall(sig, invoke string) api.Function {
	if fn := inst.export("dynCall_" + sig); fn != nil {
		return fn
	}

	if inst.env == nil {
		return nil
	}

	return inst.env.ExportedFunction(dynCallHelper(invoke))
}

func dynCallHelper(invoke string) string {
	return "__wasem_dyncall_" + strings.TrimPrefix(invoke, wasem.ImportInvokePrefix)
}

// stubForeign instantiates a trapping host module for every module the
// guest imports functions from that nothing else provides.
func (inst *Instance) stubForeign(ctx context.Context, opts Options) error {
	byModule := map[string][]wasmbin.FuncImport{}
	for _, imp := range inst.Manifest.Functions {
		if imp.Module == wasem.ModuleEnv || imp.Module == hostModule {
			continue
		}
		if inst.runtime.Module(imp.Module) != nil {
			continue
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}

	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, m := range modules {
		if !opts.StubMissingImports {
			inst.L.Debug("guest imports from unknown module", "module", m)
			continue
		}

		b := inst.runtime.NewHostModuleBuilder(m)
		for _, imp := range byModule[m] {
			inst.L.Warn("stubbing unresolved import", "module", imp.Module, "name", imp.Name)
			b.NewFunctionBuilder().
				WithGoModuleFunction(trap(imp.Module, imp.Name), imp.Params, imp.Results).
				Export(imp.Name)
		}

		if _, err := b.Instantiate(ctx); err != nil {
			return errors.Wrapf(err, "instantiate stubs for %s", m)
		}
	}

	return nil
}

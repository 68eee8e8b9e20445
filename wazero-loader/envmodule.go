package loader

import (
	"math"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/sbsoftware/wasem"
	"github.com/sbsoftware/wasem/wasmbin"
)

// envGlobal is a global defined by env for the guest to import.
type envGlobal struct {
	name    string
	typ     api.ValueType
	mutable bool
	value   int64
}

func valTypes(ts []api.ValueType) []wasmbin.ValType {
	out := make([]wasmbin.ValType, len(ts))
	for i, t := range ts {
		out[i] = wasmbin.ValType(t)
	}
	return out
}

// globalBits encodes v as the initializer of a global of type typ.
func globalBits(typ api.ValueType, v int64) uint64 {
	switch typ {
	case api.ValueTypeI64:
		return uint64(v)
	case api.ValueTypeF32:
		return uint64(math.Float32bits(float32(v)))
	case api.ValueTypeF64:
		return math.Float64bits(float64(v))
	default:
		return uint64(uint32(int32(v)))
	}
}

// envGlobals lists the globals env defines: the guest's env global
// imports when known, every configured global otherwise.
func (inst *Instance) envGlobals(values map[string]int64) []envGlobal {
	var out []envGlobal

	if inst.Manifest.TableKnown {
		for _, g := range inst.Manifest.Globals {
			if g.Module != wasem.ModuleEnv {
				continue
			}
			out = append(out, envGlobal{name: g.Name, typ: g.Type, mutable: g.Mutable, value: values[g.Name]})
		}
		return out
	}

	for name, v := range values {
		out = append(out, envGlobal{name: name, typ: api.ValueTypeI32, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })

	return out
}

// memoryLimits sizes the env memory from the options and the guest's
// memory import.
func (inst *Instance) memoryLimits(initial, limit uint32) (wasmbin.Limits, []string) {
	lim := wasmbin.Limits{Min: initial}
	names := []string{wasem.ImportMemory}

	var guestMin uint32
	if m := inst.Manifest.Memory; m != nil && m.Module == wasem.ModuleEnv {
		guestMin = m.Limits.Min
		if m.Name != wasem.ImportMemory {
			names = append(names, m.Name)
		}

		if guestMin > lim.Min {
			lim.Min = guestMin
		}
		if m.Limits.HasMax {
			lim.Max, lim.HasMax = m.Limits.Max, true
			if lim.Min > lim.Max {
				lim.Min = lim.Max
			}
		}
	}

	if limit > 0 && lim.Min > limit && guestMin <= limit {
		lim.Min = limit
	}

	return lim, names
}

// envModule encodes the env module for one negotiation attempt. It
// imports every host function from hostModule and re-exports it, then
// defines the memory, the table, the globals and one call_indirect
// helper per invoke_* import.
func (inst *Instance) envModule(plan tablePlan) []byte {
	b := wasmbin.NewBuilder()

	for _, name := range inst.funcNames {
		f := inst.funcs[name]
		idx := b.ImportFunc(hostModule, name, valTypes(f.Params), valTypes(f.Results))
		b.Export(name, wasmbin.ExternFunc, idx)
	}

	table := b.Table(wasmbin.Limits{Min: plan.min, Max: plan.max, HasMax: plan.hasMax})
	for _, name := range plan.names {
		b.Export(name, wasmbin.ExternTable, table)
	}

	mem := b.Memory(inst.memLimits)
	for _, name := range inst.memNames {
		b.Export(name, wasmbin.ExternMemory, mem)
	}

	for _, g := range inst.globals {
		idx := b.Global(wasmbin.ValType(g.typ), g.mutable, globalBits(g.typ, g.value))
		b.Export(g.name, wasmbin.ExternGlobal, idx)
	}

	for _, imp := range inst.Manifest.ImportsFrom(wasem.ModuleEnv) {
		if !strings.HasPrefix(imp.Name, wasem.ImportInvokePrefix) || len(imp.Params) == 0 {
			continue
		}

		params, results := valTypes(imp.Params), valTypes(imp.Results)
		target := b.Type(params[1:], results)

		code := wasmbin.NewCode()
		for i := 1; i < len(params); i++ {
			code.LocalGet(uint32(i))
		}
		code.LocalGet(0).CallIndirect(target, table)

		b.Export(dynCallHelper(imp.Name), wasmbin.ExternFunc, b.Func(params, results, nil, code))
	}

	return b.Bytes()
}

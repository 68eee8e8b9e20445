package wasmbin

import (
	"bytes"
	"fmt"

	"github.com/go-interpreter/wagon/wasm"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/crypto/blake2b"
)

// FuncImport is a function the guest imports.
type FuncImport struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Signature is the emscripten-style signature letters of the import,
// result first: "vii" for (i32, i32) -> ().
func (f FuncImport) Signature() string {
	sig := []byte{'v'}
	if len(f.Results) > 0 {
		sig[0] = sigLetter(f.Results[0])
	}
	for _, p := range f.Params {
		sig = append(sig, sigLetter(p))
	}
	return string(sig)
}

func sigLetter(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI64:
		return 'j'
	case api.ValueTypeF32:
		return 'f'
	case api.ValueTypeF64:
		return 'd'
	default:
		return 'i'
	}
}

// TableImport is the guest's indirect function table import.
type TableImport struct {
	Module string
	Name   string
	Limits Limits
}

// MemoryImport is the guest's linear memory import, in pages.
type MemoryImport struct {
	Module string
	Name   string
	Limits Limits
}

// GlobalImport is a global the guest imports.
type GlobalImport struct {
	Module  string
	Name    string
	Type    api.ValueType
	Mutable bool
}

// Manifest is what a guest expects from its host.
type Manifest struct {
	Hash [blake2b.Size256]byte

	Functions []FuncImport
	Memory    *MemoryImport
	Table     *TableImport
	Globals   []GlobalImport

	// TableKnown is set when the import section was decoded, so Table
	// and Globals are authoritative. Otherwise the table requirement is
	// found by negotiation.
	TableKnown bool

	// DecodeErr is why the import section could not be decoded.
	DecodeErr error
}

// Hash returns the content hash used to key manifests.
func Hash(raw []byte) [blake2b.Size256]byte {
	return blake2b.Sum256(raw)
}

// Inspect builds the manifest of a compiled guest. Function and memory
// imports come from wazero; table and global imports, which wazero does
// not describe, are decoded from raw.
func Inspect(compiled wazero.CompiledModule, raw []byte) *Manifest {
	m := InspectCompiled(compiled, raw)

	if err := m.decodeImports(raw); err != nil {
		m.DecodeErr = err
	} else {
		m.TableKnown = true
	}

	return m
}

// InspectCompiled is Inspect without decoding raw: only what wazero
// reports is filled in and TableKnown stays false.
func InspectCompiled(compiled wazero.CompiledModule, raw []byte) *Manifest {
	m := &Manifest{Hash: Hash(raw)}

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		m.Functions = append(m.Functions, FuncImport{
			Module:  module,
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}

	for _, def := range compiled.ImportedMemories() {
		module, name, _ := def.Import()
		max, hasMax := def.Max()
		m.Memory = &MemoryImport{
			Module: module,
			Name:   name,
			Limits: Limits{Min: def.Min(), Max: max, HasMax: hasMax},
		}
	}

	return m
}

func (m *Manifest) decodeImports(raw []byte) (err error) {
	// The decoder predates several post-MVP sections and may panic on
	// them.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode imports: %v", r)
		}
	}()

	mod, err := wasm.DecodeModule(bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "decode imports")
	}

	if mod.Import == nil {
		return nil
	}

	for _, ent := range mod.Import.Entries {
		switch imp := ent.Type.(type) {
		case wasm.TableImport:
			m.setTable(ent, imp.Type)
		case *wasm.TableImport:
			m.setTable(ent, imp.Type)
		case wasm.GlobalVarImport:
			m.addGlobal(ent, imp.Type)
		case *wasm.GlobalVarImport:
			m.addGlobal(ent, imp.Type)
		}
	}

	return nil
}

func (m *Manifest) setTable(ent wasm.ImportEntry, t wasm.Table) {
	m.Table = &TableImport{
		Module: ent.ModuleName,
		Name:   ent.FieldName,
		Limits: Limits{
			Min:    t.Limits.Initial,
			Max:    t.Limits.Maximum,
			HasMax: t.Limits.Flags&0x1 != 0,
		},
	}
}

func (m *Manifest) addGlobal(ent wasm.ImportEntry, g wasm.GlobalVar) {
	m.Globals = append(m.Globals, GlobalImport{
		Module:  ent.ModuleName,
		Name:    ent.FieldName,
		Type:    valueType(g.Type),
		Mutable: g.Mutable,
	})
}

func valueType(t wasm.ValueType) api.ValueType {
	switch t {
	case wasm.ValueTypeI64:
		return api.ValueTypeI64
	case wasm.ValueTypeF32:
		return api.ValueTypeF32
	case wasm.ValueTypeF64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

// Import returns the function import module.name.
func (m *Manifest) Import(module, name string) (FuncImport, bool) {
	for _, f := range m.Functions {
		if f.Module == module && f.Name == name {
			return f, true
		}
	}
	return FuncImport{}, false
}

// ImportsFrom lists the function imports from module.
func (m *Manifest) ImportsFrom(module string) []FuncImport {
	var out []FuncImport
	for _, f := range m.Functions {
		if f.Module == module {
			out = append(out, f)
		}
	}
	return out
}

// TableMin is the minimum table size the guest declares, if known.
func (m *Manifest) TableMin() (uint32, bool) {
	if !m.TableKnown || m.Table == nil {
		return 0, false
	}
	return m.Table.Limits.Min, true
}

// Package wasmbin writes and inspects wasm binaries.
//
// Builder emits the modules the loader synthesizes at run time (the env
// module every guest links against) and the small guests used in tests.
// Inspect reads what a guest expects from its host before it is
// instantiated.
package wasmbin

import (
	"encoding/binary"
	"fmt"
)

// ValType is a wasm value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

// ExternKind is the kind of an import or export.
type ExternKind byte

const (
	ExternFunc   ExternKind = 0x00
	ExternTable  ExternKind = 0x01
	ExternMemory ExternKind = 0x02
	ExternGlobal ExternKind = 0x03
)

const (
	funcRef  = 0x70
	typeFunc = 0x60
)

// Section ids in the order they must appear.
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secElement  = 9
	secCode     = 10
	secData     = 11
)

// Limits bound a table (in elements) or a memory (in pages).
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

// Bounded returns limits with a maximum.
func Bounded(min, max uint32) Limits {
	return Limits{Min: min, Max: max, HasMax: true}
}

// Unbounded returns limits without a maximum.
func Unbounded(min uint32) Limits {
	return Limits{Min: min}
}

func (l Limits) append(out []byte) []byte {
	if l.HasMax {
		out = append(out, 0x01)
		out = AppendULEB128(out, uint64(l.Min))
		return AppendULEB128(out, uint64(l.Max))
	}

	out = append(out, 0x00)
	return AppendULEB128(out, uint64(l.Min))
}

type funcType struct {
	params  []ValType
	results []ValType
}

func (t funcType) equal(params, results []ValType) bool {
	if len(t.params) != len(params) || len(t.results) != len(results) {
		return false
	}
	for i := range params {
		if t.params[i] != params[i] {
			return false
		}
	}
	for i := range results {
		if t.results[i] != results[i] {
			return false
		}
	}
	return true
}

type importEntry struct {
	module, name string
	kind         ExternKind

	typeIdx uint32
	limits  Limits
	global  ValType
	mutable bool
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type global struct {
	typ     ValType
	mutable bool
	init    uint64
}

type export struct {
	name string
	kind ExternKind
	idx  uint32
}

type elem struct {
	table  uint32
	offset int32
	funcs  []uint32
}

type data struct {
	offset int32
	bytes  []byte
}

// Builder assembles a module. Index-returning methods hand out the
// index the entity has in its index space; imports of a kind must be
// added before definitions of that kind.
type Builder struct {
	types   []funcType
	imports []importEntry

	importedFuncs, importedTables, importedMems, importedGlobals uint32

	funcs    []function
	tables   []Limits
	memories []Limits
	globals  []global
	exports  []export
	elems    []elem
	datas    []data
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Type returns the index of the function type, adding it if new.
func (b *Builder) Type(params, results []ValType) uint32 {
	for i, t := range b.types {
		if t.equal(params, results) {
			return uint32(i)
		}
	}

	b.types = append(b.types, funcType{
		params:  append([]ValType(nil), params...),
		results: append([]ValType(nil), results...),
	})
	return uint32(len(b.types) - 1)
}

func (b *Builder) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic(fmt.Sprintf("wasmbin: function import %s.%s after function definitions", module, name))
	}

	b.imports = append(b.imports, importEntry{
		module:  module,
		name:    name,
		kind:    ExternFunc,
		typeIdx: b.Type(params, results),
	})
	b.importedFuncs++
	return b.importedFuncs - 1
}

func (b *Builder) ImportTable(module, name string, lim Limits) uint32 {
	if len(b.tables) > 0 {
		panic(fmt.Sprintf("wasmbin: table import %s.%s after table definitions", module, name))
	}

	b.imports = append(b.imports, importEntry{module: module, name: name, kind: ExternTable, limits: lim})
	b.importedTables++
	return b.importedTables - 1
}

func (b *Builder) ImportMemory(module, name string, lim Limits) uint32 {
	if len(b.memories) > 0 {
		panic(fmt.Sprintf("wasmbin: memory import %s.%s after memory definitions", module, name))
	}

	b.imports = append(b.imports, importEntry{module: module, name: name, kind: ExternMemory, limits: lim})
	b.importedMems++
	return b.importedMems - 1
}

func (b *Builder) ImportGlobal(module, name string, typ ValType, mutable bool) uint32 {
	if len(b.globals) > 0 {
		panic(fmt.Sprintf("wasmbin: global import %s.%s after global definitions", module, name))
	}

	b.imports = append(b.imports, importEntry{module: module, name: name, kind: ExternGlobal, global: typ, mutable: mutable})
	b.importedGlobals++
	return b.importedGlobals - 1
}

// Func defines a function. Parameters are locals 0..len(params)-1 and
// the extra locals follow them.
func (b *Builder) Func(params, results, locals []ValType, body *Code) uint32 {
	fn := function{
		typeIdx: b.Type(params, results),
		locals:  locals,
	}
	if body != nil {
		fn.body = body.Bytes()
	}

	b.funcs = append(b.funcs, fn)
	return b.importedFuncs + uint32(len(b.funcs)) - 1
}

func (b *Builder) Table(lim Limits) uint32 {
	b.tables = append(b.tables, lim)
	return b.importedTables + uint32(len(b.tables)) - 1
}

func (b *Builder) Memory(lim Limits) uint32 {
	b.memories = append(b.memories, lim)
	return b.importedMems + uint32(len(b.memories)) - 1
}

// Global defines a global initialized to the raw bits of init: the two's
// complement value for integers, the IEEE bits for floats.
func (b *Builder) Global(typ ValType, mutable bool, init uint64) uint32 {
	b.globals = append(b.globals, global{typ: typ, mutable: mutable, init: init})
	return b.importedGlobals + uint32(len(b.globals)) - 1
}

func (b *Builder) GlobalI32(mutable bool, v int32) uint32 {
	return b.Global(I32, mutable, uint64(uint32(v)))
}

func (b *Builder) Export(name string, kind ExternKind, idx uint32) {
	b.exports = append(b.exports, export{name: name, kind: kind, idx: idx})
}

// Elem places funcs in table starting at offset.
func (b *Builder) Elem(table uint32, offset int32, funcs ...uint32) {
	b.elems = append(b.elems, elem{table: table, offset: offset, funcs: funcs})
}

// Data places bytes in memory 0 at offset.
func (b *Builder) Data(offset int32, bytes []byte) {
	b.datas = append(b.datas, data{offset: offset, bytes: bytes})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		out = section(out, secType, b.typeSection())
	}
	if len(b.imports) > 0 {
		out = section(out, secImport, b.importSection())
	}
	if len(b.funcs) > 0 {
		out = section(out, secFunction, b.functionSection())
	}
	if len(b.tables) > 0 {
		out = section(out, secTable, limitsSection(b.tables, true))
	}
	if len(b.memories) > 0 {
		out = section(out, secMemory, limitsSection(b.memories, false))
	}
	if len(b.globals) > 0 {
		out = section(out, secGlobal, b.globalSection())
	}
	if len(b.exports) > 0 {
		out = section(out, secExport, b.exportSection())
	}
	if len(b.elems) > 0 {
		out = section(out, secElement, b.elemSection())
	}
	if len(b.funcs) > 0 {
		out = section(out, secCode, b.codeSection())
	}
	if len(b.datas) > 0 {
		out = section(out, secData, b.dataSection())
	}

	return out
}

func section(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = AppendULEB128(out, uint64(len(payload)))
	return append(out, payload...)
}

func appendValTypes(out []byte, ts []ValType) []byte {
	out = AppendULEB128(out, uint64(len(ts)))
	for _, t := range ts {
		out = append(out, byte(t))
	}
	return out
}

func (b *Builder) typeSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.types)))
	for _, t := range b.types {
		buf = append(buf, typeFunc)
		buf = appendValTypes(buf, t.params)
		buf = appendValTypes(buf, t.results)
	}
	return buf
}

func (b *Builder) importSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.imports)))
	for _, imp := range b.imports {
		buf = appendName(buf, imp.module)
		buf = appendName(buf, imp.name)
		buf = append(buf, byte(imp.kind))

		switch imp.kind {
		case ExternFunc:
			buf = AppendULEB128(buf, uint64(imp.typeIdx))
		case ExternTable:
			buf = append(buf, funcRef)
			buf = imp.limits.append(buf)
		case ExternMemory:
			buf = imp.limits.append(buf)
		case ExternGlobal:
			buf = append(buf, byte(imp.global), boolByte(imp.mutable))
		}
	}
	return buf
}

func (b *Builder) functionSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.funcs)))
	for _, fn := range b.funcs {
		buf = AppendULEB128(buf, uint64(fn.typeIdx))
	}
	return buf
}

func limitsSection(ls []Limits, table bool) []byte {
	buf := AppendULEB128(nil, uint64(len(ls)))
	for _, l := range ls {
		if table {
			buf = append(buf, funcRef)
		}
		buf = l.append(buf)
	}
	return buf
}

func (b *Builder) globalSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.globals)))
	for _, g := range b.globals {
		buf = append(buf, byte(g.typ), boolByte(g.mutable))
		buf = appendConst(buf, g.typ, g.init)
		buf = append(buf, OpEnd)
	}
	return buf
}

func appendConst(out []byte, typ ValType, bits uint64) []byte {
	switch typ {
	case I64:
		out = append(out, OpI64Const)
		return AppendSLEB128(out, int64(bits))
	case F32:
		out = append(out, OpF32Const)
		return binary.LittleEndian.AppendUint32(out, uint32(bits))
	case F64:
		out = append(out, OpF64Const)
		return binary.LittleEndian.AppendUint64(out, bits)
	default:
		out = append(out, OpI32Const)
		return AppendSLEB128(out, int64(int32(uint32(bits))))
	}
}

func (b *Builder) exportSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.exports)))
	for _, e := range b.exports {
		buf = appendName(buf, e.name)
		buf = append(buf, byte(e.kind))
		buf = AppendULEB128(buf, uint64(e.idx))
	}
	return buf
}

func (b *Builder) elemSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.elems)))
	for _, e := range b.elems {
		if e.table == 0 {
			buf = append(buf, 0x00)
		} else {
			buf = append(buf, 0x02)
			buf = AppendULEB128(buf, uint64(e.table))
		}

		buf = append(buf, OpI32Const)
		buf = AppendSLEB128(buf, int64(e.offset))
		buf = append(buf, OpEnd)

		if e.table != 0 {
			// elemkind funcref
			buf = append(buf, 0x00)
		}

		buf = AppendULEB128(buf, uint64(len(e.funcs)))
		for _, f := range e.funcs {
			buf = AppendULEB128(buf, uint64(f))
		}
	}
	return buf
}

func (b *Builder) codeSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.funcs)))
	for _, fn := range b.funcs {
		body := encodeLocals(fn.locals)
		body = append(body, fn.body...)
		body = append(body, OpEnd)

		buf = AppendULEB128(buf, uint64(len(body)))
		buf = append(buf, body...)
	}
	return buf
}

// encodeLocals run-length encodes the local declarations.
func encodeLocals(locals []ValType) []byte {
	var groups [][2]uint32
	for _, l := range locals {
		if n := len(groups); n > 0 && ValType(groups[n-1][1]) == l {
			groups[n-1][0]++
			continue
		}
		groups = append(groups, [2]uint32{1, uint32(l)})
	}

	buf := AppendULEB128(nil, uint64(len(groups)))
	for _, g := range groups {
		buf = AppendULEB128(buf, uint64(g[0]))
		buf = append(buf, byte(g[1]))
	}
	return buf
}

func (b *Builder) dataSection() []byte {
	buf := AppendULEB128(nil, uint64(len(b.datas)))
	for _, d := range b.datas {
		buf = append(buf, 0x00, OpI32Const)
		buf = AppendSLEB128(buf, int64(d.offset))
		buf = append(buf, OpEnd)
		buf = AppendULEB128(buf, uint64(len(d.bytes)))
		buf = append(buf, d.bytes...)
	}
	return buf
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

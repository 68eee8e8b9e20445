package wasmbin

import (
	"encoding/binary"
	"math"
)

// Opcodes emitted by Code.
const (
	OpUnreachable  = 0x00
	OpNop          = 0x01
	OpBlock        = 0x02
	OpLoop         = 0x03
	OpIf           = 0x04
	OpElse         = 0x05
	OpEnd          = 0x0b
	OpBr           = 0x0c
	OpBrIf         = 0x0d
	OpReturn       = 0x0f
	OpCall         = 0x10
	OpCallIndirect = 0x11
	OpDrop         = 0x1a
	OpLocalGet     = 0x20
	OpLocalSet     = 0x21
	OpLocalTee     = 0x22
	OpGlobalGet    = 0x23
	OpGlobalSet    = 0x24
	OpI32Load      = 0x28
	OpI32Store     = 0x36
	OpI32Const     = 0x41
	OpI64Const     = 0x42
	OpF32Const     = 0x43
	OpF64Const     = 0x44
	OpI32Eqz       = 0x45
	OpI32Eq        = 0x46
	OpI32Add       = 0x6a
	OpI32Sub       = 0x6b
)

// blockEmpty is the block type of a block without results.
const blockEmpty = 0x40

// Code accumulates the instructions of one function body. The final
// end opcode is added by Builder.Func.
type Code struct {
	buf []byte
}

func NewCode() *Code {
	return &Code{}
}

func (c *Code) op(b byte) *Code {
	c.buf = append(c.buf, b)
	return c
}

func (c *Code) idx(b byte, i uint32) *Code {
	c.buf = append(c.buf, b)
	c.buf = AppendULEB128(c.buf, uint64(i))
	return c
}

func (c *Code) Unreachable() *Code { return c.op(OpUnreachable) }
func (c *Code) Drop() *Code        { return c.op(OpDrop) }
func (c *Code) Return() *Code      { return c.op(OpReturn) }
func (c *Code) End() *Code         { return c.op(OpEnd) }
func (c *Code) Else() *Code        { return c.op(OpElse) }
func (c *Code) I32Eqz() *Code      { return c.op(OpI32Eqz) }
func (c *Code) I32Eq() *Code       { return c.op(OpI32Eq) }
func (c *Code) I32Add() *Code      { return c.op(OpI32Add) }
func (c *Code) I32Sub() *Code      { return c.op(OpI32Sub) }

func (c *Code) LocalGet(i uint32) *Code  { return c.idx(OpLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.idx(OpLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.idx(OpLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.idx(OpGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.idx(OpGlobalSet, i) }
func (c *Code) Call(f uint32) *Code      { return c.idx(OpCall, f) }
func (c *Code) Br(depth uint32) *Code    { return c.idx(OpBr, depth) }
func (c *Code) BrIf(depth uint32) *Code  { return c.idx(OpBrIf, depth) }

// Block, Loop and If open a structured block without results.
func (c *Code) Block() *Code { return c.op(OpBlock).op(blockEmpty) }
func (c *Code) Loop() *Code  { return c.op(OpLoop).op(blockEmpty) }
func (c *Code) If() *Code    { return c.op(OpIf).op(blockEmpty) }

// CallIndirect calls through table with the given type index.
func (c *Code) CallIndirect(typeIdx, table uint32) *Code {
	c.idx(OpCallIndirect, typeIdx)
	c.buf = AppendULEB128(c.buf, uint64(table))
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf = append(c.buf, OpI32Const)
	c.buf = AppendSLEB128(c.buf, int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf = append(c.buf, OpI64Const)
	c.buf = AppendSLEB128(c.buf, v)
	return c
}

func (c *Code) F32Const(v float32) *Code {
	c.buf = append(c.buf, OpF32Const)
	c.buf = binary.LittleEndian.AppendUint32(c.buf, math.Float32bits(v))
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.buf = append(c.buf, OpF64Const)
	c.buf = binary.LittleEndian.AppendUint64(c.buf, math.Float64bits(v))
	return c
}

// I32Load and I32Store use natural alignment.
func (c *Code) I32Load(offset uint32) *Code {
	c.buf = append(c.buf, OpI32Load, 2)
	c.buf = AppendULEB128(c.buf, uint64(offset))
	return c
}

func (c *Code) I32Store(offset uint32) *Code {
	c.buf = append(c.buf, OpI32Store, 2)
	c.buf = AppendULEB128(c.buf, uint64(offset))
	return c
}

// Raw appends already encoded instructions.
func (c *Code) Raw(b ...byte) *Code {
	c.buf = append(c.buf, b...)
	return c
}

// Bytes returns the instructions written so far.
func (c *Code) Bytes() []byte {
	return c.buf
}

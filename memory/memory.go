// Package memory implements the guest's linear memory as seen by the
// kernel: byte marshaling plus brk-style heap bookkeeping.
//
// The heap only grows. Its base is fixed once, from the guest's link-time
// __heap_base export, and its end never moves backwards; growing the end
// past the buffer grows the buffer by whole pages.
package memory

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// PageSize is the unit the buffer grows by. Guest allocators assume it.
const PageSize = 65536

var (
	ErrHeapBaseSet = errors.New("cannot reset heap base")
	ErrHeapShrink  = errors.New("cannot decrease heap size")
	ErrOutOfMemory = errors.New("unable to grow linear memory")
	ErrFault       = errors.New("address outside linear memory")
	ErrDetached    = errors.New("no linear memory attached")
)

// Buffer is the growable byte range backing a guest. wazero's api.Memory
// satisfies it.
type Buffer interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	// ReadByte matches api.Memory, not io.ByteReader.
	ReadByte(offset uint32) (byte, bool)
	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool
}

// Memory is one guest's linear memory. It is owned by a single kernel
// and is not safe for concurrent use.
type Memory struct {
	buf Buffer

	heapBase uint32
	baseSet  bool
	heapEnd  uint32
}

// New returns a detached Memory. Attach binds the guest buffer once the
// guest is instantiated.
func New() *Memory {
	return &Memory{}
}

// Attach binds buf as the backing buffer.
func (m *Memory) Attach(buf Buffer) {
	m.buf = buf
}

// Attached reports whether a buffer is bound.
func (m *Memory) Attached() bool {
	return m.buf != nil
}

// Size returns the buffer length in bytes; always a multiple of PageSize.
func (m *Memory) Size() uint32 {
	if m.buf == nil {
		return 0
	}
	return m.buf.Size()
}

// HeapBase returns the heap base and whether it has been set.
func (m *Memory) HeapBase() (uint32, bool) {
	return m.heapBase, m.baseSet
}

// HeapEnd returns the current end of the heap.
func (m *Memory) HeapEnd() uint32 {
	return m.heapEnd
}

// SetHeapBase fixes the heap base. It may only be called once; a base
// the buffer cannot grow to is not recorded.
func (m *Memory) SetHeapBase(addr uint32) error {
	if m.baseSet {
		return errors.Wrapf(ErrHeapBaseSet, "base already %d", m.heapBase)
	}

	if m.heapEnd < addr {
		if err := m.SetHeapEnd(addr); err != nil {
			return err
		}
	}

	m.heapBase = addr
	m.baseSet = true

	return nil
}

// SetHeapEnd moves the heap end to addr, growing the buffer when addr is
// past its end.
func (m *Memory) SetHeapEnd(addr uint32) error {
	if addr < m.heapEnd {
		return errors.Wrapf(ErrHeapShrink, "%d < %d", addr, m.heapEnd)
	}

	if m.buf == nil {
		return ErrDetached
	}

	if size := m.buf.Size(); addr > size {
		pages := (uint64(addr-size) + PageSize - 1) / PageSize
		if _, ok := m.buf.Grow(uint32(pages)); !ok {
			return errors.Wrapf(ErrOutOfMemory, "grow by %d pages for heap end %d", pages, addr)
		}
	}

	m.heapEnd = addr
	return nil
}

// ReadString reads a NUL-terminated string at ptr, stopping early after
// maxLen bytes. A negative maxLen reads up to the terminator.
func (m *Memory) ReadString(ptr uint32, maxLen int) (string, error) {
	if m.buf == nil {
		return "", ErrDetached
	}

	var sb strings.Builder

	for off := ptr; maxLen < 0 || sb.Len() < maxLen; off++ {
		b, ok := m.buf.ReadByte(off)
		if !ok {
			return "", errors.Wrapf(ErrFault, "string at %d", ptr)
		}

		if b == 0 {
			break
		}

		sb.WriteByte(b)
	}

	return strings.ToValidUTF8(sb.String(), "\uFFFD"), nil
}

// ReadBytes copies n bytes starting at ptr.
func (m *Memory) ReadBytes(ptr, n uint32) ([]byte, error) {
	if m.buf == nil {
		return nil, ErrDetached
	}

	view, ok := m.buf.Read(ptr, n)
	if !ok {
		return nil, errors.Wrapf(ErrFault, "read %d bytes at %d", n, ptr)
	}

	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// WriteBytes copies b into memory at ptr.
func (m *Memory) WriteBytes(ptr uint32, b []byte) error {
	if m.buf == nil {
		return ErrDetached
	}

	if !m.buf.Write(ptr, b) {
		return errors.Wrapf(ErrFault, "write %d bytes at %d", len(b), ptr)
	}

	return nil
}

// ReadUint32 reads a little-endian word.
func (m *Memory) ReadUint32(ptr uint32) (uint32, error) {
	if m.buf == nil {
		return 0, ErrDetached
	}

	v, ok := m.buf.ReadUint32Le(ptr)
	if !ok {
		return 0, errors.Wrapf(ErrFault, "read word at %d", ptr)
	}

	return v, nil
}

// WriteUint32 writes a little-endian word.
func (m *Memory) WriteUint32(ptr, v uint32) error {
	if m.buf == nil {
		return ErrDetached
	}

	if !m.buf.WriteUint32Le(ptr, v) {
		return errors.Wrapf(ErrFault, "write word at %d", ptr)
	}

	return nil
}

// PackedArgs is the number of words read by ReadPackedArgs.
const PackedArgs = 6

// ReadPackedArgs reads the argument block of the packed syscall
// convention: six consecutive little-endian words at ptr.
func (m *Memory) ReadPackedArgs(ptr uint32) ([PackedArgs]int32, error) {
	var args [PackedArgs]int32

	raw, err := m.ReadBytes(ptr, PackedArgs*4)
	if err != nil {
		return args, err
	}

	for i := range args {
		args[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return args, nil
}

package memory

import "encoding/binary"

// Slice is a Buffer over a plain byte slice. It backs kernels that run
// without a wasm runtime, such as unit tests of the syscall layer.
type Slice struct {
	b        []byte
	maxPages uint32
}

// NewSlice returns a zeroed buffer of pages pages that grows up to
// maxPages; zero means no limit.
func NewSlice(pages, maxPages uint32) *Slice {
	return &Slice{
		b:        make([]byte, int(pages)*PageSize),
		maxPages: maxPages,
	}
}

func (s *Slice) Size() uint32 {
	return uint32(len(s.b))
}

func (s *Slice) Grow(deltaPages uint32) (uint32, bool) {
	prev := uint32(len(s.b) / PageSize)
	if s.maxPages != 0 && prev+deltaPages > s.maxPages {
		return prev, false
	}
	s.b = append(s.b, make([]byte, int(deltaPages)*PageSize)...)
	return prev, true
}

func (s *Slice) inRange(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(s.b))
}

func (s *Slice) Read(offset, byteCount uint32) ([]byte, bool) {
	if !s.inRange(offset, byteCount) {
		return nil, false
	}
	return s.b[offset : offset+byteCount : offset+byteCount], true
}

func (s *Slice) Write(offset uint32, v []byte) bool {
	if !s.inRange(offset, uint32(len(v))) {
		return false
	}
	copy(s.b[offset:], v)
	return true
}

func (s *Slice) ReadByte(offset uint32) (byte, bool) {
	if !s.inRange(offset, 1) {
		return 0, false
	}
	return s.b[offset], true
}

func (s *Slice) ReadUint32Le(offset uint32) (uint32, bool) {
	if !s.inRange(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(s.b[offset:]), true
}

func (s *Slice) WriteUint32Le(offset, v uint32) bool {
	if !s.inRange(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(s.b[offset:], v)
	return true
}

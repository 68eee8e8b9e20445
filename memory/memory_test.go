package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func attached(pages, maxPages uint32) (*Memory, *Slice) {
	buf := NewSlice(pages, maxPages)
	m := New()
	m.Attach(buf)
	return m, buf
}

func TestHeapBase(t *testing.T) {
	m, _ := attached(1, 0)

	_, ok := m.HeapBase()
	require.False(t, ok)

	require.NoError(t, m.SetHeapBase(2048))

	base, ok := m.HeapBase()
	require.True(t, ok)
	require.Equal(t, uint32(2048), base)
	require.Equal(t, uint32(2048), m.HeapEnd())

	err := m.SetHeapBase(4096)
	require.True(t, errors.Is(err, ErrHeapBaseSet))

	base, _ = m.HeapBase()
	require.Equal(t, uint32(2048), base)
}

func TestHeapBasePastBufferGrows(t *testing.T) {
	m, _ := attached(1, 0)

	require.NoError(t, m.SetHeapBase(PageSize+1))
	require.Equal(t, uint32(2*PageSize), m.Size())
}

func TestHeapBaseOutOfMemoryIsNotRecorded(t *testing.T) {
	m, _ := attached(1, 2)

	err := m.SetHeapBase(3 * PageSize)
	require.True(t, errors.Is(err, ErrOutOfMemory))

	_, ok := m.HeapBase()
	require.False(t, ok)
	require.Equal(t, uint32(0), m.HeapEnd())

	require.NoError(t, m.SetHeapBase(PageSize+16))
	base, ok := m.HeapBase()
	require.True(t, ok)
	require.Equal(t, uint32(PageSize+16), base)
	require.Equal(t, uint32(PageSize+16), m.HeapEnd())
}

func TestSetHeapEnd(t *testing.T) {
	t.Run("grows by whole pages", func(t *testing.T) {
		m, _ := attached(1, 0)

		require.NoError(t, m.SetHeapEnd(PageSize+1))
		require.Equal(t, uint32(2*PageSize), m.Size())

		require.NoError(t, m.SetHeapEnd(4*PageSize))
		require.Equal(t, uint32(4*PageSize), m.Size())
		require.Equal(t, uint32(4*PageSize), m.HeapEnd())
	})

	t.Run("within capacity does not grow", func(t *testing.T) {
		m, _ := attached(2, 0)

		require.NoError(t, m.SetHeapEnd(100))
		require.NoError(t, m.SetHeapEnd(100))
		require.Equal(t, uint32(2*PageSize), m.Size())
	})

	t.Run("refuses to shrink", func(t *testing.T) {
		m, _ := attached(1, 0)

		require.NoError(t, m.SetHeapEnd(500))

		err := m.SetHeapEnd(499)
		require.True(t, errors.Is(err, ErrHeapShrink))
		require.Equal(t, uint32(500), m.HeapEnd())
	})

	t.Run("reports a buffer that cannot grow", func(t *testing.T) {
		m, _ := attached(1, 2)

		err := m.SetHeapEnd(3 * PageSize)
		require.True(t, errors.Is(err, ErrOutOfMemory))
		require.Equal(t, uint32(0), m.HeapEnd())
	})

	t.Run("detached", func(t *testing.T) {
		m := New()
		require.Equal(t, ErrDetached, m.SetHeapEnd(10))
		require.False(t, m.Attached())
	})
}

func TestReadString(t *testing.T) {
	m, _ := attached(1, 0)
	require.NoError(t, m.WriteBytes(16, []byte("hello\x00world")))

	s, err := m.ReadString(16, -1)
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	s, err = m.ReadString(16, 3)
	require.NoError(t, err)
	require.Equal(t, "hel", s)

	s, err = m.ReadString(16, 0)
	require.NoError(t, err)
	require.Equal(t, "", s)

	require.NoError(t, m.WriteBytes(64, []byte{'a', 0xff, 'b', 0}))
	s, err = m.ReadString(64, -1)
	require.NoError(t, err)
	require.Equal(t, "a�b", s)
}

func TestReadStringRunsOffTheEnd(t *testing.T) {
	m, buf := attached(1, 0)

	last := buf.Size() - 2
	require.NoError(t, m.WriteBytes(last, []byte("xy")))

	_, err := m.ReadString(last, -1)
	require.True(t, errors.Is(err, ErrFault))

	s, err := m.ReadString(last, 2)
	require.NoError(t, err)
	require.Equal(t, "xy", s)
}

func TestWords(t *testing.T) {
	m, _ := attached(1, 0)

	require.NoError(t, m.WriteUint32(8, 0xdeadbeef))

	v, err := m.ReadUint32(8)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)

	raw, err := m.ReadBytes(8, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, raw)

	_, err = m.ReadUint32(PageSize - 2)
	require.True(t, errors.Is(err, ErrFault))

	err = m.WriteBytes(PageSize-1, []byte{1, 2})
	require.True(t, errors.Is(err, ErrFault))
}

func TestReadPackedArgs(t *testing.T) {
	m, _ := attached(1, 0)

	words := []int32{1, -2, 3, 0x7fffffff, -1, 6}
	for i, w := range words {
		require.NoError(t, m.WriteUint32(uint32(256+4*i), uint32(w)))
	}

	args, err := m.ReadPackedArgs(256)
	require.NoError(t, err)
	require.Equal(t, [PackedArgs]int32{1, -2, 3, 0x7fffffff, -1, 6}, args)

	_, err = m.ReadPackedArgs(PageSize - 8)
	require.True(t, errors.Is(err, ErrFault))
}

package syscalls

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"

	"github.com/sbsoftware/wasem/abi"
	"github.com/sbsoftware/wasem/kernel"
	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/memory"
	"github.com/sbsoftware/wasem/vfs"
)

type fixture struct {
	d      *Dispatcher
	k      *kernel.Kernel
	stdout bytes.Buffer
	writes int
}

// countingWriter records each underlying write.
type countingWriter struct {
	f *fixture
}

func (c countingWriter) Write(p []byte) (int, error) {
	c.f.writes++
	return c.f.stdout.Write(p)
}

func setup(t *testing.T, cfg kernel.Config) *fixture {
	t.Helper()

	f := &fixture{}

	if cfg.Namespace == nil {
		cfg.Namespace = vfs.NewNamespace()
		cfg.Namespace.Mount(vfs.DocumentPath, vfs.String("<html>0123456789</html>"))
	}
	cfg.Stdout = countingWriter{f}
	cfg.Stderr = countingWriter{f}
	cfg.RawStdio = true
	cfg.Logger = log.Discard()

	f.k = kernel.New(cfg)
	f.k.Mem.Attach(memory.NewSlice(1, 4))
	require.NoError(t, f.k.Mem.SetHeapBase(8192))

	f.d = NewDispatcher(f.k, log.Discard())

	return f
}

func (f *fixture) call(no abi.Sysno, args ...int32) int32 {
	return f.d.Direct(context.Background(), int32(no), args...)
}

func (f *fixture) cstring(t *testing.T, ptr uint32, s string) int32 {
	require.NoError(t, f.k.Mem.WriteBytes(ptr, append([]byte(s), 0)))
	return int32(ptr)
}

func TestUnknownSyscall(t *testing.T) {
	f := setup(t, kernel.Config{})

	require.Equal(t, int32(-38), f.call(999))
	require.Equal(t, int32(-38), f.call(2))
	require.Equal(t, int32(-38), f.call(-5))
	require.False(t, Implemented(2))
}

func TestHandlerSetIsClosed(t *testing.T) {
	require.Equal(t, abi.Sysnos, Numbers())

	for _, no := range abi.Sysnos {
		require.True(t, Implemented(no), no.String())
	}
}

func TestPackedAndDirectAgree(t *testing.T) {
	f := setup(t, kernel.Config{})
	ctx := context.Background()

	const argPtr = 1024
	for i, v := range []int32{3, 0, 0, 0, 0, 0} {
		require.NoError(t, f.k.Mem.WriteUint32(uint32(argPtr+4*i), uint32(v)))
	}

	require.Equal(t, int32(1), f.d.Packed(ctx, int32(abi.SysGettid), argPtr))
	require.Equal(t, f.call(abi.SysGettid), f.d.Packed(ctx, int32(abi.SysGettid), argPtr))

	// fcntl64 on fd 3, which is not open.
	require.Equal(t, int32(-abi.EBADF), f.d.Packed(ctx, int32(abi.SysFcntl64), argPtr))
	require.Equal(t, int32(-abi.EBADF), f.call(abi.SysFcntl64, 3, 0, 0))

	require.Equal(t, int32(-abi.EFAULT), f.d.Packed(ctx, int32(abi.SysGettid), memory.PageSize-4))
}

func TestBrkProperties(t *testing.T) {
	f := setup(t, kernel.Config{})

	for _, addr := range []int32{0, 1, 4096, 8192} {
		require.Equal(t, int32(8192), f.call(abi.SysBrk, addr))
	}

	prev := int32(0)
	for _, addr := range []int32{8193, 9000, 70000, 200000} {
		ret := f.call(abi.SysBrk, addr)
		require.Equal(t, addr, ret)
		require.GreaterOrEqual(t, ret, prev)
		prev = ret
	}

	require.GreaterOrEqual(t, f.k.Mem.Size(), uint32(200000))

	// Past the four page limit: the break stays put.
	require.Equal(t, int32(200000), f.call(abi.SysBrk, 5*memory.PageSize))
}

func TestWritev(t *testing.T) {
	f := setup(t, kernel.Config{})

	f.cstring(t, 100, "hello ")
	f.cstring(t, 200, "world")

	iov := []uint32{100, 6, 300, 0, 200, 5}
	for i, v := range iov {
		require.NoError(t, f.k.Mem.WriteUint32(uint32(512+4*i), v))
	}

	ret := f.call(abi.SysWritev, 1, 512, 3)
	require.Equal(t, int32(11), ret)
	require.Equal(t, 2, f.writes)
	require.Equal(t, "hello world", f.stdout.String())

	fd := f.call(abi.SysOpen, f.cstring(t, 700, vfs.DocumentPath), 0)
	require.Equal(t, int32(3), fd)
	require.Equal(t, int32(-1), f.call(abi.SysWritev, fd, 512, 3))
	require.Equal(t, int32(-1), f.call(abi.SysWritev, 9, 512, 3))

	require.Equal(t, int32(-abi.EFAULT), f.call(abi.SysWritev, 1, memory.PageSize-4, 1))
}

func TestWrite(t *testing.T) {
	f := setup(t, kernel.Config{})

	// Bytes past an embedded NUL are written too.
	require.NoError(t, f.k.Mem.WriteBytes(100, []byte("ab\x00cd")))

	require.Equal(t, int32(5), f.call(abi.SysWrite, 2, 100, 5))
	require.Equal(t, "ab\x00cd", f.stdout.String())

	require.Equal(t, int32(-abi.EBADF), f.call(abi.SysWrite, 9, 100, 5))
	require.Equal(t, int32(-abi.EBADF), f.call(abi.SysWrite, 0, 100, 5))
	require.Equal(t, int32(-abi.EFAULT), f.call(abi.SysWrite, 1, memory.PageSize-2, 5))
	require.Equal(t, int32(-abi.EINVAL), f.call(abi.SysWrite, 1, 100, -1))

	// Dynamic descriptors accept writes and drop them.
	fd := f.call(abi.SysOpen, f.cstring(t, 700, vfs.DocumentPath), 0)
	require.Equal(t, int32(5), f.call(abi.SysWrite, fd, 100, 5))
}

func TestOpenReadClose(t *testing.T) {
	f := setup(t, kernel.Config{})

	path := f.cstring(t, 64, vfs.DocumentPath)

	fd := f.call(abi.SysOpen, path, 0)
	require.Equal(t, int32(3), fd)
	require.Equal(t, int32(4), f.call(abi.SysOpen, path, 0))

	require.Equal(t, int32(10), f.call(abi.SysRead, fd, 1000, 10))
	require.Equal(t, int32(10), f.call(abi.SysRead, fd, 1010, 10))
	require.Equal(t, int32(3), f.call(abi.SysRead, fd, 1020, 10))
	require.Equal(t, int32(0), f.call(abi.SysRead, fd, 1030, 10))

	got, err := f.k.Mem.ReadBytes(1000, 23)
	require.NoError(t, err)
	require.Equal(t, "<html>0123456789</html>", string(got))

	require.Equal(t, int32(0), f.call(abi.SysClose, fd))
	require.Equal(t, int32(0), f.call(abi.SysClose, fd))
	require.Equal(t, int32(-abi.EBADF), f.call(abi.SysRead, fd, 1000, 10))

	require.Equal(t, int32(3), f.call(abi.SysOpen, path, 0))

	require.Equal(t, int32(-abi.ENOENT), f.call(abi.SysOpen, f.cstring(t, 128, "/etc/passwd"), 0))
	require.Equal(t, int32(-abi.EFAULT), f.call(abi.SysRead, 3, memory.PageSize-4, 10))
}

func TestNoops(t *testing.T) {
	f := setup(t, kernel.Config{})

	require.Equal(t, int32(0), f.call(abi.SysIoctl, 1, 0x5401, 0))
	require.Equal(t, int32(0), f.call(abi.SysRtSigprocmask, 0, 0, 0))
	require.Equal(t, int32(0), f.call(abi.SysTkill, 1, 6))
	require.Equal(t, int32(1), f.call(abi.SysGettid))
}

func TestFcntl(t *testing.T) {
	f := setup(t, kernel.Config{})

	fd := f.call(abi.SysOpen, f.cstring(t, 64, vfs.DocumentPath), 3)
	require.Equal(t, int32(0), f.call(abi.SysFcntl64, fd, abi.F_SETFD, abi.FD_CLOEXEC))

	file, ok := f.k.Files.Get(fd)
	require.True(t, ok)
	require.Equal(t, int32(1), file.Flags)

	require.Equal(t, int32(0), f.call(abi.SysFcntl64, fd, abi.F_GETFD, 0))
}

func TestClockGettime(t *testing.T) {
	at := time.UnixMilli(1700000123456).Add(789 * time.Microsecond)

	t.Run("milliseconds", func(t *testing.T) {
		f := setup(t, kernel.Config{Now: func() time.Time { return at }})

		require.Equal(t, int32(0), f.call(abi.SysClockGettime, 0, 256))

		sec, err := f.k.Mem.ReadUint32(256)
		require.NoError(t, err)
		frac, err := f.k.Mem.ReadUint32(260)
		require.NoError(t, err)

		require.Equal(t, at.UnixMilli(), int64(sec)*1000+int64(frac))
		require.Equal(t, uint32(456), frac)
	})

	t.Run("nanoseconds", func(t *testing.T) {
		f := setup(t, kernel.Config{
			Now:       func() time.Time { return at },
			ClockUnit: kernel.Nanoseconds,
		})

		require.Equal(t, int32(0), f.call(abi.SysClockGettime, 0, 256))

		sec, err := f.k.Mem.ReadUint32(256)
		require.NoError(t, err)
		frac, err := f.k.Mem.ReadUint32(260)
		require.NoError(t, err)

		require.Equal(t, uint32(1700000123), sec)
		require.Equal(t, uint32(456789000), frac)
	})

	t.Run("other clocks", func(t *testing.T) {
		f := setup(t, kernel.Config{})

		require.Equal(t, int32(-abi.EINVAL), f.call(abi.SysClockGettime, 1, 256))
		require.Equal(t, int32(-abi.EFAULT), f.call(abi.SysClockGettime, 0, memory.PageSize-4))
	})

	t.Run("wall clock", func(t *testing.T) {
		f := setup(t, kernel.Config{})

		before := time.Now().UnixMilli()
		require.Equal(t, int32(0), f.call(abi.SysClockGettime, 0, 256))
		after := time.Now().UnixMilli()

		sec, _ := f.k.Mem.ReadUint32(256)
		frac, _ := f.k.Mem.ReadUint32(260)
		ms := int64(sec)*1000 + int64(frac)

		require.GreaterOrEqual(t, ms, before)
		require.LessOrEqual(t, ms, after)
	})
}

func TestExit(t *testing.T) {
	f := setup(t, kernel.Config{})

	exit := func(no abi.Sysno, code int32) (err error) {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			err = r.(error)
		}()

		f.call(no, code)
		return nil
	}

	err := exit(abi.SysExitGroup, 3)

	var exitErr *sys.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, uint32(3), exitErr.ExitCode())

	status, ok := f.k.ExitStatus()
	require.True(t, ok)
	require.Equal(t, int32(3), status)
}

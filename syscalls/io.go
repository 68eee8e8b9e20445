package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/sbsoftware/wasem/abi"
	"github.com/sbsoftware/wasem/kernel"
	"github.com/sbsoftware/wasem/vfs"
)

func fileErrno(err error) int32 {
	switch errors.Cause(err) {
	case kernel.ErrUnknownFile, kernel.ErrNotReadable, kernel.ErrNotWritable:
		return -abi.EBADF
	case vfs.ErrNotExist:
		return -abi.ENOENT
	default:
		return -abi.EIO
	}
}

func sysRead(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	var (
		fd  = args[0]
		ptr = uint32(args[1])
		sz  = args[2]
	)

	if _, ok := k.Files.Get(fd); !ok {
		return -abi.EBADF
	}

	if sz < 0 {
		return -abi.EINVAL
	}

	if uint64(ptr)+uint64(sz) > uint64(k.Mem.Size()) {
		return -abi.EFAULT
	}

	data, err := k.Files.Read(fd, int(sz))
	if err != nil {
		ret := fileErrno(err)
		if ret == -abi.EIO {
			l.Error("error reading file", "fd", fd, "error", err)
		}
		return ret
	}

	if err := k.Mem.WriteBytes(ptr, data); err != nil {
		l.Error("error writing data to userspace", "error", err)
		return -abi.EFAULT
	}

	return int32(len(data))
}

func sysWrite(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	var (
		fd  = args[0]
		ptr = uint32(args[1])
		sz  = args[2]
	)

	if _, ok := k.Files.Get(fd); !ok {
		return -abi.EBADF
	}

	if sz < 0 {
		return -abi.EINVAL
	}

	data, err := k.Mem.ReadBytes(ptr, uint32(sz))
	if err != nil {
		l.Error("error reading data from userspace", "error", err)
		return -abi.EFAULT
	}

	if err := k.Files.Write(fd, data); err != nil {
		ret := fileErrno(err)
		if ret == -abi.EIO {
			l.Error("error writing data", "fd", fd, "error", err)
		}
		return ret
	}

	return sz
}

// iovec entries are two words: base pointer and length.
const iovecSize = 8

func sysWritev(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	var (
		fd  = args[0]
		iov = uint32(args[1])
		cnt = args[2]
	)

	// Vectored writes only reach the standard streams.
	if fd > kernel.Stderr {
		return -1
	}

	if _, ok := k.Files.Get(fd); !ok {
		return -abi.EBADF
	}

	var ret int32

	for i := int32(0); i < cnt; i++ {
		entry := iov + uint32(i)*iovecSize

		ptr, err := k.Mem.ReadUint32(entry)
		if err != nil {
			return -abi.EFAULT
		}

		sz, err := k.Mem.ReadUint32(entry + 4)
		if err != nil {
			return -abi.EFAULT
		}

		if sz == 0 {
			continue
		}

		data, err := k.Mem.ReadBytes(ptr, sz)
		if err != nil {
			l.Error("error reading iovec data", "index", i, "error", err)
			return -abi.EFAULT
		}

		if err := k.Files.Write(fd, data); err != nil {
			l.Error("error writing data", "fd", fd, "error", err)
			return fileErrno(err)
		}

		ret += int32(sz)
	}

	return ret
}

func sysOpen(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	var (
		pathPtr = uint32(args[0])
		flags   = args[1]
	)

	path, err := k.Mem.ReadString(pathPtr, abi.PathMax)
	if err != nil {
		return -abi.EFAULT
	}

	fd, err := k.Files.Open(path, flags)
	if err != nil {
		ret := fileErrno(err)
		if ret == -abi.EIO {
			l.Error("error opening file", "path", path, "error", err)
		}
		return ret
	}

	l.Debug("opened file", "path", path, "fd", fd)

	return fd
}

func sysClose(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	k.Files.Close(args[0])
	return 0
}

func sysFcntl64(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	var (
		fd  = args[0]
		cmd = args[1]
		arg = args[2]
	)

	if err := k.Files.Fcntl(fd, cmd, arg); err != nil {
		return fileErrno(err)
	}

	return 0
}

func sysIoctl(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	return 0
}

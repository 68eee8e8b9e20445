// Package abi holds the numeric contract between guests and the kernel:
// errno values, syscall numbers and the few flag constants the handlers
// interpret. The values are the i386 Linux ones regardless of the host.
package abi

// Errno values. Handlers return them negated.
const (
	EPERM  = 1
	ENOENT = 2
	EIO    = 5
	EBADF  = 9
	ENOMEM = 12
	EFAULT = 14
	EINVAL = 22
	ENOSYS = 38
)

var errnoNames = map[int32]string{
	EPERM:  "EPERM",
	ENOENT: "ENOENT",
	EIO:    "EIO",
	EBADF:  "EBADF",
	ENOMEM: "ENOMEM",
	EFAULT: "EFAULT",
	EINVAL: "EINVAL",
	ENOSYS: "ENOSYS",
}

// ErrnoName returns the symbolic name of a syscall result if it is a
// known negated errno, or "" otherwise.
func ErrnoName(ret int32) string {
	if ret >= 0 {
		return ""
	}
	return errnoNames[-ret]
}

package abi

// fcntl commands and descriptor flags.
const (
	F_GETFD = 1
	F_SETFD = 2

	FD_CLOEXEC = 1
)

// Clock ids accepted by clock_gettime.
const (
	CLOCK_REALTIME = 0
)

// PathMax bounds the path strings read by open.
const PathMax = 4096

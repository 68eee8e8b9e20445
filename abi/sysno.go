package abi

import "strconv"

// Sysno is a syscall number. The set of numbers the kernel serves is
// closed: every constant below has a handler in package syscalls.
type Sysno int32

const (
	SysExit          Sysno = 1
	SysRead          Sysno = 3
	SysWrite         Sysno = 4
	SysOpen          Sysno = 5
	SysClose         Sysno = 6
	SysBrk           Sysno = 45
	SysIoctl         Sysno = 54
	SysWritev        Sysno = 146
	SysRtSigprocmask Sysno = 175
	SysFcntl64       Sysno = 221
	SysGettid        Sysno = 224
	SysTkill         Sysno = 238
	SysExitGroup     Sysno = 252
	SysClockGettime  Sysno = 265
)

// Sysnos lists every served syscall in ascending order.
var Sysnos = []Sysno{
	SysExit,
	SysRead,
	SysWrite,
	SysOpen,
	SysClose,
	SysBrk,
	SysIoctl,
	SysWritev,
	SysRtSigprocmask,
	SysFcntl64,
	SysGettid,
	SysTkill,
	SysExitGroup,
	SysClockGettime,
}

var sysnoNames = map[Sysno]string{
	SysExit:          "exit",
	SysRead:          "read",
	SysWrite:         "write",
	SysOpen:          "open",
	SysClose:         "close",
	SysBrk:           "brk",
	SysIoctl:         "ioctl",
	SysWritev:        "writev",
	SysRtSigprocmask: "rt_sigprocmask",
	SysFcntl64:       "fcntl64",
	SysGettid:        "gettid",
	SysTkill:         "tkill",
	SysExitGroup:     "exit_group",
	SysClockGettime:  "clock_gettime",
}

func (s Sysno) String() string {
	if name, ok := sysnoNames[s]; ok {
		return name
	}
	return "sys_" + strconv.Itoa(int(s))
}

// Package syscalls turns guest syscall requests into kernel operations.
//
// Two trampoline conventions reach the same handler table: the direct one
// passes the number and up to six arguments, the packed one passes the
// number and a pointer to six words in linear memory. Handlers never fail
// with a Go error; they return a negated errno.
package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sbsoftware/wasem/abi"
	"github.com/sbsoftware/wasem/kernel"
	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/memory"
)

// Args are the six argument registers of a request.
type Args [memory.PackedArgs]int32

type Request struct {
	No   abi.Sysno
	Args Args
}

type handler func(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32

var handlers = [...]handler{
	abi.SysExit:          sysExit,
	abi.SysRead:          sysRead,
	abi.SysWrite:         sysWrite,
	abi.SysOpen:          sysOpen,
	abi.SysClose:         sysClose,
	abi.SysBrk:           sysBrk,
	abi.SysIoctl:         sysIoctl,
	abi.SysWritev:        sysWritev,
	abi.SysRtSigprocmask: sysRtSigprocmask,
	abi.SysFcntl64:       sysFcntl64,
	abi.SysGettid:        sysGettid,
	abi.SysTkill:         sysTkill,
	abi.SysExitGroup:     sysExitGroup,
	abi.SysClockGettime:  sysClockGettime,
}

func lookup(no abi.Sysno) handler {
	if no < 0 || int(no) >= len(handlers) {
		return nil
	}
	return handlers[no]
}

// Implemented reports whether no has a handler.
func Implemented(no abi.Sysno) bool {
	return lookup(no) != nil
}

// Numbers lists the implemented syscalls in ascending order.
func Numbers() []abi.Sysno {
	var out []abi.Sysno
	for i, h := range handlers {
		if h != nil {
			out = append(out, abi.Sysno(i))
		}
	}
	return out
}

// Dispatcher serves the requests of one kernel.
type Dispatcher struct {
	L      hclog.Logger
	Kernel *kernel.Kernel
}

func NewDispatcher(k *kernel.Kernel, l hclog.Logger) *Dispatcher {
	if l == nil {
		l = log.L.Named("syscall")
	}

	return &Dispatcher{L: l, Kernel: k}
}

// Dispatch runs req and returns the guest-visible result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) int32 {
	h := lookup(req.No)
	if h == nil {
		ret := int32(-abi.ENOSYS)
		d.L.Debug("unimplemented syscall", "sysno", int32(req.No), "ret", ret)
		return ret
	}

	if d.L.IsTrace() {
		d.L.Trace("syscall", "sysno", int32(req.No), "name", req.No.String(), "args", req.Args[:])
	}

	ret := h(ctx, d.L, d.Kernel, req.Args)

	if d.L.IsTrace() {
		d.L.Trace("syscall result", "name", req.No.String(), "ret", ret, "errno", abi.ErrnoName(ret))
	}

	return ret
}

// Direct serves the direct convention. Arguments past the sixth are
// ignored.
func (d *Dispatcher) Direct(ctx context.Context, no int32, args ...int32) int32 {
	req := Request{No: abi.Sysno(no)}
	copy(req.Args[:], args)

	return d.Dispatch(ctx, req)
}

// Packed serves the packed convention, reading the arguments from argPtr.
func (d *Dispatcher) Packed(ctx context.Context, no int32, argPtr uint32) int32 {
	args, err := d.Kernel.Mem.ReadPackedArgs(argPtr)
	if err != nil {
		d.L.Error("error reading syscall arguments", "sysno", no, "ptr", argPtr, "error", err)
		return -abi.EFAULT
	}

	return d.Dispatch(ctx, Request{No: abi.Sysno(no), Args: args})
}

package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero/sys"

	"github.com/sbsoftware/wasem/kernel"
)

func sysBrk(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	return int32(k.Brk(uint32(args[0])))
}

// The guest is a single thread of a single process.
const tid = 1

func sysGettid(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	return tid
}

func sysTkill(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	l.Debug("ignoring tkill", "tid", args[0], "sig", args[1])
	return 0
}

func sysRtSigprocmask(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	return 0
}

// exit never returns to the guest: the status is recorded and the call
// stack is torn down with an ExitError, which wazero passes to whoever
// called into the guest.
func sysExit(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	code := args[0] & 0xff

	l.Debug("guest exit", "code", code)

	k.Exit(code)
	panic(sys.NewExitError(uint32(code)))
}

func sysExitGroup(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	return sysExit(ctx, l, k, args)
}

package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/sbsoftware/wasem/abi"
	"github.com/sbsoftware/wasem/kernel"
)

func sysClockGettime(ctx context.Context, l hclog.Logger, k *kernel.Kernel, args Args) int32 {
	var (
		clk = args[0]
		ptr = uint32(args[1])
	)

	if clk != abi.CLOCK_REALTIME {
		return -abi.EINVAL
	}

	now := k.Now()

	var sec, frac int64

	switch k.ClockUnit() {
	case kernel.Nanoseconds:
		sec = now.Unix()
		frac = int64(now.Nanosecond())
	default:
		ms := now.UnixMilli()
		sec = ms / 1000
		frac = ms - sec*1000
	}

	if err := k.Mem.WriteUint32(ptr, uint32(sec)); err != nil {
		return -abi.EFAULT
	}

	if err := k.Mem.WriteUint32(ptr+4, uint32(frac)); err != nil {
		return -abi.EFAULT
	}

	return 0
}

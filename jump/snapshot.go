package jump

import (
	"context"
	"encoding/binary"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/memory"
)

// checkpoint is the state saved by one setjmp.
type checkpoint struct {
	snapshot     experimental.Snapshot
	stackPointer uint32
	cstack       []byte
}

// Snapshots implements setjmp and longjmp for guests that import them
// directly, using wazero's snapshotter instead of a jump table. setjmp
// saves the engine state and the C stack between __stack_pointer and
// __heap_base; longjmp puts both back so that setjmp returns again.
//
// Calls into the guest must carry a context from experimental.WithSnapshotter.
type Snapshots struct {
	L   hclog.Logger
	Mem *memory.Memory

	checkpoints []*checkpoint
}

func NewSnapshots(mem *memory.Memory, l hclog.Logger) *Snapshots {
	if l == nil {
		l = log.L.Named("setjmp")
	}

	return &Snapshots{L: l, Mem: mem}
}

// Len is the number of checkpoints taken.
func (s *Snapshots) Len() int {
	return len(s.checkpoints)
}

func globalValue(mod api.Module, name string) (uint32, bool) {
	g := mod.ExportedGlobal(name)
	if g == nil {
		return 0, false
	}
	return uint32(g.Get()), true
}

// Setjmp takes a checkpoint and writes its index to the 8-byte jmp_buf
// at bufPtr. It returns 0; a later Longjmp makes it return again with
// the longjmp value. mod is the calling guest.
func (s *Snapshots) Setjmp(ctx context.Context, mod api.Module, bufPtr uint32) int32 {
	snap := experimental.GetSnapshotter(ctx).Snapshot()

	cp := &checkpoint{snapshot: snap}

	sp, spOK := globalValue(mod, "__stack_pointer")
	heapBase, hbOK := globalValue(mod, "__heap_base")

	if spOK && hbOK && sp < heapBase {
		view, err := s.Mem.ReadBytes(sp, heapBase-sp)
		if err == nil {
			cp.stackPointer = sp
			cp.cstack = view
		}
	}

	idx := len(s.checkpoints)
	s.checkpoints = append(s.checkpoints, cp)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(idx))

	if err := s.Mem.WriteBytes(bufPtr, buf[:]); err != nil {
		panic(errors.Wrap(err, "setjmp: store checkpoint index"))
	}

	s.L.Trace("setjmp", "checkpoint", idx, "sp", sp)

	return 0
}

// Longjmp restores the checkpoint named by the jmp_buf at bufPtr. It
// does not return.
func (s *Snapshots) Longjmp(ctx context.Context, mod api.Module, bufPtr uint32, val int32) {
	raw, err := s.Mem.ReadBytes(bufPtr, 8)
	if err != nil {
		panic(errors.Wrap(err, "longjmp: read jmp_buf"))
	}

	idx := binary.LittleEndian.Uint64(raw)
	if idx >= uint64(len(s.checkpoints)) {
		panic(errors.Errorf("longjmp: unknown checkpoint %d", idx))
	}

	if val == 0 {
		val = 1
	}

	cp := s.checkpoints[idx]

	if len(cp.cstack) > 0 {
		if g, ok := mod.ExportedGlobal("__stack_pointer").(api.MutableGlobal); ok {
			g.Set(uint64(cp.stackPointer))
		}

		if err := s.Mem.WriteBytes(cp.stackPointer, cp.cstack); err != nil {
			panic(errors.Wrap(err, "longjmp: restore C stack"))
		}
	}

	s.L.Trace("longjmp", "checkpoint", idx, "value", val)

	cp.snapshot.Restore([]uint64{uint64(uint32(val))})
}

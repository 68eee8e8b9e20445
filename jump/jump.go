// Package jump emulates setjmp/longjmp for guests that have no native
// stack unwinding.
//
// A setjmp site records a (jump id, label) pair in a table the guest owns
// (Mark) and later looks the id up again (Test). A longjmp aborts the
// guest call stack with an Unwind. Calls made through the invoke_*
// trampolines run under Invoke, which is the only place an Unwind is
// caught: it restores the C stack and hands the target to the guest's
// setThrew so the guest resumes at its setjmp site.
package jump

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/memory"
)

var ErrNoExport = errors.New("guest does not export function")

// Guest is the part of the guest module the emulator calls back into.
// Methods return ErrNoExport when the export is missing.
type Guest interface {
	SetThrew(ctx context.Context, threw, value int32) error
	SetTempRet0(ctx context.Context, v int32) error
	StackSave(ctx context.Context) (int32, error)
	StackRestore(ctx context.Context, sp int32) error
	Realloc(ctx context.Context, ptr, size uint32) (uint32, error)
}

// Slots of the jump table are two words, id then label. An id of zero
// ends the table.
const slotSize = 8

type Emulator struct {
	L     hclog.Logger
	Mem   *memory.Memory
	Guest Guest

	lastID   int32
	tempRet0 int32
}

func New(mem *memory.Memory, l hclog.Logger) *Emulator {
	if l == nil {
		l = log.L.Named("jump")
	}

	return &Emulator{L: l, Mem: mem}
}

// TempRet0 is the side-channel return register.
func (e *Emulator) TempRet0() int32 {
	return e.tempRet0
}

func (e *Emulator) SetTempRet0(v int32) {
	e.tempRet0 = v
}

// LastID is the most recently issued jump id.
func (e *Emulator) LastID() int32 {
	return e.lastID
}

func (e *Emulator) reportSize(ctx context.Context, size uint32) {
	e.tempRet0 = int32(size)

	if e.Guest == nil {
		return
	}

	if err := e.Guest.SetTempRet0(ctx, int32(size)); err != nil && errors.Cause(err) != ErrNoExport {
		e.L.Warn("error setting guest tempRet0", "error", err)
	}
}

// Mark issues a fresh jump id, stores it at env and records (id, label)
// in the first free slot of the size-slot table, followed by a zero
// sentinel. The table's logical size goes to tempRet0. When every slot
// is taken the table is doubled through the guest's realloc, which may
// move it; the returned pointer is where the table now lives.
func (e *Emulator) Mark(ctx context.Context, env, label int32, table, size uint32) (uint32, error) {
	e.lastID++
	id := e.lastID

	if err := e.Mem.WriteUint32(uint32(env), uint32(id)); err != nil {
		return table, errors.Wrap(err, "store jump id")
	}

	for i := uint32(0); i < size; i++ {
		slot := table + i*slotSize

		cur, err := e.Mem.ReadUint32(slot)
		if err != nil {
			return table, errors.Wrap(err, "scan jump table")
		}

		if cur != 0 {
			continue
		}

		if err := e.fill(slot, id, label); err != nil {
			return table, err
		}

		e.reportSize(ctx, size)
		return table, nil
	}

	if e.Guest == nil {
		e.L.Error("jump table full and no realloc available", "size", size)
		e.reportSize(ctx, size)
		return table, nil
	}

	grown := size * 2
	if grown == 0 {
		grown = 1
	}

	moved, err := e.Guest.Realloc(ctx, table, slotSize*(grown+1))
	if err != nil {
		if errors.Cause(err) == ErrNoExport {
			e.L.Error("jump table full and no realloc available", "size", size)
			e.reportSize(ctx, size)
			return table, nil
		}
		return table, errors.Wrap(err, "grow jump table")
	}

	if moved == 0 {
		return table, errors.New("guest realloc returned null for jump table")
	}

	e.L.Debug("grew jump table", "size", size, "new-size", grown, "table", moved)

	// The old sentinel slot is the first free one after the copy.
	if err := e.fill(moved+size*slotSize, id, label); err != nil {
		return moved, err
	}

	e.reportSize(ctx, grown)
	return moved, nil
}

// fill writes the slot with the id last, so a scan that observes the id
// also observes the label and the sentinel after it.
func (e *Emulator) fill(slot uint32, id, label int32) error {
	if err := e.Mem.WriteUint32(slot+4, uint32(label)); err != nil {
		return errors.Wrap(err, "store jump label")
	}

	if err := e.Mem.WriteUint32(slot+slotSize, 0); err != nil {
		return errors.Wrap(err, "store jump table sentinel")
	}

	if err := e.Mem.WriteUint32(slot, uint32(id)); err != nil {
		return errors.Wrap(err, "store jump id")
	}

	return nil
}

// Test returns the label recorded for id, or 0 when the table has no
// such entry.
func (e *Emulator) Test(id int32, table, size uint32) (int32, error) {
	for i := uint32(0); i < size; i++ {
		slot := table + i*slotSize

		cur, err := e.Mem.ReadUint32(slot)
		if err != nil {
			return 0, errors.Wrap(err, "scan jump table")
		}

		if cur == 0 {
			break
		}

		if int32(cur) == id {
			label, err := e.Mem.ReadUint32(slot + 4)
			if err != nil {
				return 0, errors.Wrap(err, "read jump label")
			}
			return int32(label), nil
		}
	}

	return 0, nil
}

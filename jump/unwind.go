package jump

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Unwind aborts the guest call stack on its way to a setjmp site. It is
// raised by Throw and recognized only by the emulator that raised it.
type Unwind struct {
	owner *Emulator

	// Target is handed to the guest's setThrew as its first argument.
	// For fastcomp guests it is the jmp_buf address.
	Target int32
	Value  int32
}

func (u *Unwind) Error() string {
	return fmt.Sprintf("longjmp to %d with value %d", u.Target, u.Value)
}

// Throw starts an unwind. It does not return. A zero value is delivered
// as 1, as longjmp requires.
func (e *Emulator) Throw(target, value int32) {
	if value == 0 {
		value = 1
	}

	e.L.Trace("longjmp", "target", target, "value", value)

	panic(&Unwind{owner: e, Target: target, Value: value})
}

// ThrowJmpbuf is Throw for a jmp_buf address, which must lie in linear
// memory.
func (e *Emulator) ThrowJmpbuf(env, value int32) error {
	if _, err := e.Mem.ReadUint32(uint32(env)); err != nil {
		return errors.Wrap(err, "longjmp through invalid jmp_buf")
	}

	e.Throw(env, value)
	return nil
}

type Kind int

const (
	// Normal is a call that returned.
	Normal Kind = iota

	// Unwinding is a call aborted by this emulator's Throw.
	Unwinding

	// Fault is any other failure, including unwinds of other emulators.
	Fault
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Unwinding:
		return "unwinding"
	default:
		return "fault"
	}
}

// Result is the outcome of a call made through a trampoline.
type Result struct {
	Kind    Kind
	Results []uint64

	Target int32
	Value  int32

	Err error
}

// Classify tags the outcome of a guest call.
func (e *Emulator) Classify(results []uint64, err error) Result {
	if err == nil {
		return Result{Kind: Normal, Results: results}
	}

	var u *Unwind
	if errors.As(err, &u) && u.owner == e {
		return Result{Kind: Unwinding, Target: u.Target, Value: u.Value}
	}

	return Result{Kind: Fault, Err: err}
}

// Invoke runs call the way an invoke_* trampoline does. A normal return
// passes the results through. An unwind from this emulator restores the
// C stack, reports the target to setThrew and returns no results and no
// error; the guest then finds its setjmp site with Test. Any other
// failure comes back unchanged.
func (e *Emulator) Invoke(ctx context.Context, call func(context.Context) ([]uint64, error)) ([]uint64, error) {
	sp, spErr := e.stackSave(ctx)

	r := e.Classify(call(ctx))

	switch r.Kind {
	case Normal:
		return r.Results, nil
	case Unwinding:
		if spErr == nil {
			if err := e.Guest.StackRestore(ctx, sp); err != nil {
				return nil, errors.Wrap(err, "restore stack after longjmp")
			}
		}

		if e.Guest == nil {
			return nil, errors.New("longjmp caught without a guest to resume")
		}

		if err := e.Guest.SetThrew(ctx, r.Target, r.Value); err != nil {
			return nil, errors.Wrap(err, "setThrew")
		}

		return nil, nil
	default:
		return nil, r.Err
	}
}

func (e *Emulator) stackSave(ctx context.Context) (int32, error) {
	if e.Guest == nil {
		return 0, ErrNoExport
	}

	return e.Guest.StackSave(ctx)
}

package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/sbsoftware/wasem/log"
	"github.com/sbsoftware/wasem/source"
	"github.com/sbsoftware/wasem/wasmbin"
)

var (
	i32   = []wasmbin.ValType{wasmbin.I32}
	i32x2 = []wasmbin.ValType{wasmbin.I32, wasmbin.I32}
	i32x4 = []wasmbin.ValType{wasmbin.I32, wasmbin.I32, wasmbin.I32, wasmbin.I32}
)

func words(ws ...uint32) []byte {
	out := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// helloGuest writes "hello\n" to stdout once through each syscall
// convention and needs a table of 40.
func helloGuest() []byte {
	b := wasmbin.NewBuilder()
	sys3 := b.ImportFunc("env", "__syscall3", i32x4, i32)
	packed := b.ImportFunc("env", "__syscall", i32x2, i32)
	b.ImportMemory("env", "memory", wasmbin.Unbounded(1))
	b.ImportTable("env", "__indirect_function_table", wasmbin.Unbounded(40))

	nop := b.Func(nil, nil, nil, wasmbin.NewCode())
	main := b.Func(nil, nil, nil, wasmbin.NewCode().
		I32Const(4).I32Const(1).I32Const(1024).I32Const(6).Call(sys3).Drop().
		I32Const(4).I32Const(1040).Call(packed).Drop())
	heap := b.GlobalI32(false, 2048)

	b.Export("main", wasmbin.ExternFunc, main)
	b.Export("__heap_base", wasmbin.ExternGlobal, heap)
	b.Elem(0, 39, nop)
	b.Data(1024, []byte("hello\n"))
	b.Data(1040, words(1, 1024, 6, 0, 0, 0))

	return b.Bytes()
}

func newLoader(t *testing.T) *Loader {
	ld, err := NewLoader(Config{Logger: log.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ld.Close(context.Background()) })
	return ld
}

func load(t *testing.T, ld *Loader, raw []byte, opts Options) *Instance {
	ctx := context.Background()

	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.InitialMemoryPages == 0 {
		opts.InitialMemoryPages = 2
	}

	inst, err := ld.LoadBytes(ctx, "test", raw, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(ctx) })

	return inst
}

func TestLoadSizesTableFromImports(t *testing.T) {
	var out bytes.Buffer

	inst := load(t, newLoader(t), helloGuest(), Options{Stdout: &out})

	require.Equal(t, "hello\nhello\n", out.String())
	require.True(t, inst.Manifest.TableKnown)
	require.Equal(t, 1, inst.Attempts())
	require.Equal(t, uint32(40), inst.TableSize())

	base, ok := inst.Kernel.Mem.HeapBase()
	require.True(t, ok)
	require.Equal(t, uint32(2048), base)
	require.Equal(t, uint32(2*65536), inst.Memory().Size())

	_, exited := inst.ExitCode()
	require.False(t, exited)
}

func TestLoadNegotiatesWithoutInspection(t *testing.T) {
	var out bytes.Buffer

	inst := load(t, newLoader(t), helloGuest(), Options{Stdout: &out, DisableInspection: true})

	require.False(t, inst.Manifest.TableKnown)
	require.Equal(t, 2, inst.Attempts())
	require.Equal(t, uint32(40), inst.TableSize())
	require.Equal(t, "hello\nhello\n", out.String())
}

func TestLoadReusesManifest(t *testing.T) {
	ld := newLoader(t)

	a := load(t, ld, helloGuest(), Options{Stdout: &bytes.Buffer{}})
	b := load(t, ld, helloGuest(), Options{Stdout: &bytes.Buffer{}})

	require.Same(t, a.Manifest, b.Manifest)
	require.NotSame(t, a.Kernel, b.Kernel)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.wasm")
	require.NoError(t, os.WriteFile(path, helloGuest(), 0o644))

	var out bytes.Buffer
	ctx := context.Background()

	inst, err := newLoader(t).Load(ctx, path, Options{
		Stdout:             &out,
		InitialMemoryPages: 2,
		Logger:             log.Discard(),
	})
	require.NoError(t, err)
	defer inst.Close(ctx)

	require.Equal(t, "hello", inst.Name)
	require.Equal(t, "hello\nhello\n", out.String())
}

func TestLoadRejectsNonWasm(t *testing.T) {
	_, err := newLoader(t).LoadBytes(context.Background(), "junk", []byte("#!/bin/sh\n"), Options{Logger: log.Discard()})
	require.ErrorIs(t, err, source.ErrNotWasm)
}

func TestCustomImportsOverride(t *testing.T) {
	var out bytes.Buffer
	calls := 0

	inst := load(t, newLoader(t), helloGuest(), Options{
		Stdout: &out,
		CustomImports: map[string]HostFunc{
			"__syscall3": {
				Fn: func(ctx context.Context, _ api.Module, stack []uint64) {
					calls++
					stack[0] = api.EncodeI32(0)
				},
				Params:  i32s(4),
				Results: i32s(1),
			},
		},
	})

	require.NotNil(t, inst)
	require.Equal(t, 1, calls)
	require.Equal(t, "hello\n", out.String())
}

// longjmpGuest calls a function through invoke_vi that longjmps; its
// setThrew records what the trampoline reports.
func longjmpGuest() []byte {
	b := wasmbin.NewBuilder()
	b.ImportMemory("env", "memory", wasmbin.Unbounded(1))
	b.ImportTable("env", "table", wasmbin.Unbounded(2))
	invoke := b.ImportFunc("env", "invoke_vi", i32x2, nil)
	longjmp := b.ImportFunc("env", "emscripten_longjmp", i32x2, nil)

	threw := b.GlobalI32(true, 0)
	value := b.GlobalI32(true, 0)

	thrower := b.Func(i32, nil, nil, wasmbin.NewCode().LocalGet(0).I32Const(5).Call(longjmp))
	setThrew := b.Func(i32x2, nil, nil, wasmbin.NewCode().
		LocalGet(0).GlobalSet(threw).
		LocalGet(1).GlobalSet(value))
	main := b.Func(nil, nil, nil, wasmbin.NewCode().I32Const(1).I32Const(99).Call(invoke))

	b.Export("main", wasmbin.ExternFunc, main)
	b.Export("setThrew", wasmbin.ExternFunc, setThrew)
	b.Export("threw", wasmbin.ExternGlobal, threw)
	b.Export("threwValue", wasmbin.ExternGlobal, value)
	b.Elem(0, 1, thrower)

	return b.Bytes()
}

func TestInvokeCatchesLongjmp(t *testing.T) {
	inst := load(t, newLoader(t), longjmpGuest(), Options{})

	require.Equal(t, uint64(99), inst.Guest().ExportedGlobal("threw").Get())
	require.Equal(t, uint64(5), inst.Guest().ExportedGlobal("threwValue").Get())
	require.Equal(t, uint32(2), inst.TableSize())
}

// snapshotGuest calls setjmp directly and longjmps back to it once.
func snapshotGuest() []byte {
	b := wasmbin.NewBuilder()
	setjmp := b.ImportFunc("env", "setjmp", i32, i32)
	longjmp := b.ImportFunc("env", "longjmp", i32x2, nil)
	b.ImportMemory("env", "memory", wasmbin.Unbounded(1))

	result := b.GlobalI32(true, 0)

	main := b.Func(nil, nil, i32, wasmbin.NewCode().
		I32Const(512).Call(setjmp).LocalTee(0).
		I32Eqz().If().
		I32Const(512).I32Const(7).Call(longjmp).
		End().
		LocalGet(0).GlobalSet(result))

	b.Export("main", wasmbin.ExternFunc, main)
	b.Export("result", wasmbin.ExternGlobal, result)

	return b.Bytes()
}

func TestSnapshotSetjmp(t *testing.T) {
	inst := load(t, newLoader(t), snapshotGuest(), Options{})

	require.Equal(t, 1, inst.Snapshots.Len())
	require.Equal(t, uint64(7), inst.Guest().ExportedGlobal("result").Get())
}

func exitGuest(code int32) []byte {
	b := wasmbin.NewBuilder()
	sys1 := b.ImportFunc("env", "__syscall1", i32x2, i32)

	main := b.Func(nil, nil, nil, wasmbin.NewCode().I32Const(252).I32Const(code).Call(sys1).Drop())
	b.Export("main", wasmbin.ExternFunc, main)

	return b.Bytes()
}

func TestExitIsRecorded(t *testing.T) {
	inst := load(t, newLoader(t), exitGuest(3), Options{})

	code, ok := inst.ExitCode()
	require.True(t, ok)
	require.Equal(t, uint32(3), code)

	status, ok := inst.Kernel.ExitStatus()
	require.True(t, ok)
	require.Equal(t, int32(3), status)
}

func mysteryGuest(call bool) []byte {
	b := wasmbin.NewBuilder()
	mystery := b.ImportFunc("env", "mystery", nil, nil)

	code := wasmbin.NewCode()
	if call {
		code.Call(mystery)
	}
	b.Export("main", wasmbin.ExternFunc, b.Func(nil, nil, nil, code))

	return b.Bytes()
}

func TestUnresolvedImports(t *testing.T) {
	ctx := context.Background()
	ld := newLoader(t)

	_, err := ld.LoadBytes(ctx, "m", mysteryGuest(false), Options{Logger: log.Discard()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "mystery")

	inst := load(t, ld, mysteryGuest(false), Options{StubMissingImports: true})
	require.Equal(t, 1, inst.Attempts())

	_, err = ld.LoadBytes(ctx, "m", mysteryGuest(true), Options{StubMissingImports: true, Logger: log.Discard()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unresolved import env.mystery")
}

func TestLoadGuestWithoutMemory(t *testing.T) {
	b := wasmbin.NewBuilder()
	b.Export("main", wasmbin.ExternFunc, b.Func(nil, nil, nil, wasmbin.NewCode()))

	inst := load(t, newLoader(t), b.Bytes(), Options{})

	require.NotNil(t, inst.Memory())
	require.Equal(t, uint32(2*65536), inst.Memory().Size())
	require.Equal(t, uint32(2*65536), inst.Kernel.Mem.Size())
}

func TestLoadGuestDefiningMemory(t *testing.T) {
	b := wasmbin.NewBuilder()
	sys3 := b.ImportFunc("env", "__syscall3", i32x4, i32)
	mem := b.Memory(wasmbin.Limits{Min: 3})

	main := b.Func(nil, nil, nil, wasmbin.NewCode().
		I32Const(4).I32Const(1).I32Const(16).I32Const(4).Call(sys3).Drop())
	b.Export("main", wasmbin.ExternFunc, main)
	b.Export("memory", wasmbin.ExternMemory, mem)
	b.Data(16, []byte("own\n"))

	var out bytes.Buffer
	inst := load(t, newLoader(t), b.Bytes(), Options{Stdout: &out})

	require.Equal(t, "own\n", out.String())
	require.Equal(t, uint32(3*65536), inst.Memory().Size())
	require.Equal(t, uint32(3*65536), inst.Kernel.Mem.Size())
}

func TestLoadNegotiatesMissingTableName(t *testing.T) {
	b := wasmbin.NewBuilder()
	b.ImportTable("env", "tbl", wasmbin.Unbounded(8))
	b.Export("main", wasmbin.ExternFunc, b.Func(nil, nil, nil, wasmbin.NewCode()))

	inst := load(t, newLoader(t), b.Bytes(), Options{DisableInspection: true})

	require.False(t, inst.Manifest.TableKnown)
	require.Equal(t, 3, inst.Attempts())
	require.Equal(t, uint32(8), inst.TableSize())
}

func TestGuestName(t *testing.T) {
	require.Equal(t, "guest", guestName("env"))
	require.Equal(t, "guest", guestName(""))
	require.Equal(t, "hello", guestName("hello"))
}

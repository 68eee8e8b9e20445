// Package wasem defines the symbol names shared between the kernel and
// guest binaries compiled against the Linux direct-syscall ABI.
//
// Guests import everything from the "env" module: the linear memory, the
// indirect function table, the syscall trampolines and the setjmp/longjmp
// helpers. The host calls back into a small set of guest exports to finish
// a non-local jump and to locate the heap.
package wasem

// ModuleEnv is the import module every guest links against.
const ModuleEnv = "env"

// Wasm binary magic number and version: \0asm 1.
var (
	Magic   = []byte{0x00, 0x61, 0x73, 0x6d}
	Version = []byte{0x01, 0x00, 0x00, 0x00}
)

// IsModule reports whether b starts with the wasm magic number.
func IsModule(b []byte) bool {
	if len(b) < len(Magic) {
		return false
	}
	for i, c := range Magic {
		if b[i] != c {
			return false
		}
	}
	return true
}

// Environment imports.
const (
	// ImportMemory is the linear memory shared with the kernel.
	ImportMemory = "memory"

	// ImportTable is the indirect function table as named by current
	// toolchains. Older toolchains import it as ImportTableShort.
	ImportTable      = "__indirect_function_table"
	ImportTableShort = "table"
)

// Syscall trampolines.
const (
	// ImportSyscallDirect is the prefix of the direct convention:
	// __syscallN(number, a0..aN-1) -> i32 for N in 0..6.
	ImportSyscallDirect = "__syscall"

	// ImportSyscallPacked takes (number, argPtr) and reads six packed
	// words from argPtr.
	ImportSyscallPacked = "__syscall"

	// ImportMemargSyscall is an alias of ImportSyscallPacked.
	ImportMemargSyscall = "memarg_syscall"

	// ImportSyscallNumbered is the prefix of per-number packed
	// trampolines: ___syscallN(which, varargs) -> i32.
	ImportSyscallNumbered = "___syscall"
)

// Non-local jump imports.
const (
	// ImportSaveSetjmp records a setjmp site.
	// Signature: saveSetjmp(env: i32, label: i32, table: i32, size: i32) -> i32
	ImportSaveSetjmp = "saveSetjmp"

	// ImportTestSetjmp looks up the label of a jump id.
	// Signature: testSetjmp(id: i32, table: i32, size: i32) -> i32
	ImportTestSetjmp = "testSetjmp"

	// ImportLongjmp unwinds to the setjmp id given directly.
	// Signature: emscripten_longjmp(id: i32, value: i32)
	ImportLongjmp = "emscripten_longjmp"

	// ImportLongjmpJmpbuf unwinds to the setjmp id stored in a jmp_buf.
	// Signature: emscripten_longjmp_jmpbuf(env: i32, value: i32)
	ImportLongjmpJmpbuf = "emscripten_longjmp_jmpbuf"

	// ImportLongjmpLibc is the libc spelling of ImportLongjmpJmpbuf.
	ImportLongjmpLibc = "longjmp"

	// ImportSetjmpLibc is only provided when the guest calls setjmp
	// directly instead of going through saveSetjmp.
	ImportSetjmpLibc = "setjmp"

	// ImportSetjmpWasi and ImportLongjmpWasi are the wasi-libc spellings.
	ImportSetjmpWasi  = "__setjmp"
	ImportLongjmpWasi = "__longjmp"

	// ImportGetTempRet0 and ImportSetTempRet0 access the side-channel
	// return register.
	ImportGetTempRet0 = "getTempRet0"
	ImportSetTempRet0 = "setTempRet0"

	// ImportInvokePrefix prefixes the trampolines that call through the
	// indirect table and intercept unwinds: invoke_<sig>(index, args...).
	ImportInvokePrefix = "invoke_"
)

// Guest exports.
const (
	// ExportHeapBase is the first address past static data.
	ExportHeapBase = "__heap_base"

	// ExportStackPointer is the C stack pointer global.
	ExportStackPointer = "__stack_pointer"

	// ExportMain and ExportStart are the entry points, tried in order.
	ExportMain  = "main"
	ExportStart = "_start"

	// ExportSetThrew records the pending jump id and value.
	// Signature: setThrew(threw: i32, value: i32)
	ExportSetThrew = "setThrew"

	// ExportSetTempRet0 sets the guest-side return register.
	ExportSetTempRet0 = "setTempRet0"

	// ExportStackSave and ExportStackRestore bracket an invoke so an
	// unwind leaves the C stack where the trampoline found it.
	ExportStackSave    = "stackSave"
	ExportStackRestore = "stackRestore"

	// ExportRealloc grows the setjmp table once it is full.
	ExportRealloc = "realloc"
)

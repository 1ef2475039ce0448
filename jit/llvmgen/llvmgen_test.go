package llvmgen

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/ir"
)

func parseUnit(t *testing.T, src string) *ir.Unit {
	t.Helper()
	unit, err := ir.ParseString(src)
	require.NoError(t, err)
	return unit
}

// newJITObj builds a JIT-mode module context without an execution
// engine attached; tests inspect the module rather than run it.
func newJITObj(t *testing.T, name string) *Obj {
	t.Helper()
	require.NoError(t, llvm.InitializeNativeTarget())
	require.NoError(t, llvm.InitializeNativeAsmPrinter())
	tm, err := newTargetMachine(llvm.RelocDefault, llvm.CodeModelJITDefault)
	require.NoError(t, err)
	o := newObj(llvm.NewContext(), true, name, tm, jitMode{})
	t.Cleanup(func() { o.dispose(true) })
	return o
}

func newAOTObj(t *testing.T, name string) *Obj {
	t.Helper()
	o, err := NewObj(name)
	require.NoError(t, err)
	t.Cleanup(func() { o.dispose(true) })
	return o
}

// finishCtor terminates the shared constructor the way Emit does, so the
// module passes the verifier.
func finishCtor(o *Obj) {
	ctor := o.mode.(*aotMode).ctor
	o.builder.SetInsertPointAtEnd(ctor.LastBasicBlock())
	o.builder.CreateRetVoid()
}

func verify(t *testing.T, o *Obj) {
	t.Helper()
	require.NoError(t, llvm.VerifyModule(o.mod, llvm.ReturnStatusAction))
}

func TestEntrySignatureAndAnchor(t *testing.T) {
	unit := parseUnit(t, `
func identity
	RECV    R0, #0
	SEND    #0, R0
	RET
end
`)
	o := newJITObj(t, "identity")
	o.Compile(unit.Funcs[0])
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "define void @identity(ptr %func, ptr %caller, ptr %args)")
	require.Contains(t, text, "%anchor = alloca { ptr, ptr, i32 }")
	// Caller and function pointers land in the anchor; the IR position
	// starts at zero.
	require.Contains(t, text, "store ptr %caller")
	require.Contains(t, text, "store ptr %func")
	require.Contains(t, text, "store i32 0")
}

func TestFrameAllocationElision(t *testing.T) {
	unit := parseUnit(t, `
func noframe
	RET
end

func withframe frame=16
	STORE.8 #1, [FP+0]
	RET
end
`)
	o := newJITObj(t, "frames")
	o.Compile(unit.Funcs[0])
	o.Compile(unit.Funcs[1])
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "%frame = alloca [16 x i8], align 8")
	require.Equal(t, 1, strings.Count(text, "= alloca [16 x i8]"))
}

func TestConditionalBranchLowering(t *testing.T) {
	unit := parseUnit(t, `
func minimum
	RECV    R0, #0
	RECV    R1, #1
	CMP.LT  R0, R1
	JUMP.T  @L5
	SEND    #0, R1
	RET
L5:
	SEND    #0, R0
	RET
end
`)
	o := newJITObj(t, "minimum")
	o.Compile(unit.Funcs[0])
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "icmp slt i64")
	require.Contains(t, text, "br i1 %FLAGS")
}

func TestOverflowIntrinsics(t *testing.T) {
	unit := parseUnit(t, `
func checked
	RECV    R0, #0
	RECV    R1, #1
	ADD.O.32 R2, R0, R1
	SUB.C.8 R3, R0, R1
	MUL.O.64 R4, R0, R1
	SEND    #0, R2
	SEND    #1, R3
	SEND    #2, R4
	RET
end
`)
	o := newJITObj(t, "checked")
	o.Compile(unit.Funcs[0])
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "llvm.sadd.with.overflow.i32")
	require.Contains(t, text, "llvm.usub.with.overflow.i8")
	require.Contains(t, text, "llvm.smul.with.overflow.i64")
	// Overflow results come back sign-extended, carry results zero-extended.
	require.Contains(t, text, "sext i32")
	require.Contains(t, text, "zext i8")
}

func TestPhiPerLiveInRegister(t *testing.T) {
	unit := parseUnit(t, `
func triangle
	RECV    R0, #0
	MOV     R1, #0
	MOV     R2, #0
L3:
	ADD     R2, R2, #1
	ADD     R1, R1, R2
	CMP.LT  R2, R0
	JUMP.T  @L3
	SEND    #0, R1
	RET
end
`)
	o := newJITObj(t, "triangle")
	o.Compile(unit.Funcs[0])
	verify(t, o)

	for _, line := range strings.Split(o.IR(), "\n") {
		if !strings.Contains(line, "= phi ") {
			continue
		}
		// Every phi carries exactly one incoming pair per predecessor;
		// the loop header has two.
		pairs := strings.Count(line, "[")
		require.True(t, pairs == 1 || pairs == 2,
			"unexpected phi incoming count in %q", line)
	}
	// The loop header keeps the accumulator and counter in phis.
	require.GreaterOrEqual(t, strings.Count(o.IR(), "= phi i64"), 2)
	require.GreaterOrEqual(t, strings.Count(o.IR(), "= phi i1"), 1)
}

func TestAbortingBlockGetsUnreachable(t *testing.T) {
	unit := parseUnit(t, `
func aborting
	RECV    R0, #0
	JUMP    @L3
	SEND    #0, R0
L3:
	$EXIT   #1
end
`)
	o := newJITObj(t, "aborting")
	o.Compile(unit.Funcs[0])
	verify(t, o)
	require.Contains(t, o.IR(), "unreachable")
}

func TestFallThroughBranches(t *testing.T) {
	unit := parseUnit(t, `
func fallthru
	RECV    R0, #0
L1:
	SEND    #0, R0
	RET
end
`)
	o := newJITObj(t, "fallthru")
	o.Compile(unit.Funcs[0])
	verify(t, o)
	require.Contains(t, o.IR(), "br label")
}

func TestAnchorSyncBeforeExit(t *testing.T) {
	unit := parseUnit(t, `
func exiter
	MOV     R0, #0
	$EXIT   #4
	RET
end
`)
	o := newJITObj(t, "exiter")
	o.Compile(unit.Funcs[0])
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "%irpos")
	// The IR index of the $EXIT instruction (1) is stored as the IR
	// position immediately before the helper call.
	storeAt := strings.Index(text, "store i32 1, ptr %irpos")
	callAt := strings.Index(text, "call void @__nvc_do_exit")
	require.Greater(t, storeAt, -1)
	require.Greater(t, callAt, storeAt)
}

func TestMacroCopyEmitsMemmove(t *testing.T) {
	unit := parseUnit(t, `
func shuffle frame=16
	MOV     R0, #8
	$COPY   R0, [FP+8], [FP+0]
	RET
end
`)
	o := newJITObj(t, "shuffle")
	o.Compile(unit.Funcs[0])
	verify(t, o)
	require.Contains(t, o.IR(), "llvm.memmove")
}

func TestAOTTrampolineCall(t *testing.T) {
	unit := parseUnit(t, `
func foo
	RECV    R0, #0
	SEND    #0, R0
	RET
end

func bar
	CALL    <foo>
	RET
end
`)
	o := newAOTObj(t, "pack")
	for _, f := range unit.Funcs {
		o.Compile(f)
	}
	finishCtor(o)
	verify(t, o)

	text := o.IR()
	// The callee is reached via a private late-bound global initialized
	// in the constructor, dispatched through the runtime trampoline.
	require.Contains(t, text, "@foo.func = private unnamed_addr global ptr null")
	require.Contains(t, text, "call ptr @__nvc_get_func")
	require.Contains(t, text, "@__nvc_trampoline")
	require.Contains(t, text, "load ptr, ptr @foo.func")
}

func TestAOTModuleAssembly(t *testing.T) {
	unit := parseUnit(t, `
func traced
	DEBUG   "pack.vhd":4
	RECV    R0, #0
	SEND    #0, R0
	RET
end
`)
	o := newAOTObj(t, "pack")
	o.Compile(unit.Funcs[0])
	finishCtor(o)
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "llvm.global_ctors")
	require.Contains(t, text, "i32 65535")
	require.Contains(t, text, fmt.Sprintf("@__nvc_abi_version = constant i32 %d", ABIVersion))
	require.Contains(t, text, "call void @__nvc_register")
	require.Contains(t, text, "@traced.cpool")
	// Per-function globals stay private; the entry symbol itself is
	// public so the object exports it by name.
	require.Contains(t, text, "@traced.debug = private unnamed_addr constant")
	require.Contains(t, text, "define void @traced(")
}

func TestAOTForeignBinding(t *testing.T) {
	unit := parseUnit(t, `
func caller
	$FFICALL "vhpi_handler", #42
	RET
end
`)
	o := newAOTObj(t, "ffi")
	o.Compile(unit.Funcs[0])
	finishCtor(o)
	verify(t, o)

	text := o.IR()
	require.Contains(t, text, "@vhpi_handler.ffi = private unnamed_addr global ptr null")
	require.Contains(t, text, "call ptr @__nvc_get_foreign")
	require.Contains(t, text, "i64 42")
	require.Contains(t, text, "call void @__nvc_do_fficall")
}

func TestAOTRejectsAbsoluteAddresses(t *testing.T) {
	unit := parseUnit(t, `
func absolute
	LEA     R0, [#4096]
	SEND    #0, R0
	RET
end
`)
	o := newAOTObj(t, "abs")
	require.Panics(t, func() { o.Compile(unit.Funcs[0]) })
}

func TestJITAllowsAbsoluteAddresses(t *testing.T) {
	unit := parseUnit(t, `
func absolute
	LEA     R0, [#4096]
	SEND    #0, R0
	RET
end
`)
	o := newJITObj(t, "abs")
	o.Compile(unit.Funcs[0])
	verify(t, o)
	require.Contains(t, o.IR(), "inttoptr")
}

func TestArgIndexBoundsAbort(t *testing.T) {
	over := parseUnit(t, fmt.Sprintf(`
func overslot
	RECV    R0, #%d
	RET
end
`, ir.MaxArgs))
	o := newJITObj(t, "overslot")
	require.Panics(t, func() { o.Compile(over.Funcs[0]) })

	last := parseUnit(t, fmt.Sprintf(`
func lastslot
	RECV    R0, #%d
	SEND    #%d, R0
	RET
end
`, ir.MaxArgs-1, ir.MaxArgs-1))
	o2 := newJITObj(t, "lastslot")
	o2.Compile(last.Funcs[0])
	verify(t, o2)
}

func TestUndefinedRegisterAborts(t *testing.T) {
	f := &ir.Func{Name: "broken", NRegs: 2}
	f.IRBuf = []ir.Instr{
		{Op: ir.OpRet, Size: ir.SzUnspec},
	}
	o := newJITObj(t, "broken")
	cgb := &cgenBlock{
		fn:      &cgenFunc{source: f},
		outregs: make([]llvm.Value, f.NRegs),
	}
	require.Panics(t, func() { o.getValue(cgb, 0, ir.RegVal(1)) })
	require.Panics(t, func() { o.getValue(cgb, 0, ir.RegVal(7)) })
}

func TestStringPoolDeduplicates(t *testing.T) {
	o := newAOTObj(t, "strings")
	a := o.constString("shared")
	b := o.constString("shared")
	c := o.constString("other")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestTypeTableUninitializedSlot(t *testing.T) {
	o := &Obj{}
	require.Panics(t, func() { o.typ(typeAnchor) })
}

// Every opcode the backend supports lowers into a verifier-clean module
// in both modes.
func TestAllOpcodesVerify(t *testing.T) {
	src := `
func kitchen frame=64
	cpool 68656c6c6f00
	DEBUG   "kitchen.vhd":1
	RECV    R0, #0
	RECV    R1, #1
	ADD     R2, R0, R1
	ADD.O.32 R2, R0, R1
	ADD.C.16 R2, R0, R1
	SUB     R2, R0, R1
	SUB.O.8 R2, R0, R1
	SUB.C.64 R2, R0, R1
	MUL     R2, R0, R1
	MUL.O.16 R2, R0, R1
	MUL.C.32 R2, R0, R1
	DIV     R2, R0, R1
	REM     R2, R0, R1
	NEG     R2, R2
	FADD    R3, R0, R1
	FSUB    R3, R3, R1
	FMUL    R3, R3, R1
	FDIV    R3, R3, R1
	FNEG    R3, R3
	FCVTNS  R4, R3
	SCVTF   R3, R4
	NOT     R5, R0
	AND     R5, R5, R1
	OR      R5, R5, R0
	XOR     R5, R5, R1
	CMP.EQ  R0, R1
	CSET    R5
	CMP.NE  R0, R1
	CMP.GT  R0, R1
	CMP.LT  R0, R1
	CMP.LE  R0, R1
	CMP.GE  R0, R1
	FCMP.LT R3, R1
	CSEL    R6, R0, R1
	LEA     R7, [FP+8]
	LEA     R7, [CP+2]
	MOV     R8, R7
	STORE.8 R0, [R7]
	STORE.16 R0, [R7+2]
	STORE.32 R0, [FP+4]
	STORE.64 R0, [FP+8]
	LOAD.8  R9, [R7]
	ULOAD.16 R9, [R7+2]
	LOAD.32 R9, [FP+4]
	ULOAD.64 R9, [FP+8]
	$EXP    R10, R0, R1
	$FEXP   R3, R3, R1
	MOV     R11, #16
	$COPY   R11, [FP+32], [FP+0]
	$BZERO  R11, [FP+32]
	$GALLOC R12, #64
	$GETPRIV R13, #3
	$PUTPRIV #3, R12
	$FFICALL "ffi_target", #7
	$EXIT   #2
	CALL    <helper>
	JUMP.T  @L56
	SEND    #0, R2
L56:
	SEND    #1, R9
	RET
end

func helper
	RET
end
`
	unit := parseUnit(t, src)

	t.Run("jit", func(t *testing.T) {
		o := newJITObj(t, "kitchen")
		for _, f := range unit.Funcs {
			o.Compile(f)
		}
		verify(t, o)
	})

	t.Run("aot", func(t *testing.T) {
		o := newAOTObj(t, "kitchen")
		for _, f := range unit.Funcs {
			o.Compile(f)
		}
		finishCtor(o)
		verify(t, o)
	})
}

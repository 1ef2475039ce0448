package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBasics(t *testing.T) {
	f := mustParseOne(t, `
func basics nregs=4 frame=16
	cpool 68656c6c6f00
	RECV    R0, #0
	STORE.32 R0, [FP+8]
	LOAD.32 R1, [FP+8]
	ADD.O.32 R2, R1, #1
	CSET    R3
	SEND    #0, R2
	SEND    #1, R3
	RET
end
`)
	require.Equal(t, "basics", f.Name)
	require.Equal(t, 4, f.NRegs)
	require.Equal(t, 16, f.FrameSz)
	require.Equal(t, []byte("hello\x00"), f.CPool)
	require.Len(t, f.IRBuf, 8)

	require.Equal(t, OpStore, f.IRBuf[1].Op)
	require.Equal(t, Sz32, f.IRBuf[1].Size)
	require.Equal(t, AddrFrame, f.IRBuf[1].Arg2.Kind)
	require.Equal(t, int64(8), f.IRBuf[1].Arg2.Int64)

	require.Equal(t, OpAdd, f.IRBuf[3].Op)
	require.Equal(t, CCOverflow, f.IRBuf[3].CC)
	require.Equal(t, Reg(2), f.IRBuf[3].Result)
}

func TestParseInfersRegisterCount(t *testing.T) {
	f := mustParseOne(t, `
func infer
	RECV    R0, #0
	MOV     R7, R0
	SEND    #0, R7
	RET
end
`)
	require.Equal(t, 8, f.NRegs)
}

func TestParseLinksCalls(t *testing.T) {
	unit, err := ParseString(`
func callee
	RET
end

func caller
	CALL    <callee>
	RET
end
`)
	require.NoError(t, err)
	require.Len(t, unit.Funcs, 2)

	caller := unit.Funcs[1]
	require.Equal(t, OpCall, caller.IRBuf[0].Op)
	require.Equal(t, ValueHandle, caller.IRBuf[0].Arg1.Kind)
	require.Same(t, unit.Funcs[0], unit.FuncByHandle(caller.IRBuf[0].Arg1.Handle))
}

func TestParseUndefinedCall(t *testing.T) {
	_, err := ParseString(`
func caller
	CALL    <missing>
	RET
end
`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestParseUndefinedLabel(t *testing.T) {
	_, err := ParseString(`
func jumper
	JUMP    @L9
	RET
end
`)
	require.Error(t, err)
}

func TestParseSizeRequired(t *testing.T) {
	_, err := ParseString(`
func nosize
	LOAD    R0, [FP+0]
	RET
end
`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "size")
}

func TestDumpParseRoundTrip(t *testing.T) {
	src := `
func roundtrip nregs=6 frame=24
	cpool 0102030405
	RECV    R0, #0
	RECV    R1, #1
	DEBUG   "adder.vhd":12
	ADD.C.16 R2, R0, R1
	CSET    R3
	CMP.GE  R2, #100
	JUMP.F  @L7
	SUB     R4, R2, #100
L7:
	$BZERO  R2, [FP+0]
	FADD    R5, %1.5, R1
	CSEL    R5, R4, R5
	SEND    #0, R5
	$EXIT   #3
	RET
end
`
	unit, err := ParseString(src)
	require.NoError(t, err)
	f := unit.Funcs[0]

	text := DumpString(f)
	unit2, err := ParseString(text)
	require.NoError(t, err)
	f2 := unit2.Funcs[0]

	require.Equal(t, f.Name, f2.Name)
	require.Equal(t, f.NRegs, f2.NRegs)
	require.Equal(t, f.FrameSz, f2.FrameSz)
	require.Equal(t, f.CPool, f2.CPool)
	require.Equal(t, f.IRBuf, f2.IRBuf)
}

func TestDumpWithMark(t *testing.T) {
	f := mustParseOne(t, `
func marked
	RECV    R0, #0
	SEND    #0, R0
	RET
end
`)
	var sb strings.Builder
	DumpWithMark(&sb, f, 1)
	require.Contains(t, sb.String(), "==>")
	require.Contains(t, sb.String(), "SEND")
}

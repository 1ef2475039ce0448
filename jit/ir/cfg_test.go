package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParseOne(t *testing.T, src string) *Func {
	t.Helper()
	unit, err := ParseString(src)
	require.NoError(t, err)
	require.Len(t, unit.Funcs, 1)
	return unit.Funcs[0]
}

func TestCFGStraightLine(t *testing.T) {
	f := mustParseOne(t, `
func straight
	RECV    R0, #0
	SEND    #0, R0
	RET
end
`)
	cfg := NewCFG(f)
	require.Len(t, cfg.Blocks, 1)
	require.Equal(t, 0, cfg.Blocks[0].First)
	require.Equal(t, 2, cfg.Blocks[0].Last)
	require.True(t, cfg.Blocks[0].Returns)
	require.False(t, cfg.Blocks[0].Aborts)
	require.Empty(t, cfg.Blocks[0].Out)
}

func TestCFGConditionalBranch(t *testing.T) {
	f := mustParseOne(t, `
func branches
	RECV    R0, #0
	CMP.LT  R0, #10
	JUMP.T  @L1
	SEND    #0, #0
	RET
L1:
	SEND    #0, R0
	RET
end
`)
	cfg := NewCFG(f)
	require.Len(t, cfg.Blocks, 3)

	// Successor 1 is the taken target, successor 0 the fall-through.
	require.Equal(t, []int{1, 2}, cfg.Blocks[0].Out)
	require.Equal(t, []int{0}, cfg.Blocks[1].In)
	require.Equal(t, []int{0}, cfg.Blocks[2].In)
	require.True(t, cfg.Blocks[1].Returns)
	require.True(t, cfg.Blocks[2].Returns)

	// R0 is live into the taken block only.
	require.False(t, cfg.Blocks[1].LiveIn.Test(0))
	require.True(t, cfg.Blocks[2].LiveIn.Test(0))
}

func TestCFGLoop(t *testing.T) {
	f := mustParseOne(t, `
func loop
	RECV    R0, #0
	MOV     R1, #0
L2:
	ADD     R1, R1, #1
	CMP.LT  R1, R0
	JUMP.T  @L2
	SEND    #0, R1
	RET
end
`)
	cfg := NewCFG(f)
	require.Len(t, cfg.Blocks, 3)

	// The loop header has the entry block and itself as predecessors.
	require.ElementsMatch(t, []int{0, 1}, cfg.Blocks[1].In)
	require.Equal(t, []int{2, 1}, cfg.Blocks[1].Out)

	// Both the counter and the bound are live around the back edge.
	require.True(t, cfg.Blocks[1].LiveIn.Test(0))
	require.True(t, cfg.Blocks[1].LiveIn.Test(1))
	require.True(t, cfg.Blocks[1].LiveOut.Test(1))
}

func TestCFGFallThrough(t *testing.T) {
	f := mustParseOne(t, `
func fallthru
	RECV    R0, #0
L1:
	SEND    #0, R0
	RET
end
`)
	cfg := NewCFG(f)
	require.Len(t, cfg.Blocks, 2)
	require.Equal(t, []int{1}, cfg.Blocks[0].Out)
	require.False(t, cfg.Blocks[0].Returns)
	require.False(t, cfg.Blocks[0].Aborts)
}

func TestCFGAbortingTail(t *testing.T) {
	// The final block neither returns nor branches: control cannot
	// leave it.
	f := mustParseOne(t, `
func aborting
	RECV    R0, #0
	JUMP    @L3
	SEND    #0, R0
L3:
	$EXIT   #1
end
`)
	cfg := NewCFG(f)
	last := cfg.Blocks[len(cfg.Blocks)-1]
	require.True(t, last.Aborts)
	require.False(t, last.Returns)
	require.Empty(t, last.Out)
}

func TestCFGCopyCountIsUse(t *testing.T) {
	// MACRO_COPY reads its result register (the byte count), so the
	// count must be live into the block containing the copy.
	f := mustParseOne(t, `
func copier
	RECV    R0, #0
	RECV    R1, #1
	MOV     R2, #8
	JUMP    @L4
L4:
	$COPY   R2, [R0], [R1]
	RET
end
`)
	cfg := NewCFG(f)
	require.Len(t, cfg.Blocks, 2)
	require.True(t, cfg.Blocks[1].LiveIn.Test(2))
	require.True(t, cfg.Blocks[1].LiveIn.Test(0))
	require.True(t, cfg.Blocks[1].LiveIn.Test(1))
}

func TestRegSet(t *testing.T) {
	s := NewRegSet(130)
	require.False(t, s.Test(0))
	s.Set(0)
	s.Set(64)
	s.Set(129)
	require.True(t, s.Test(0))
	require.True(t, s.Test(64))
	require.True(t, s.Test(129))
	s.Clear(64)
	require.False(t, s.Test(64))
}

package jit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsimhq/vsim/jit/ir"
)

func TestRegisterAssignsHandles(t *testing.T) {
	e := NewEngine()
	f1 := &ir.Func{Name: "one", NRegs: 1}
	f2 := &ir.Func{Name: "two", NRegs: 1}

	h1 := e.Register(f1)
	h2 := e.Register(f2)
	require.NotEqual(t, h1, h2)

	require.Same(t, f1, e.FuncByHandle(h1))
	require.Same(t, f2, e.FuncByHandle(h2))
	require.Nil(t, e.FuncByHandle(ir.Handle(99)))

	got, ok := e.HandleByName("two")
	require.True(t, ok)
	require.Equal(t, h2, got)

	_, ok = e.HandleByName("three")
	require.False(t, ok)
}

func TestRegisterUnitRelinksCalls(t *testing.T) {
	e := NewEngine()
	// Occupy low handles so unit-relative handles cannot accidentally
	// keep working.
	e.Register(&ir.Func{Name: "occupant", NRegs: 1})

	unit, err := ir.ParseString(`
func leaf
	RECV    R0, #0
	ADD     R1, R0, #1
	SEND    #0, R1
	RET
end

func root
	CALL    <leaf>
	RET
end
`)
	require.NoError(t, err)
	e.RegisterUnit(unit)

	h, ok := e.HandleByName("root")
	require.True(t, ok)

	args := make([]uint64, ir.MaxArgs)
	args[0] = 41
	require.NoError(t, e.Call(h, args))
	require.Equal(t, uint64(42), args[0])
}

type recordingPlugin struct {
	mu       sync.Mutex
	compiled []ir.Handle
	closed   bool
	done     chan struct{}
}

func (p *recordingPlugin) Compile(e *Engine, h ir.Handle) {
	p.mu.Lock()
	p.compiled = append(p.compiled, h)
	p.mu.Unlock()
	close(p.done)
}

func (p *recordingPlugin) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func TestTierFiresAtThreshold(t *testing.T) {
	e := NewEngine()
	p := &recordingPlugin{done: make(chan struct{})}
	e.AddTier(3, p)

	unit, err := ir.ParseString(`
func hot
	RET
end
`)
	require.NoError(t, err)
	e.RegisterUnit(unit)
	h, _ := e.HandleByName("hot")

	args := make([]uint64, ir.MaxArgs)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Call(h, args))
	}

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("tier compile did not fire")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, []ir.Handle{h}, p.compiled)
}

func TestCloseShutsDownTiers(t *testing.T) {
	e := NewEngine()
	p := &recordingPlugin{done: make(chan struct{})}
	e.AddTier(1, p)
	e.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	require.True(t, p.closed)
}

func TestTierThresholdParsing(t *testing.T) {
	t.Setenv("NVC_JIT_THRESHOLD", "")
	require.Equal(t, 0, TierThreshold())

	t.Setenv("NVC_JIT_THRESHOLD", "100")
	require.Equal(t, 100, TierThreshold())

	t.Setenv("NVC_JIT_THRESHOLD", "-5")
	require.Equal(t, 0, TierThreshold())

	t.Setenv("NVC_JIT_THRESHOLD", "junk")
	require.Equal(t, 0, TierThreshold())
}

func TestEntryPublication(t *testing.T) {
	f := &ir.Func{Name: "published", NRegs: 1}
	require.Zero(t, f.Entry())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.SetEntry(0x1000)
	}()
	wg.Wait()
	require.Equal(t, uintptr(0x1000), f.Entry())
}

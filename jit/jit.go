// Package jit holds the function registry shared by the interpreter and
// the native code-generation backend, plus the reference interpreter that
// executes the IR directly. Compiled tiers attach to the engine as plugins
// and publish native entry points onto the source function records.
package jit

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/vsimhq/vsim/jit/ir"
)

// Plugin is a compilation tier. Compile lowers one function and publishes
// its entry point; it runs on a worker goroutine and must keep all of its
// mutable state per-job.
type Plugin interface {
	Compile(e *Engine, h ir.Handle)
	Close()
}

type tier struct {
	threshold uint64
	plugin    Plugin
}

// Engine is the function registry. It owns handle assignment, call-count
// based tier dispatch and the runtime hooks the interpreter needs. The
// registered ir.Func records are read-only to compilation jobs except for
// the entry-pointer field.
type Engine struct {
	mu     sync.RWMutex
	funcs  []*ir.Func
	byName map[string]ir.Handle
	tiers  []tier

	// ExitFn and FFIFn are invoked by the interpreter for MACRO_EXIT and
	// MACRO_FFICALL. The simulator runtime installs them; nil hooks make
	// those opcodes an error.
	ExitFn func(which int32, args []uint64) error
	FFIFn  func(ff *ir.Foreign, args []uint64) error

	privMu sync.Mutex
	priv   map[int32]uintptr

	allocMu sync.Mutex
	allocs  [][]byte
}

// NewEngine returns an empty registry.
func NewEngine() *Engine {
	return &Engine{
		byName: make(map[string]ir.Handle),
		priv:   make(map[int32]uintptr),
	}
}

// Register adds a function and assigns its handle. The engine becomes the
// function's resolver.
func (e *Engine) Register(f *ir.Func) ir.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := ir.Handle(len(e.funcs))
	f.Handle = h
	f.Resolver = e
	e.funcs = append(e.funcs, f)
	e.byName[f.Name] = h
	return h
}

// RegisterUnit registers every function of an assembled unit, re-linking
// intra-unit call handles to the engine's numbering.
func (e *Engine) RegisterUnit(u *ir.Unit) {
	remap := make(map[ir.Handle]ir.Handle, len(u.Funcs))
	for _, f := range u.Funcs {
		old := f.Handle
		remap[old] = e.Register(f)
	}
	for _, f := range u.Funcs {
		for i := range f.IRBuf {
			if f.IRBuf[i].Op == ir.OpCall && f.IRBuf[i].Arg1.Kind == ir.ValueHandle {
				f.IRBuf[i].Arg1.Handle = remap[f.IRBuf[i].Arg1.Handle]
			}
		}
	}
}

// FuncByHandle implements ir.Resolver.
func (e *Engine) FuncByHandle(h ir.Handle) *ir.Func {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h < 0 || int(h) >= len(e.funcs) {
		return nil
	}
	return e.funcs[h]
}

// HandleByName looks a function up by its canonical name.
func (e *Engine) HandleByName(name string) (ir.Handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.byName[name]
	return h, ok
}

// Funcs returns a snapshot of all registered functions in handle order.
func (e *Engine) Funcs() []*ir.Func {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ir.Func, len(e.funcs))
	copy(out, e.funcs)
	return out
}

// AddTier attaches a compilation plugin that fires once a function's
// invocation count reaches threshold.
func (e *Engine) AddTier(threshold int, p Plugin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tiers = append(e.tiers, tier{threshold: uint64(threshold), plugin: p})
}

// TierThreshold reads the NVC_JIT_THRESHOLD environment variable. A
// non-positive value disables tiering; a negative one is additionally
// reported as a misconfiguration.
func TierThreshold() int {
	raw := os.Getenv("NVC_JIT_THRESHOLD")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid NVC_JIT_THRESHOLD setting %q", raw)
		return 0
	}
	if n < 0 {
		log.Printf("invalid NVC_JIT_THRESHOLD setting %d", n)
		return 0
	}
	return n
}

// Close shuts down all attached tiers.
func (e *Engine) Close() {
	e.mu.Lock()
	tiers := e.tiers
	e.tiers = nil
	e.mu.Unlock()
	for _, t := range tiers {
		t.plugin.Close()
	}
}

// Call interprets the function identified by handle against the given
// argument array, counting the invocation and dispatching tier compilation
// when a threshold is crossed. Compilation runs asynchronously; the native
// entry point becomes visible through ir.Func.Entry once published.
func (e *Engine) Call(h ir.Handle, args []uint64) error {
	f := e.FuncByHandle(h)
	if f == nil {
		return fmt.Errorf("no function with handle %d", h)
	}

	count := f.Calls.Add(1)
	e.mu.RLock()
	for _, t := range e.tiers {
		if count == t.threshold {
			go t.plugin.Compile(e, h)
		}
	}
	e.mu.RUnlock()

	return e.interp(f, args)
}

func (e *Engine) getPriv(slot int32) uintptr {
	e.privMu.Lock()
	defer e.privMu.Unlock()
	return e.priv[slot]
}

func (e *Engine) putPriv(slot int32, p uintptr) {
	e.privMu.Lock()
	defer e.privMu.Unlock()
	e.priv[slot] = p
}

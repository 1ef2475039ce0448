package llvmgen

import (
	"fmt"
	"os"
	"sync"
	"time"

	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit"
	"github.com/vsimhq/vsim/jit/buildoptions"
	"github.com/vsimhq/vsim/jit/ir"
)

// Session is the lazy per-function JIT tier. Each compilation lowers one
// function into a fresh module, hands it to the shared execution engine,
// resolves the entry symbol and publishes its address onto the source
// function record. Runtime symbols (__nvc_do_exit and friends) resolve
// against the host process, so the embedding simulator must export them.
//
// The execution engine and its context are shared across compilations and
// guarded by the session mutex; everything else is per-job.
type Session struct {
	mu     sync.Mutex
	ctx    llvm.Context
	tm     llvm.TargetMachine
	ee     llvm.ExecutionEngine
	haveEE bool
	only   string

	slowest time.Duration
}

// NewSession initializes the native target and the JIT-default target
// machine. The NVC_JIT_ONLY environment variable optionally restricts
// compilation to a single function.
func NewSession() (*Session, error) {
	llvm.LinkInMCJIT()
	if err := llvm.InitializeNativeTarget(); err != nil {
		return nil, fmt.Errorf("failed to initialize native target: %w", err)
	}
	if err := llvm.InitializeNativeAsmPrinter(); err != nil {
		return nil, fmt.Errorf("failed to initialize native asm printer: %w", err)
	}

	tm, err := newTargetMachine(llvm.RelocDefault, llvm.CodeModelJITDefault)
	if err != nil {
		return nil, err
	}

	return &Session{
		ctx:  llvm.NewContext(),
		tm:   tm,
		only: os.Getenv("NVC_JIT_ONLY"),
	}, nil
}

// Compile implements jit.Plugin. Successful completion means the entry
// pointer was published; all failure paths abort.
func (s *Session) Compile(e *jit.Engine, h ir.Handle) {
	f := e.FuncByHandle(h)
	if f == nil {
		panic(fmt.Sprintf("no function with handle %d", h))
	}
	if s.only != "" && f.Name != s.only {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	o := newObj(s.ctx, false, f.Name, s.tm, jitMode{})
	o.Compile(f)
	o.finalise()

	if !s.haveEE {
		opts := llvm.NewMCJITCompilerOptions()
		ee, err := llvm.NewMCJITCompiler(o.mod, opts)
		if err != nil {
			panic(fmt.Sprintf("failed to create MCJIT compiler: %v", err))
		}
		s.ee = ee
		s.haveEE = true
	} else {
		s.ee.AddModule(o.mod)
	}

	addr := s.ee.GetFunctionAddress(f.Name)
	if addr == 0 {
		panic(fmt.Sprintf("failed to resolve JIT symbol %s", f.Name))
	}

	if elapsed := time.Since(start); buildoptions.IsDebugMode && elapsed > s.slowest {
		s.slowest = elapsed
		fmt.Fprintf(os.Stderr, "%s at %#x [%s]\n", f.Name, addr, elapsed)
	}

	f.SetEntry(uintptr(addr))

	// The execution engine owns the module now; only the per-job pieces
	// are torn down.
	o.dispose(false)
}

// Close implements jit.Plugin.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveEE {
		s.ee.Dispose()
		s.haveEE = false
	}
	s.tm.Dispose()
	s.ctx.Dispose()
}

// RegisterTier attaches a JIT session to the engine if tiering is enabled
// through NVC_JIT_THRESHOLD.
func RegisterTier(e *jit.Engine) error {
	threshold := jit.TierThreshold()
	if threshold <= 0 {
		return nil
	}
	s, err := NewSession()
	if err != nil {
		return err
	}
	e.AddTier(threshold, s)
	return nil
}

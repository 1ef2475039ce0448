// Package llvmgen lowers the register-based IR to LLVM and drives both
// compilation modes: the lazy per-function JIT session and whole-unit
// ahead-of-time object emission. Both modes share one lowering pipeline;
// the differences (function references, foreign bindings, constant pool
// addressing) are isolated behind the mode object selected at module
// construction time.
package llvmgen

import (
	"fmt"
	"os"

	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/buildoptions"
)

type typeSlot int

const (
	typeVoid typeSlot = iota
	typePtr
	typeInt1
	typeInt8
	typeInt16
	typeInt32
	typeInt64
	typeIntPtr
	typeDouble

	// Overflow intrinsic result pairs, one per width, laid out {iN, i1}.
	typePairI8
	typePairI16
	typePairI32
	typePairI64

	typeEntryFn
	typeAnchor
	typeCtorFn
	typeCtor

	numTypes
)

// Obj is the backend module context: one per compilation unit, owning the
// target machine, module, builder, type table, prototype cache and string
// pool. All state is per-job; nothing here is shared across threads.
type Obj struct {
	name    string
	ctx     llvm.Context
	mod     llvm.Module
	builder llvm.Builder
	tm      llvm.TargetMachine
	td      llvm.TargetData
	types   [numTypes]llvm.Type
	fns     [numFns]llvm.Value
	fntypes [numFns]llvm.Type
	strings map[string]llvm.Value
	mode    mode
	ownsCtx bool
}

func newObj(ctx llvm.Context, ownsCtx bool, name string, tm llvm.TargetMachine, m mode) *Obj {
	o := &Obj{
		name:    name,
		ctx:     ctx,
		mod:     ctx.NewModule(name),
		builder: ctx.NewBuilder(),
		tm:      tm,
		td:      tm.CreateTargetData(),
		strings: make(map[string]llvm.Value),
		mode:    m,
		ownsCtx: ownsCtx,
	}
	o.registerTypes()
	return o
}

func (o *Obj) registerTypes() {
	o.types[typeVoid] = o.ctx.VoidType()
	o.types[typeInt1] = o.ctx.Int1Type()
	o.types[typeInt8] = o.ctx.Int8Type()
	o.types[typeInt16] = o.ctx.Int16Type()
	o.types[typeInt32] = o.ctx.Int32Type()
	o.types[typeInt64] = o.ctx.Int64Type()
	o.types[typeDouble] = o.ctx.DoubleType()

	if o.td.PointerSize() == 4 {
		o.types[typeIntPtr] = o.ctx.Int32Type()
	} else {
		o.types[typeIntPtr] = o.ctx.Int64Type()
	}

	// Opaque pointers only: one pointer type for everything.
	o.types[typePtr] = llvm.PointerType(o.ctx.Int8Type(), 0)

	// void(ptr func, ptr caller_anchor, ptr args)
	o.types[typeEntryFn] = llvm.FunctionType(o.types[typeVoid],
		[]llvm.Type{o.types[typePtr], o.types[typePtr], o.types[typePtr]}, false)

	o.types[typeCtorFn] = llvm.FunctionType(o.types[typeVoid], nil, false)

	// Field order is load-bearing: the runtime unwinder walks these.
	o.types[typeAnchor] = o.ctx.StructType([]llvm.Type{
		o.types[typePtr],   // Caller
		o.types[typePtr],   // Function
		o.types[typeInt32], // IR position
	}, false)

	for i, intType := range []llvm.Type{
		o.types[typeInt8], o.types[typeInt16], o.types[typeInt32], o.types[typeInt64],
	} {
		o.types[typePairI8+typeSlot(i)] = o.ctx.StructType(
			[]llvm.Type{intType, o.types[typeInt1]}, false)
	}

	o.types[typeCtor] = o.ctx.StructType([]llvm.Type{
		o.types[typeInt32],
		o.types[typePtr],
		o.types[typePtr],
	}, false)
}

// typ returns a type-table slot, failing loudly if a caller asks before
// initialization.
func (o *Obj) typ(slot typeSlot) llvm.Type {
	t := o.types[slot]
	if t.IsNil() {
		panic(fmt.Sprintf("type table slot %d requested before initialization", slot))
	}
	return t
}

func (o *Obj) constInt1(b bool) llvm.Value {
	v := uint64(0)
	if b {
		v = 1
	}
	return llvm.ConstInt(o.typ(typeInt1), v, false)
}

func (o *Obj) constInt8(i int8) llvm.Value {
	return llvm.ConstInt(o.typ(typeInt8), uint64(uint8(i)), false)
}

func (o *Obj) constInt32(i int32) llvm.Value {
	return llvm.ConstInt(o.typ(typeInt32), uint64(uint32(i)), false)
}

func (o *Obj) constInt64(i int64) llvm.Value {
	return llvm.ConstInt(o.typ(typeInt64), uint64(i), false)
}

func (o *Obj) constIntPtr(i int64) llvm.Value {
	return llvm.ConstInt(o.typ(typeIntPtr), uint64(i), false)
}

func (o *Obj) constPtr(p uintptr) llvm.Value {
	return llvm.ConstIntToPtr(o.constIntPtr(int64(p)), o.typ(typePtr))
}

func (o *Obj) constReal(r float64) llvm.Value {
	return llvm.ConstFloat(o.typ(typeDouble), r)
}

func (o *Obj) constBytes(data []byte) llvm.Value {
	vals := make([]llvm.Value, len(data))
	for i, b := range data {
		vals[i] = llvm.ConstInt(o.typ(typeInt8), uint64(b), false)
	}
	return llvm.ConstArray(o.typ(typeInt8), vals)
}

// privateConstGlobal emits a private unnamed-addr constant byte array.
func (o *Obj) privateConstGlobal(name string, data []byte) llvm.Value {
	global := llvm.AddGlobal(o.mod, llvm.ArrayType(o.typ(typeInt8), len(data)), name)
	global.SetLinkage(llvm.PrivateLinkage)
	global.SetGlobalConstant(true)
	global.SetUnnamedAddr(true)
	global.SetInitializer(o.constBytes(data))
	return global
}

// constString interns a NUL-terminated private constant string. With
// opaque pointers the global itself is the usable value.
func (o *Obj) constString(s string) llvm.Value {
	if ref, ok := o.strings[s]; ok {
		return ref
	}
	ref := o.privateConstGlobal("const_string", append([]byte(s), 0))
	o.strings[s] = ref
	return ref
}

func (o *Obj) appendBlock(fn llvm.Value, name string) llvm.BasicBlock {
	return o.ctx.AddBasicBlock(fn, name)
}

// finalise verifies and optimizes the module, optionally dumping the IR
// before and after when NVC_LLVM_VERBOSE is set.
func (o *Obj) finalise() {
	o.dumpModule("initial")
	o.verifyModule()
	o.optimise()
	o.dumpModule("final")
}

func (o *Obj) verifyModule() {
	if !buildoptions.IsDebugMode {
		return
	}
	if err := llvm.VerifyModule(o.mod, llvm.ReturnStatusAction); err != nil {
		panic(fmt.Sprintf("LLVM verification failed for %s: %v", o.name, err))
	}
}

func (o *Obj) optimise() {
	opts := llvm.NewPassBuilderOptions()
	defer opts.Dispose()
	const passes = "function(sroa,instcombine,reassociate,gvn,simplifycfg)"
	if err := o.mod.RunPasses(passes, o.tm, opts); err != nil {
		panic(fmt.Sprintf("LLVM optimization failed: %v", err))
	}
}

func (o *Obj) dumpModule(tag string) {
	if os.Getenv("NVC_LLVM_VERBOSE") == "" {
		return
	}
	path := fmt.Sprintf("%s.%s.ll", o.name, tag)
	if err := os.WriteFile(path, []byte(o.mod.String()), 0o644); err != nil {
		panic(fmt.Sprintf("failed to write LLVM IR file: %v", err))
	}
	if buildoptions.IsDebugMode {
		fmt.Fprintf(os.Stderr, "wrote LLVM IR to %s\n", path)
	}
}

func newTargetMachine(reloc llvm.RelocMode, model llvm.CodeModel) (llvm.TargetMachine, error) {
	triple := llvm.DefaultTargetTriple()
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		return llvm.TargetMachine{}, fmt.Errorf("failed to get LLVM target for %s: %w", triple, err)
	}
	return target.CreateTargetMachine(triple, "", "",
		llvm.CodeGenLevelDefault, reloc, model), nil
}

package llvmgen

import (
	"unsafe"

	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/dcode"
	"github.com/vsimhq/vsim/jit/ir"
)

// mode is the capability set that differs between ahead-of-time and JIT
// compilation. Lowering code takes the mode as a parameter instead of
// branching on the presence of a module constructor.
type mode interface {
	// beginFunction runs before the entry block is created: AOT
	// registration, constant pool and debug stream globals.
	beginFunction(o *Obj, fn *cgenFunc)
	// functionRef produces the entry callable and the function record
	// pointer for a CALL to callee.
	functionRef(o *Obj, callee *ir.Func) (entry, fptr llvm.Value)
	// foreignRef produces the foreign closure pointer for an FFI call.
	foreignRef(o *Obj, ff *ir.Foreign) llvm.Value
	// allowsAbsolute reports whether an absolute address operand is
	// representable in this mode.
	allowsAbsolute(addr int64) bool
}

// jitMode compiles one function at a time into a module that may
// reference process addresses directly.
type jitMode struct{}

func (jitMode) beginFunction(o *Obj, fn *cgenFunc) {}

func (jitMode) functionRef(o *Obj, callee *ir.Func) (llvm.Value, llvm.Value) {
	// The entry pointer and the record address are baked in as absolute
	// constants. The registry keeps the record alive and the Go heap
	// does not move, so the address stays valid for the life of the
	// compiled code.
	entry := o.constPtr(callee.Entry())
	fptr := o.constPtr(uintptr(unsafe.Pointer(callee)))
	return entry, fptr
}

func (jitMode) foreignRef(o *Obj, ff *ir.Foreign) llvm.Value {
	return o.constPtr(ff.Addr)
}

func (jitMode) allowsAbsolute(int64) bool { return true }

// aotMode compiles a whole unit into one relocatable object. Function and
// foreign references go through private globals initialized by the shared
// module constructor, and calls dispatch through the runtime trampoline.
type aotMode struct {
	ctor llvm.Value
}

// withCtor positions the builder at the constructor tail, runs emit, and
// restores the previous insertion point if there was one.
func (m *aotMode) withCtor(o *Obj, emit func()) {
	old := o.builder.GetInsertBlock()
	o.builder.SetInsertPointAtEnd(m.ctor.LastBasicBlock())
	emit()
	if !old.IsNil() {
		o.builder.SetInsertPointAtEnd(old)
	}
}

func (m *aotMode) beginFunction(o *Obj, fn *cgenFunc) {
	f := fn.source

	fn.cpool = o.privateConstGlobal(f.Name+".cpool", f.CPool)
	debug := o.privateConstGlobal(f.Name+".debug", dcode.Encode(f))

	m.withCtor(o, func() {
		o.callFn(fnRegister, []llvm.Value{
			o.constString(f.Name),
			fn.llfn,
			debug,
			o.constInt32(int32(f.NIRs())),
		})
	})
}

func (m *aotMode) functionRef(o *Obj, callee *ir.Func) (llvm.Value, llvm.Value) {
	entry := o.getFn(fnTrampoline)

	gname := callee.Name + ".func"
	global := o.mod.NamedGlobal(gname)
	if global.IsNil() {
		global = llvm.AddGlobal(o.mod, o.typ(typePtr), gname)
		global.SetUnnamedAddr(true)
		global.SetLinkage(llvm.PrivateLinkage)
		global.SetInitializer(llvm.ConstNull(o.typ(typePtr)))

		m.withCtor(o, func() {
			init := o.callFn(fnGetFunc, []llvm.Value{o.constString(callee.Name)})
			o.builder.CreateStore(init, global)
		})
	}

	fptr := o.builder.CreateLoad(o.typ(typePtr), global, "")
	return entry, fptr
}

func (m *aotMode) foreignRef(o *Obj, ff *ir.Foreign) llvm.Value {
	gname := ff.Sym + ".ffi"
	global := o.mod.NamedGlobal(gname)
	if global.IsNil() {
		global = llvm.AddGlobal(o.mod, o.typ(typePtr), gname)
		global.SetUnnamedAddr(true)
		global.SetLinkage(llvm.PrivateLinkage)
		global.SetInitializer(llvm.ConstNull(o.typ(typePtr)))

		m.withCtor(o, func() {
			init := o.callFn(fnGetForeign, []llvm.Value{
				o.constString(ff.Sym),
				o.constInt64(int64(ff.Spec)),
			})
			o.builder.CreateStore(init, global)
		})
	}

	return o.builder.CreateLoad(o.typ(typePtr), global, "")
}

// Absolute pointers cannot survive into a relocatable object; only the
// null sentinel is representable. Everything else must come in through
// __nvc_get_func or __nvc_get_foreign globals.
func (*aotMode) allowsAbsolute(addr int64) bool { return addr == 0 }

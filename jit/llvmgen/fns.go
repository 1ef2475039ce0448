package llvmgen

import (
	"fmt"

	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/ir"
)

type fnSlot int

// Intrinsic and runtime helper prototype slots. The overflow families are
// laid out in blocks of four so a slot can be selected by adding the
// operand size to the family base.
const (
	fnAddOverflowS8 fnSlot = iota
	fnAddOverflowS16
	fnAddOverflowS32
	fnAddOverflowS64

	fnAddOverflowU8
	fnAddOverflowU16
	fnAddOverflowU32
	fnAddOverflowU64

	fnSubOverflowS8
	fnSubOverflowS16
	fnSubOverflowS32
	fnSubOverflowS64

	fnSubOverflowU8
	fnSubOverflowU16
	fnSubOverflowU32
	fnSubOverflowU64

	fnMulOverflowS8
	fnMulOverflowS16
	fnMulOverflowS32
	fnMulOverflowS64

	fnMulOverflowU8
	fnMulOverflowU16
	fnMulOverflowU32
	fnMulOverflowU64

	fnPowF64
	fnRoundF64
	fnMemmove
	fnMemset

	fnDoExit
	fnDoFFICall
	fnGetPriv
	fnPutPriv
	fnMspaceAlloc
	fnTrampoline
	fnRegister
	fnGetFunc
	fnGetForeign

	numFns
)

// overflowFn selects the checked-arithmetic intrinsic slot for an opcode,
// signedness and width.
func overflowFn(op ir.Op, signed bool, sz ir.Size) fnSlot {
	var base fnSlot
	switch op {
	case ir.OpAdd:
		base = fnAddOverflowS8
	case ir.OpSub:
		base = fnSubOverflowS8
	case ir.OpMul:
		base = fnMulOverflowS8
	default:
		panic(fmt.Sprintf("no overflow intrinsic for %s", op))
	}
	if !signed {
		base += 4
	}
	return base + fnSlot(sz)
}

var overflowNames = map[fnSlot]string{
	fnAddOverflowS8: "sadd",
	fnAddOverflowU8: "uadd",
	fnSubOverflowS8: "ssub",
	fnSubOverflowU8: "usub",
	fnMulOverflowS8: "smul",
	fnMulOverflowU8: "umul",
}

// addFn declares a function if the module does not already have it.
func (o *Obj) addFn(name string, typ llvm.Type) llvm.Value {
	fn := o.mod.NamedFunction(name)
	if fn.IsNil() {
		fn = llvm.AddFunction(o.mod, name, typ)
	}
	return fn
}

// getFn lazily materializes a prototype. Lookups are idempotent: each
// prototype is created on first use and cached.
func (o *Obj) getFn(which fnSlot) llvm.Value {
	if !o.fns[which].IsNil() {
		return o.fns[which]
	}

	var fn llvm.Value
	switch {
	case which >= fnAddOverflowS8 && which <= fnMulOverflowU64:
		sz := ir.Size(which % 4)
		family := overflowNames[which-fnSlot(sz)]
		intType := o.typ(typeInt8 + typeSlot(sz))
		pairType := o.typ(typePairI8 + typeSlot(sz))
		o.fntypes[which] = llvm.FunctionType(pairType,
			[]llvm.Type{intType, intType}, false)
		name := fmt.Sprintf("llvm.%s.with.overflow.i%d", family, sz.Bits())
		fn = o.addFn(name, o.fntypes[which])

	case which == fnPowF64:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeDouble),
			[]llvm.Type{o.typ(typeDouble), o.typ(typeDouble)}, false)
		fn = o.addFn("llvm.pow.f64", o.fntypes[which])

	case which == fnRoundF64:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeDouble),
			[]llvm.Type{o.typ(typeDouble)}, false)
		fn = o.addFn("llvm.round.f64", o.fntypes[which])

	case which == fnMemmove:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeVoid),
			[]llvm.Type{o.typ(typePtr), o.typ(typePtr), o.typ(typeInt64),
				o.typ(typeInt1)}, false)
		fn = o.addFn("llvm.memmove.p0.p0.i64", o.fntypes[which])

	case which == fnMemset:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeVoid),
			[]llvm.Type{o.typ(typePtr), o.typ(typeInt8), o.typ(typeInt64),
				o.typ(typeInt1)}, false)
		fn = o.addFn("llvm.memset.p0.i64", o.fntypes[which])

	case which == fnDoExit:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeVoid),
			[]llvm.Type{o.typ(typeInt32), o.typ(typePtr), o.typ(typePtr)}, false)
		fn = o.addFn("__nvc_do_exit", o.fntypes[which])

	case which == fnDoFFICall:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeVoid),
			[]llvm.Type{o.typ(typePtr), o.typ(typePtr), o.typ(typePtr)}, false)
		fn = o.addFn("__nvc_do_fficall", o.fntypes[which])

	case which == fnGetPriv:
		o.fntypes[which] = llvm.FunctionType(o.typ(typePtr),
			[]llvm.Type{o.typ(typeInt32)}, false)
		fn = o.addFn("__nvc_getpriv", o.fntypes[which])

	case which == fnPutPriv:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeVoid),
			[]llvm.Type{o.typ(typeInt32), o.typ(typePtr)}, false)
		fn = o.addFn("__nvc_putpriv", o.fntypes[which])

	case which == fnMspaceAlloc:
		o.fntypes[which] = llvm.FunctionType(o.typ(typePtr),
			[]llvm.Type{o.typ(typeInt32), o.typ(typeInt32)}, false)
		fn = o.addFn("__nvc_mspace_alloc", o.fntypes[which])

	case which == fnTrampoline:
		o.fntypes[which] = o.typ(typeEntryFn)
		fn = o.addFn("__nvc_trampoline", o.fntypes[which])

	case which == fnRegister:
		o.fntypes[which] = llvm.FunctionType(o.typ(typeVoid),
			[]llvm.Type{o.typ(typePtr), o.typ(typePtr), o.typ(typePtr),
				o.typ(typeInt32)}, false)
		fn = o.addFn("__nvc_register", o.fntypes[which])

	case which == fnGetFunc:
		o.fntypes[which] = llvm.FunctionType(o.typ(typePtr),
			[]llvm.Type{o.typ(typePtr)}, false)
		fn = o.addFn("__nvc_get_func", o.fntypes[which])

	case which == fnGetForeign:
		o.fntypes[which] = llvm.FunctionType(o.typ(typePtr),
			[]llvm.Type{o.typ(typePtr), o.typ(typeInt64)}, false)
		fn = o.addFn("__nvc_get_foreign", o.fntypes[which])

	default:
		panic(fmt.Sprintf("cannot generate prototype for function %d", which))
	}

	o.fns[which] = fn
	return fn
}

func (o *Obj) callFn(which fnSlot, args []llvm.Value) llvm.Value {
	fn := o.getFn(which)
	return o.builder.CreateCall(o.fntypes[which], fn, args, "")
}

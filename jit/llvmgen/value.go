package llvmgen

import (
	"fmt"
	"os"
	"unsafe"

	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/buildoptions"
	"github.com/vsimhq/vsim/jit/ir"
)

// abort reports a lowering invariant violation: it dumps the offending
// instruction in context and kills the compilation. These are programmer
// errors in the IR producer or the backend itself, never recoverable
// states.
func (o *Obj) abort(cgb *cgenBlock, pos int, format string, args ...interface{}) {
	ir.DumpWithMark(os.Stderr, cgb.fn.source, pos)
	panic(fmt.Sprintf("%s+%d: %s", cgb.fn.source.Name, pos, fmt.Sprintf(format, args...)))
}

// getValue materializes an operand. Register reads must already have a
// definition in the block's out-array.
func (o *Obj) getValue(cgb *cgenBlock, pos int, v ir.Value) llvm.Value {
	f := cgb.fn.source
	switch v.Kind {
	case ir.ValueReg:
		if int(v.Reg) >= f.NRegs {
			o.abort(cgb, pos, "register R%d out of range", v.Reg)
		}
		if cgb.outregs[v.Reg].IsNil() {
			o.abort(cgb, pos, "R%d has no definition", v.Reg)
		}
		return cgb.outregs[v.Reg]

	case ir.ValueInt64:
		return o.constInt64(v.Int64)

	case ir.ValueDouble:
		return o.constReal(v.Double)

	case ir.AddrFrame:
		if v.Int64 < 0 || v.Int64 >= int64(f.FrameSz) {
			o.abort(cgb, pos, "frame offset %d out of range", v.Int64)
		}
		return o.builder.CreateInBoundsGEP(o.typ(typeInt8), cgb.fn.frame,
			[]llvm.Value{o.constIntPtr(v.Int64)}, "")

	case ir.AddrCPool:
		if v.Int64 < 0 || v.Int64 > int64(len(f.CPool)) {
			o.abort(cgb, pos, "constant pool offset %d out of range", v.Int64)
		}
		if !cgb.fn.cpool.IsNil() {
			return o.builder.CreateInBoundsGEP(o.typ(typeInt8), cgb.fn.cpool,
				[]llvm.Value{o.constIntPtr(v.Int64)}, "")
		}
		base := f.CPoolAddr
		if base == 0 && len(f.CPool) > 0 {
			base = uintptr(unsafe.Pointer(&f.CPool[0]))
		}
		return o.constPtr(base + uintptr(v.Int64))

	case ir.AddrReg:
		if cgb.outregs[v.Reg].IsNil() {
			o.abort(cgb, pos, "R%d has no definition", v.Reg)
		}
		ptr := cgb.outregs[v.Reg]
		if v.Disp != 0 {
			ptr = o.builder.CreateAdd(ptr, o.constInt64(int64(v.Disp)), "")
		}
		return ptr

	case ir.ValueExit:
		return o.constInt32(int32(v.Int64))

	case ir.ValueHandle:
		return o.constInt32(int32(v.Handle))

	case ir.AddrAbs:
		if !o.mode.allowsAbsolute(v.Int64) {
			o.abort(cgb, pos, "absolute address %#x not representable in this mode", v.Int64)
		}
		return o.constPtr(uintptr(v.Int64))

	case ir.ValueForeign:
		return o.mode.foreignRef(o, v.Foreign)
	}
	o.abort(cgb, pos, "cannot handle value kind %d", v.Kind)
	return llvm.Value{}
}

// coerceValue materializes an operand at a requested width. Integer
// widths convert by sign-extension or truncation, i1 by a non-zero test,
// pointers by inttoptr/ptrtoint, and double strictly by bit-cast.
func (o *Obj) coerceValue(cgb *cgenBlock, pos int, v ir.Value, slot typeSlot) llvm.Value {
	raw := o.getValue(cgb, pos, v)
	from := raw.Type()

	switch slot {
	case typePtr:
		if from.TypeKind() == llvm.IntegerTypeKind {
			return o.builder.CreateIntToPtr(raw, o.typ(typePtr), "")
		}
		return raw

	case typeIntPtr, typeInt64, typeInt32, typeInt16, typeInt8, typeInt1:
		switch from.TypeKind() {
		case llvm.PointerTypeKind:
			return o.builder.CreatePtrToInt(raw, o.typ(slot), "")
		case llvm.IntegerTypeKind:
			bits1 := from.IntTypeWidth()
			bits2 := o.typ(slot).IntTypeWidth()
			switch {
			case bits2 == 1:
				zero := llvm.ConstInt(from, 0, false)
				return o.builder.CreateICmp(llvm.IntNE, raw, zero, "")
			case bits1 < bits2:
				return o.builder.CreateSExt(raw, o.typ(slot), "")
			case bits1 == bits2:
				return raw
			default:
				return o.builder.CreateTrunc(raw, o.typ(slot), "")
			}
		case llvm.DoubleTypeKind:
			return o.builder.CreateBitCast(raw, o.typ(slot), "")
		}
		o.abort(cgb, pos, "cannot coerce value to integer")

	case typeDouble:
		if from.TypeKind() == llvm.DoubleTypeKind {
			return raw
		}
		return o.builder.CreateBitCast(raw, o.typ(typeDouble), "")
	}
	return raw
}

// sextResult widens an integer result to the canonical 64-bit register
// width by sign extension; double results are bit-cast.
func (o *Obj) sextResult(cgb *cgenBlock, pos int, instr *ir.Instr, value llvm.Value) {
	switch value.Type().TypeKind() {
	case llvm.IntegerTypeKind:
		if value.Type().IntTypeWidth() == 64 {
			if buildoptions.IsDebugMode {
				value.SetName(cgb.fn.regName(instr.Result))
			}
			cgb.setReg(instr.Result, value)
		} else {
			cgb.setReg(instr.Result, o.builder.CreateSExt(value,
				o.typ(typeInt64), cgb.fn.regName(instr.Result)))
		}
	case llvm.DoubleTypeKind:
		cgb.setReg(instr.Result, o.builder.CreateBitCast(value,
			o.typ(typeInt64), cgb.fn.regName(instr.Result)))
	default:
		o.abort(cgb, pos, "unhandled type kind widening result of %s", instr.Op)
	}
}

// zextResult is sextResult's zero-extending counterpart, used for carry
// results and logical values.
func (o *Obj) zextResult(cgb *cgenBlock, pos int, instr *ir.Instr, value llvm.Value) {
	switch value.Type().TypeKind() {
	case llvm.IntegerTypeKind:
		if value.Type().IntTypeWidth() == 64 {
			if buildoptions.IsDebugMode {
				value.SetName(cgb.fn.regName(instr.Result))
			}
			cgb.setReg(instr.Result, value)
		} else {
			cgb.setReg(instr.Result, o.builder.CreateZExt(value,
				o.typ(typeInt64), cgb.fn.regName(instr.Result)))
		}
	default:
		o.abort(cgb, pos, "unhandled type kind widening result of %s", instr.Op)
	}
}

// syncIRPos stores the current IR index into the anchor. The runtime
// unwinder reads it to key into the debug stream, so it must be current
// immediately before any call, exit or FFI dispatch.
func (o *Obj) syncIRPos(cgb *cgenBlock, pos int) {
	ptr := o.builder.CreateStructGEP(o.typ(typeAnchor), cgb.fn.anchor, 2, "irpos")
	o.builder.CreateStore(o.constInt32(int32(pos)), ptr)
}

package llvmgen

import (
	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/ir"
)

// One handler per opcode, dispatched through a table. Handlers share the
// narrow context of the current block record plus the instruction's IR
// index, which the anchor-synchronizing operations store for the
// unwinder.
type opHandler func(o *Obj, cgb *cgenBlock, pos int, instr *ir.Instr)

var handlers = map[ir.Op]opHandler{
	ir.OpRecv:          (*Obj).opRecv,
	ir.OpSend:          (*Obj).opSend,
	ir.OpStore:         (*Obj).opStore,
	ir.OpLoad:          (*Obj).opLoad,
	ir.OpULoad:         (*Obj).opLoad,
	ir.OpAdd:           (*Obj).opArith,
	ir.OpSub:           (*Obj).opArith,
	ir.OpMul:           (*Obj).opArith,
	ir.OpDiv:           (*Obj).opDiv,
	ir.OpRem:           (*Obj).opRem,
	ir.OpFAdd:          (*Obj).opFArith,
	ir.OpFSub:          (*Obj).opFArith,
	ir.OpFMul:          (*Obj).opFArith,
	ir.OpFDiv:          (*Obj).opFArith,
	ir.OpFNeg:          (*Obj).opFNeg,
	ir.OpFCvtNS:        (*Obj).opFCvtNS,
	ir.OpSCvtF:         (*Obj).opSCvtF,
	ir.OpNot:           (*Obj).opNot,
	ir.OpAnd:           (*Obj).opLogical,
	ir.OpOr:            (*Obj).opLogical,
	ir.OpXor:           (*Obj).opLogical,
	ir.OpCmp:           (*Obj).opCmp,
	ir.OpFCmp:          (*Obj).opFCmp,
	ir.OpCSet:          (*Obj).opCSet,
	ir.OpCSel:          (*Obj).opCSel,
	ir.OpJump:          (*Obj).opJump,
	ir.OpCall:          (*Obj).opCall,
	ir.OpLea:           (*Obj).opLea,
	ir.OpMov:           (*Obj).opMov,
	ir.OpNeg:           (*Obj).opNeg,
	ir.OpRet:           (*Obj).opRet,
	ir.OpDebug:         (*Obj).opDebug,
	ir.OpMacroExp:      (*Obj).macroExp,
	ir.OpMacroFExp:     (*Obj).macroFExp,
	ir.OpMacroCopy:     (*Obj).macroCopy,
	ir.OpMacroBzero:    (*Obj).macroBzero,
	ir.OpMacroExit:     (*Obj).macroExit,
	ir.OpMacroFFICall:  (*Obj).macroFFICall,
	ir.OpMacroGalloc:   (*Obj).macroGalloc,
	ir.OpMacroGetPriv:  (*Obj).macroGetPriv,
	ir.OpMacroPutPriv:  (*Obj).macroPutPriv,
}

func (o *Obj) lower(cgb *cgenBlock, pos int, instr *ir.Instr) {
	handler, ok := handlers[instr.Op]
	if !ok {
		o.abort(cgb, pos, "cannot generate code for %s", instr.Op)
	}
	handler(o, cgb, pos, instr)
}

func (o *Obj) argSlot(cgb *cgenBlock, pos int, instr *ir.Instr, nth int64) llvm.Value {
	if nth < 0 || nth >= ir.MaxArgs {
		o.abort(cgb, pos, "argument index %d out of range", nth)
	}
	return o.builder.CreateInBoundsGEP(o.typ(typeInt64), cgb.fn.args,
		[]llvm.Value{o.constInt32(int32(nth))}, cgb.fn.argName(int(nth)))
}

func (o *Obj) opRecv(cgb *cgenBlock, pos int, instr *ir.Instr) {
	if instr.Arg1.Kind != ir.ValueInt64 {
		o.abort(cgb, pos, "RECV argument index must be a literal")
	}
	ptr := o.argSlot(cgb, pos, instr, instr.Arg1.Int64)
	cgb.setReg(instr.Result, o.builder.CreateLoad(o.typ(typeInt64), ptr,
		cgb.fn.regName(instr.Result)))
}

func (o *Obj) opSend(cgb *cgenBlock, pos int, instr *ir.Instr) {
	if instr.Arg1.Kind != ir.ValueInt64 {
		o.abort(cgb, pos, "SEND argument index must be a literal")
	}
	value := o.getValue(cgb, pos, instr.Arg2)
	ptr := o.argSlot(cgb, pos, instr, instr.Arg1.Int64)
	o.builder.CreateStore(value, ptr)
}

func (o *Obj) sizeSlot(cgb *cgenBlock, pos int, instr *ir.Instr) typeSlot {
	if instr.Size > ir.Sz64 {
		o.abort(cgb, pos, "%s needs an operand size", instr.Op)
	}
	return typeInt8 + typeSlot(instr.Size)
}

func (o *Obj) opStore(cgb *cgenBlock, pos int, instr *ir.Instr) {
	value := o.coerceValue(cgb, pos, instr.Arg1, o.sizeSlot(cgb, pos, instr))
	ptr := o.coerceValue(cgb, pos, instr.Arg2, typePtr)
	o.builder.CreateStore(value, ptr)
}

func (o *Obj) opLoad(cgb *cgenBlock, pos int, instr *ir.Instr) {
	slot := o.sizeSlot(cgb, pos, instr)
	ptr := o.coerceValue(cgb, pos, instr.Arg1, typePtr)

	if slot == typeInt64 {
		cgb.setReg(instr.Result, o.builder.CreateLoad(o.typ(slot), ptr,
			cgb.fn.regName(instr.Result)))
		return
	}
	tmp := o.builder.CreateLoad(o.typ(slot), ptr, "")
	if instr.Op == ir.OpULoad {
		o.zextResult(cgb, pos, instr, tmp)
	} else {
		o.sextResult(cgb, pos, instr, tmp)
	}
}

// opArith lowers ADD, SUB and MUL. The O and C condition codes request
// the signed-overflow and unsigned-carry checked intrinsics; the overflow
// bit lands in the block's flag register.
func (o *Obj) opArith(cgb *cgenBlock, pos int, instr *ir.Instr) {
	if instr.CC == ir.CCOverflow || instr.CC == ir.CCCarry {
		signed := instr.CC == ir.CCOverflow
		slot := o.sizeSlot(cgb, pos, instr)
		arg1 := o.coerceValue(cgb, pos, instr.Arg1, slot)
		arg2 := o.coerceValue(cgb, pos, instr.Arg2, slot)

		pair := o.callFn(overflowFn(instr.Op, signed, instr.Size),
			[]llvm.Value{arg1, arg2})

		result := o.builder.CreateExtractValue(pair, 0, "")
		cgb.outflags = o.builder.CreateExtractValue(pair, 1, "FLAGS")

		if signed {
			o.sextResult(cgb, pos, instr, result)
		} else {
			o.zextResult(cgb, pos, instr, result)
		}
		return
	}

	arg1 := o.getValue(cgb, pos, instr.Arg1)
	arg2 := o.getValue(cgb, pos, instr.Arg2)
	name := cgb.fn.regName(instr.Result)
	switch instr.Op {
	case ir.OpAdd:
		cgb.setReg(instr.Result, o.builder.CreateAdd(arg1, arg2, name))
	case ir.OpSub:
		cgb.setReg(instr.Result, o.builder.CreateSub(arg1, arg2, name))
	case ir.OpMul:
		cgb.setReg(instr.Result, o.builder.CreateMul(arg1, arg2, name))
	}
}

func (o *Obj) opDiv(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	arg2 := o.getValue(cgb, pos, instr.Arg2)
	cgb.setReg(instr.Result, o.builder.CreateSDiv(arg1, arg2,
		cgb.fn.regName(instr.Result)))
}

func (o *Obj) opRem(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	arg2 := o.getValue(cgb, pos, instr.Arg2)
	cgb.setReg(instr.Result, o.builder.CreateSRem(arg1, arg2,
		cgb.fn.regName(instr.Result)))
}

func (o *Obj) opFArith(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeDouble)
	arg2 := o.coerceValue(cgb, pos, instr.Arg2, typeDouble)

	var real llvm.Value
	switch instr.Op {
	case ir.OpFAdd:
		real = o.builder.CreateFAdd(arg1, arg2, "")
	case ir.OpFSub:
		real = o.builder.CreateFSub(arg1, arg2, "")
	case ir.OpFMul:
		real = o.builder.CreateFMul(arg1, arg2, "")
	case ir.OpFDiv:
		real = o.builder.CreateFDiv(arg1, arg2, "")
	}
	o.sextResult(cgb, pos, instr, real)
}

func (o *Obj) opFNeg(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeDouble)
	o.sextResult(cgb, pos, instr, o.builder.CreateFNeg(arg1, ""))
}

func (o *Obj) opFCvtNS(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeDouble)
	rounded := o.callFn(fnRoundF64, []llvm.Value{arg1})
	cgb.setReg(instr.Result, o.builder.CreateFPToSI(rounded,
		o.typ(typeInt64), cgb.fn.regName(instr.Result)))
}

func (o *Obj) opSCvtF(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	real := o.builder.CreateSIToFP(arg1, o.typ(typeDouble), "")
	o.sextResult(cgb, pos, instr, real)
}

func (o *Obj) opNot(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeInt1)
	o.zextResult(cgb, pos, instr, o.builder.CreateNot(arg1, ""))
}

func (o *Obj) opLogical(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeInt1)
	arg2 := o.coerceValue(cgb, pos, instr.Arg2, typeInt1)

	var logical llvm.Value
	switch instr.Op {
	case ir.OpAnd:
		logical = o.builder.CreateAnd(arg1, arg2, "")
	case ir.OpOr:
		logical = o.builder.CreateOr(arg1, arg2, "")
	case ir.OpXor:
		logical = o.builder.CreateXor(arg1, arg2, "")
	}
	o.zextResult(cgb, pos, instr, logical)
}

func (o *Obj) opCmp(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	arg2 := o.getValue(cgb, pos, instr.Arg2)

	var pred llvm.IntPredicate
	switch instr.CC {
	case ir.CCEQ:
		pred = llvm.IntEQ
	case ir.CCNE:
		pred = llvm.IntNE
	case ir.CCGT:
		pred = llvm.IntSGT
	case ir.CCLT:
		pred = llvm.IntSLT
	case ir.CCLE:
		pred = llvm.IntSLE
	case ir.CCGE:
		pred = llvm.IntSGE
	default:
		o.abort(cgb, pos, "unhandled cmp condition code")
	}

	cgb.outflags = o.builder.CreateICmp(pred, arg1, arg2, "FLAGS")
}

// opFCmp uses the unordered predicate family, matching the behavior the
// front end has always seen. Whether ordered semantics were intended is
// an open question; keep unordered until that is resolved.
func (o *Obj) opFCmp(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeDouble)
	arg2 := o.coerceValue(cgb, pos, instr.Arg2, typeDouble)

	var pred llvm.FloatPredicate
	switch instr.CC {
	case ir.CCEQ:
		pred = llvm.FloatUEQ
	case ir.CCNE:
		pred = llvm.FloatUNE
	case ir.CCGT:
		pred = llvm.FloatUGT
	case ir.CCLT:
		pred = llvm.FloatULT
	case ir.CCLE:
		pred = llvm.FloatULE
	case ir.CCGE:
		pred = llvm.FloatUGE
	default:
		o.abort(cgb, pos, "unhandled fcmp condition code")
	}

	cgb.outflags = o.builder.CreateFCmp(pred, arg1, arg2, "FLAGS")
}

func (o *Obj) opCSet(cgb *cgenBlock, pos int, instr *ir.Instr) {
	o.zextResult(cgb, pos, instr, cgb.outflags)
}

func (o *Obj) opCSel(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	arg2 := o.getValue(cgb, pos, instr.Arg2)
	result := o.builder.CreateSelect(cgb.outflags, arg1, arg2, "")
	o.sextResult(cgb, pos, instr, result)
}

// opJump: successor 1 is the taken target, the block immediately
// following in block order is the fall-through.
func (o *Obj) opJump(cgb *cgenBlock, pos int, instr *ir.Instr) {
	fn := cgb.fn
	switch instr.CC {
	case ir.CCNone:
		if len(cgb.source.Out) != 1 {
			o.abort(cgb, pos, "unconditional jump with %d successors", len(cgb.source.Out))
		}
		o.builder.CreateBr(fn.blocks[cgb.source.Out[0]].bb)
	case ir.CCTrue:
		if len(cgb.source.Out) != 2 {
			o.abort(cgb, pos, "conditional jump with %d successors", len(cgb.source.Out))
		}
		destT := fn.blocks[cgb.source.Out[1]].bb
		destF := fn.blocks[cgb.index+1].bb
		o.builder.CreateCondBr(cgb.outflags, destT, destF)
	case ir.CCFalse:
		if len(cgb.source.Out) != 2 {
			o.abort(cgb, pos, "conditional jump with %d successors", len(cgb.source.Out))
		}
		destT := fn.blocks[cgb.source.Out[1]].bb
		destF := fn.blocks[cgb.index+1].bb
		o.builder.CreateCondBr(cgb.outflags, destF, destT)
	default:
		o.abort(cgb, pos, "unhandled jump condition code")
	}
	cgb.terminated = true
}

func (o *Obj) opCall(cgb *cgenBlock, pos int, instr *ir.Instr) {
	o.syncIRPos(cgb, pos)

	if instr.Arg1.Kind != ir.ValueHandle {
		o.abort(cgb, pos, "CALL target must be a handle")
	}
	resolver := cgb.fn.source.Resolver
	if resolver == nil {
		o.abort(cgb, pos, "no resolver attached to %s", cgb.fn.source.Name)
	}
	callee := resolver.FuncByHandle(instr.Arg1.Handle)
	if callee == nil {
		o.abort(cgb, pos, "call to unknown handle %d", instr.Arg1.Handle)
	}

	entry, fptr := o.mode.functionRef(o, callee)

	o.builder.CreateCall(o.typ(typeEntryFn), entry,
		[]llvm.Value{fptr, cgb.fn.anchor, cgb.fn.args}, "")
}

func (o *Obj) opLea(cgb *cgenBlock, pos int, instr *ir.Instr) {
	ptr := o.getValue(cgb, pos, instr.Arg1)
	if ptr.Type().TypeKind() == llvm.PointerTypeKind {
		cgb.setReg(instr.Result, o.builder.CreatePtrToInt(ptr,
			o.typ(typeInt64), cgb.fn.regName(instr.Result)))
	} else {
		// Deliberately zero-extends narrower integers; callers rely on
		// the historical behavior.
		o.zextResult(cgb, pos, instr, ptr)
	}
}

func (o *Obj) opMov(cgb *cgenBlock, pos int, instr *ir.Instr) {
	value := o.getValue(cgb, pos, instr.Arg1)
	o.sextResult(cgb, pos, instr, value)
}

func (o *Obj) opNeg(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	cgb.setReg(instr.Result, o.builder.CreateNeg(arg1,
		cgb.fn.regName(instr.Result)))
}

func (o *Obj) opRet(cgb *cgenBlock, pos int, instr *ir.Instr) {
	o.builder.CreateRetVoid()
	cgb.terminated = true
}

// opDebug emits no code; DEBUG instructions feed the debug byte stream.
func (o *Obj) opDebug(cgb *cgenBlock, pos int, instr *ir.Instr) {}

func (o *Obj) macroExp(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.getValue(cgb, pos, instr.Arg1)
	arg2 := o.getValue(cgb, pos, instr.Arg2)

	cast := []llvm.Value{
		o.builder.CreateUIToFP(arg1, o.typ(typeDouble), ""),
		o.builder.CreateUIToFP(arg2, o.typ(typeDouble), ""),
	}
	real := o.callFn(fnPowF64, cast)

	cgb.setReg(instr.Result, o.builder.CreateFPToUI(real,
		o.typ(typeInt64), cgb.fn.regName(instr.Result)))
}

func (o *Obj) macroFExp(cgb *cgenBlock, pos int, instr *ir.Instr) {
	arg1 := o.coerceValue(cgb, pos, instr.Arg1, typeDouble)
	arg2 := o.coerceValue(cgb, pos, instr.Arg2, typeDouble)
	real := o.callFn(fnPowF64, []llvm.Value{arg1, arg2})
	o.sextResult(cgb, pos, instr, real)
}

// macroCopy emits a memmove whose byte count the IR has already computed
// into the result register; the register is read, never written.
func (o *Obj) macroCopy(cgb *cgenBlock, pos int, instr *ir.Instr) {
	count := cgb.outregs[instr.Result]
	if count.IsNil() {
		o.abort(cgb, pos, "R%d has no definition", instr.Result)
	}
	dest := o.coerceValue(cgb, pos, instr.Arg1, typePtr)
	src := o.coerceValue(cgb, pos, instr.Arg2, typePtr)

	o.callFn(fnMemmove, []llvm.Value{dest, src, count, o.constInt1(false)})
}

func (o *Obj) macroBzero(cgb *cgenBlock, pos int, instr *ir.Instr) {
	count := cgb.outregs[instr.Result]
	if count.IsNil() {
		o.abort(cgb, pos, "R%d has no definition", instr.Result)
	}
	dest := o.coerceValue(cgb, pos, instr.Arg1, typePtr)

	o.callFn(fnMemset, []llvm.Value{dest, o.constInt8(0), count, o.constInt1(false)})
}

func (o *Obj) macroExit(cgb *cgenBlock, pos int, instr *ir.Instr) {
	o.syncIRPos(cgb, pos)

	which := o.coerceValue(cgb, pos, instr.Arg1, typeInt32)
	o.callFn(fnDoExit, []llvm.Value{which, cgb.fn.anchor, cgb.fn.args})
}

func (o *Obj) macroFFICall(cgb *cgenBlock, pos int, instr *ir.Instr) {
	o.syncIRPos(cgb, pos)

	if instr.Arg1.Kind != ir.ValueForeign {
		o.abort(cgb, pos, "FFI call target must be a foreign handle")
	}
	ffptr := o.mode.foreignRef(o, instr.Arg1.Foreign)

	o.callFn(fnDoFFICall, []llvm.Value{ffptr, cgb.fn.anchor, cgb.fn.args})
}

func (o *Obj) macroGalloc(cgb *cgenBlock, pos int, instr *ir.Instr) {
	o.syncIRPos(cgb, pos)

	size := o.getValue(cgb, pos, instr.Arg1)
	ptr := o.callFn(fnMspaceAlloc, []llvm.Value{
		o.builder.CreateTrunc(size, o.typ(typeInt32), ""),
		o.constInt32(1),
	})

	cgb.setReg(instr.Result, o.builder.CreatePtrToInt(ptr,
		o.typ(typeInt64), cgb.fn.regName(instr.Result)))
}

func (o *Obj) macroGetPriv(cgb *cgenBlock, pos int, instr *ir.Instr) {
	slot := o.coerceValue(cgb, pos, instr.Arg1, typeInt32)
	ptr := o.callFn(fnGetPriv, []llvm.Value{slot})

	cgb.setReg(instr.Result, o.builder.CreatePtrToInt(ptr,
		o.typ(typeInt64), cgb.fn.regName(instr.Result)))
}

func (o *Obj) macroPutPriv(cgb *cgenBlock, pos int, instr *ir.Instr) {
	slot := o.coerceValue(cgb, pos, instr.Arg1, typeInt32)
	ptr := o.coerceValue(cgb, pos, instr.Arg2, typePtr)
	o.callFn(fnPutPriv, []llvm.Value{slot, ptr})
}

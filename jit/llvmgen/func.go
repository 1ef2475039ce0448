package llvmgen

import (
	"fmt"

	"tinygo.org/x/go-llvm"

	"github.com/vsimhq/vsim/jit/buildoptions"
	"github.com/vsimhq/vsim/jit/ir"
)

// cgenBlock is the per-CFG-block lowering record. For every virtual
// register live at the block's entry, inregs holds a phi with one incoming
// value per predecessor; outregs starts as a copy of inregs and is mutated
// as the block is lowered. The flag register follows the same pattern with
// a single i1.
type cgenBlock struct {
	index    int
	bb       llvm.BasicBlock
	inflags  llvm.Value
	outflags llvm.Value
	inregs   []llvm.Value
	outregs  []llvm.Value
	source   *ir.Block
	fn       *cgenFunc

	// terminated tracks whether the block already ends in a branch,
	// return or unreachable; the driver uses it for the fall-through and
	// aborts edge cases.
	terminated bool
}

func (cgb *cgenBlock) setReg(r ir.Reg, v llvm.Value) {
	cgb.outregs[r] = v
}

// cgenFunc is the per-function lowering state, torn down after phis are
// stitched.
type cgenFunc struct {
	llfn    llvm.Value
	args    llvm.Value
	frame   llvm.Value
	anchor  llvm.Value
	cpool   llvm.Value
	blocks  []cgenBlock
	source  *ir.Func
	cfg     *ir.CFG
	nameSeq int
}

// regName produces a debug-only SSA value name. The counter is
// per-function and monotonic.
func (fn *cgenFunc) regName(r ir.Reg) string {
	if !buildoptions.IsDebugMode {
		return ""
	}
	fn.nameSeq++
	return fmt.Sprintf("R%d.%d", r, fn.nameSeq)
}

func (fn *cgenFunc) argName(nth int) string {
	if !buildoptions.IsDebugMode {
		return ""
	}
	fn.nameSeq++
	return fmt.Sprintf("A%d.%d", nth, fn.nameSeq)
}

// Compile lowers one IR function into the module. The emitted function has
// the fixed entry signature void(ptr func, ptr caller_anchor, ptr args).
func (o *Obj) Compile(f *ir.Func) {
	fn := &cgenFunc{source: f}
	fn.llfn = llvm.AddFunction(o.mod, f.Name, o.typ(typeEntryFn))

	o.mode.beginFunction(o, fn)

	entryBB := o.appendBlock(fn.llfn, "entry")
	o.builder.SetInsertPointAtEnd(entryBB)

	o.frameAnchor(fn)

	fn.args = fn.llfn.Param(2)
	fn.args.SetName("args")

	if f.FrameSz > 0 {
		frameType := llvm.ArrayType(o.typ(typeInt8), f.FrameSz)
		fn.frame = o.builder.CreateAlloca(frameType, "frame")
		fn.frame.SetAlignment(8)
	}

	fn.cfg = ir.NewCFG(f)
	o.addBasicBlocks(fn)

	cur := 0
	for i := range f.IRBuf {
		cgb := &fn.blocks[cur]
		if i == cgb.source.First {
			o.beginBlock(fn, cgb)
		}

		o.lower(cgb, i, &f.IRBuf[i])

		if i == cgb.source.Last {
			if cgb.source.Aborts && !cgb.terminated {
				o.builder.CreateUnreachable()
				cgb.terminated = true
			}
			if !cgb.terminated {
				// Fall through to the next block in block-index order.
				if cgb.source.Returns || cur+1 >= len(fn.blocks) {
					o.abort(cgb, i, "block %d cannot fall through", cur)
				}
				o.builder.CreateBr(fn.blocks[cur+1].bb)
			}
			cur++
		}
	}

	o.stitchPhis(fn, entryBB)

	o.builder.SetInsertPointAtEnd(entryBB)
	o.builder.CreateBr(fn.blocks[0].bb)

	fn.blocks = nil
	fn.cfg = nil
}

func (o *Obj) addBasicBlocks(fn *cgenFunc) {
	fn.blocks = make([]cgenBlock, len(fn.cfg.Blocks))
	for i := range fn.cfg.Blocks {
		name := ""
		if buildoptions.IsDebugMode {
			name = fmt.Sprintf("BB%d", i)
		}
		cgb := &fn.blocks[i]
		cgb.index = i
		cgb.bb = o.appendBlock(fn.llfn, name)
		cgb.source = &fn.cfg.Blocks[i]
		cgb.fn = fn
		cgb.inregs = make([]llvm.Value, fn.source.NRegs)
		cgb.outregs = make([]llvm.Value, fn.source.NRegs)
	}
}

// beginBlock positions the builder and creates the flag phi plus one phi
// per live-in register. Block 0 substitutes constants for phis on the
// register side: nothing can be live into the function entry. The same
// substitution covers unreachable blocks, whose phis would otherwise have
// no incoming values at all.
func (o *Obj) beginBlock(fn *cgenFunc, cgb *cgenBlock) {
	o.builder.SetInsertPointAtEnd(cgb.bb)

	noPreds := cgb.index != 0 && len(cgb.source.In) == 0

	if noPreds {
		cgb.inflags = o.constInt1(false)
	} else {
		cgb.inflags = o.builder.CreatePHI(o.typ(typeInt1), "FLAGS")
	}
	cgb.outflags = cgb.inflags

	for r := 0; r < fn.source.NRegs; r++ {
		if !cgb.source.LiveIn.Test(ir.Reg(r)) {
			continue
		}
		var init llvm.Value
		if cgb.index == 0 || noPreds {
			init = llvm.ConstNull(o.typ(typeInt64))
		} else {
			init = o.builder.CreatePHI(o.typ(typeInt64), fn.regName(ir.Reg(r)))
		}
		cgb.inregs[r] = init
		cgb.outregs[r] = init
	}
}

// frameAnchor stack-allocates the anchor record and links it to the
// caller: caller pointer in field 0, own function pointer in field 1,
// zero IR position in field 2.
func (o *Obj) frameAnchor(fn *cgenFunc) {
	anchorType := o.typ(typeAnchor)
	fn.anchor = o.builder.CreateAlloca(anchorType, "anchor")

	funcArg := fn.llfn.Param(0)
	funcArg.SetName("func")

	callerArg := fn.llfn.Param(1)
	callerArg.SetName("caller")

	callerPtr := o.builder.CreateStructGEP(anchorType, fn.anchor, 0, "")
	o.builder.CreateStore(callerArg, callerPtr)

	funcPtr := o.builder.CreateStructGEP(anchorType, fn.anchor, 1, "")
	o.builder.CreateStore(funcArg, funcPtr)

	irposPtr := o.builder.CreateStructGEP(anchorType, fn.anchor, 2, "")
	o.builder.CreateStore(o.constInt32(0), irposPtr)
}

// stitchPhis resolves every phi's incoming list from the predecessors'
// out-values after all blocks are lowered. Block 0 additionally receives
// the entry block's cleared flags.
func (o *Obj) stitchPhis(fn *cgenFunc, entryBB llvm.BasicBlock) {
	fn.blocks[0].inflags.AddIncoming(
		[]llvm.Value{o.constInt1(false)},
		[]llvm.BasicBlock{entryBB})

	for i := range fn.blocks {
		cgb := &fn.blocks[i]
		preds := cgb.source.In
		if len(preds) == 0 {
			continue
		}

		vals := make([]llvm.Value, len(preds))
		bbs := make([]llvm.BasicBlock, len(preds))
		for j, p := range preds {
			vals[j] = fn.blocks[p].outflags
			bbs[j] = fn.blocks[p].bb
		}
		cgb.inflags.AddIncoming(vals, bbs)

		if i == 0 {
			// Entry-block registers are constants, not phis.
			continue
		}
		for r := range cgb.inregs {
			if cgb.inregs[r].IsNil() {
				continue
			}
			for j, p := range preds {
				out := fn.blocks[p].outregs[r]
				if out.IsNil() {
					panic(fmt.Sprintf("%s: R%d live into block %d but undefined on edge from block %d",
						fn.source.Name, r, i, p))
				}
				vals[j] = out
				bbs[j] = fn.blocks[p].bb
			}
			cgb.inregs[r].AddIncoming(vals, bbs)
		}
	}
}

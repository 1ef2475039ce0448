package ir

import "fmt"

// RegSet is a bit set over virtual register numbers.
type RegSet []uint64

// NewRegSet returns a set able to hold registers 0..nregs-1.
func NewRegSet(nregs int) RegSet {
	return make(RegSet, (nregs+63)/64)
}

func (s RegSet) Test(r Reg) bool {
	return s[int(r)/64]&(1<<(uint(r)%64)) != 0
}

func (s RegSet) Set(r Reg) {
	s[int(r)/64] |= 1 << (uint(r) % 64)
}

func (s RegSet) Clear(r Reg) {
	s[int(r)/64] &^= 1 << (uint(r) % 64)
}

// orWith unions other into s and reports whether s changed.
func (s RegSet) orWith(other RegSet) bool {
	changed := false
	for i, w := range other {
		if s[i]|w != s[i] {
			s[i] |= w
			changed = true
		}
	}
	return changed
}

func (s RegSet) copyFrom(other RegSet) {
	copy(s, other)
}

// Block is one basic block of a function's CFG. First and Last are
// inclusive IR indexes. In and Out hold predecessor and successor block
// numbers; for a conditional jump Out[1] is the taken target and Out[0]
// the fall-through block, matching the backend's branch convention.
type Block struct {
	First, Last int
	In, Out     []int
	Returns     bool
	Aborts      bool
	LiveIn      RegSet
	LiveOut     RegSet
}

// CFG is the control-flow graph of one function, with per-block liveness
// solved. The backend uses LiveIn to decide which registers need phis.
type CFG struct {
	Blocks []Block
}

// NewCFG splits the function's instruction buffer into basic blocks, adds
// edges and solves backward liveness. Leaders are instruction 0, every
// branch target, and the instruction after a JUMP or RET.
func NewCFG(f *Func) *CFG {
	n := len(f.IRBuf)
	if n == 0 {
		panic(fmt.Sprintf("%s: empty instruction buffer", f.Name))
	}

	leader := make([]bool, n)
	leader[0] = true
	for i := range f.IRBuf {
		instr := &f.IRBuf[i]
		if instr.Target {
			leader[i] = true
		}
		switch instr.Op {
		case OpJump, OpRet:
			if i+1 < n {
				leader[i+1] = true
			}
		}
	}

	blockOf := make([]int, n)
	var blocks []Block
	for i := 0; i < n; i++ {
		if leader[i] {
			if len(blocks) > 0 {
				blocks[len(blocks)-1].Last = i - 1
			}
			blocks = append(blocks, Block{First: i})
		}
		blockOf[i] = len(blocks) - 1
	}
	blocks[len(blocks)-1].Last = n - 1

	addEdge := func(from, to int) {
		blocks[from].Out = append(blocks[from].Out, to)
		blocks[to].In = append(blocks[to].In, from)
	}

	for b := range blocks {
		bb := &blocks[b]
		last := &f.IRBuf[bb.Last]
		switch last.Op {
		case OpRet:
			bb.Returns = true
		case OpJump:
			if last.Arg1.Kind != ValueLabel {
				panic(fmt.Sprintf("%s: jump at %d has no label operand", f.Name, bb.Last))
			}
			dest := int(last.Arg1.Int64)
			if dest < 0 || dest >= n || !leader[dest] {
				panic(fmt.Sprintf("%s: jump at %d targets non-leader %d", f.Name, bb.Last, dest))
			}
			if last.CC == CCNone {
				addEdge(b, blockOf[dest])
			} else {
				// Out[0] is the fall-through block, Out[1] the taken
				// target.
				addEdge(b, b+1)
				addEdge(b, blockOf[dest])
			}
		default:
			if b+1 < len(blocks) {
				addEdge(b, b+1)
			} else {
				// No terminator and nowhere to fall through: control
				// cannot leave this block.
				bb.Aborts = true
			}
		}
	}

	cfg := &CFG{Blocks: blocks}
	cfg.solveLiveness(f)
	return cfg
}

func (cfg *CFG) solveLiveness(f *Func) {
	nb := len(cfg.Blocks)
	gen := make([]RegSet, nb)
	kill := make([]RegSet, nb)

	for b := range cfg.Blocks {
		bb := &cfg.Blocks[b]
		gen[b] = NewRegSet(f.NRegs)
		kill[b] = NewRegSet(f.NRegs)
		bb.LiveIn = NewRegSet(f.NRegs)
		bb.LiveOut = NewRegSet(f.NRegs)

		for i := bb.First; i <= bb.Last; i++ {
			instr := &f.IRBuf[i]
			instr.eachUse(func(r Reg) {
				if !kill[b].Test(r) {
					gen[b].Set(r)
				}
			})
			if instr.defines() {
				kill[b].Set(instr.Result)
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for b := nb - 1; b >= 0; b-- {
			bb := &cfg.Blocks[b]
			for _, s := range bb.Out {
				if bb.LiveOut.orWith(cfg.Blocks[s].LiveIn) {
					changed = true
				}
			}
			newIn := NewRegSet(f.NRegs)
			newIn.copyFrom(bb.LiveOut)
			for i, w := range kill[b] {
				newIn[i] &^= w
			}
			for i, w := range gen[b] {
				newIn[i] |= w
			}
			if bb.LiveIn.orWith(newIn) {
				changed = true
			}
		}
	}
}

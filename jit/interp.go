package jit

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/vsimhq/vsim/jit/ir"
)

// The reference interpreter. It executes the IR with exactly the
// semantics the LLVM backend lowers to: a 64-bit register file, a single
// flag bit per block of straight-line code, sign-extension of narrow
// results, and bit-cast (never conversion) between integer and double
// payloads. It is the baseline execution tier.

type interpState struct {
	f     *ir.Func
	regs  []uint64
	frame []byte
	flags bool
	args  []uint64
}

func (e *Engine) interp(f *ir.Func, args []uint64) error {
	st := &interpState{
		f:    f,
		regs: make([]uint64, f.NRegs),
		args: args,
	}
	if f.FrameSz > 0 {
		st.frame = make([]byte, f.FrameSz)
	}

	pc := 0
	for pc < len(f.IRBuf) {
		instr := &f.IRBuf[pc]
		next := pc + 1
		switch instr.Op {
		case ir.OpRecv:
			nth := instr.Arg1.Int64
			if nth < 0 || nth >= ir.MaxArgs || nth >= int64(len(args)) {
				return errAt(f, pc, "argument index %d out of range", nth)
			}
			st.regs[instr.Result] = args[nth]
		case ir.OpSend:
			nth := instr.Arg1.Int64
			if nth < 0 || nth >= ir.MaxArgs || nth >= int64(len(args)) {
				return errAt(f, pc, "argument index %d out of range", nth)
			}
			args[nth] = st.value(instr.Arg2)
		case ir.OpStore:
			storeSized(st.value(instr.Arg2), st.value(instr.Arg1), instr.Size)
		case ir.OpLoad:
			st.regs[instr.Result] = signExtend(loadSized(st.value(instr.Arg1), instr.Size), instr.Size)
		case ir.OpULoad:
			st.regs[instr.Result] = loadSized(st.value(instr.Arg1), instr.Size)
		case ir.OpAdd, ir.OpSub, ir.OpMul:
			st.arith(instr)
		case ir.OpDiv:
			b := int64(st.value(instr.Arg2))
			if b == 0 {
				return errAt(f, pc, "integer division by zero")
			}
			a := int64(st.value(instr.Arg1))
			if b == -1 {
				st.regs[instr.Result] = uint64(-a)
			} else {
				st.regs[instr.Result] = uint64(a / b)
			}
		case ir.OpRem:
			b := int64(st.value(instr.Arg2))
			if b == 0 {
				return errAt(f, pc, "integer division by zero")
			}
			a := int64(st.value(instr.Arg1))
			if b == -1 {
				st.regs[instr.Result] = 0
			} else {
				st.regs[instr.Result] = uint64(a % b)
			}
		case ir.OpFAdd:
			st.setDouble(instr.Result, st.double(instr.Arg1)+st.double(instr.Arg2))
		case ir.OpFSub:
			st.setDouble(instr.Result, st.double(instr.Arg1)-st.double(instr.Arg2))
		case ir.OpFMul:
			st.setDouble(instr.Result, st.double(instr.Arg1)*st.double(instr.Arg2))
		case ir.OpFDiv:
			st.setDouble(instr.Result, st.double(instr.Arg1)/st.double(instr.Arg2))
		case ir.OpFNeg:
			st.setDouble(instr.Result, -st.double(instr.Arg1))
		case ir.OpFCvtNS:
			st.regs[instr.Result] = uint64(int64(math.Round(st.double(instr.Arg1))))
		case ir.OpSCvtF:
			st.setDouble(instr.Result, float64(int64(st.value(instr.Arg1))))
		case ir.OpNot:
			st.regs[instr.Result] = b2i(st.value(instr.Arg1) == 0)
		case ir.OpAnd:
			st.regs[instr.Result] = b2i(st.value(instr.Arg1) != 0 && st.value(instr.Arg2) != 0)
		case ir.OpOr:
			st.regs[instr.Result] = b2i(st.value(instr.Arg1) != 0 || st.value(instr.Arg2) != 0)
		case ir.OpXor:
			st.regs[instr.Result] = b2i((st.value(instr.Arg1) != 0) != (st.value(instr.Arg2) != 0))
		case ir.OpCmp:
			a, b := int64(st.value(instr.Arg1)), int64(st.value(instr.Arg2))
			ok, err := compare(instr.CC, a, b)
			if err != nil {
				return errAt(f, pc, "%v", err)
			}
			st.flags = ok
		case ir.OpFCmp:
			ok, err := compareUnordered(instr.CC, st.double(instr.Arg1), st.double(instr.Arg2))
			if err != nil {
				return errAt(f, pc, "%v", err)
			}
			st.flags = ok
		case ir.OpCSet:
			st.regs[instr.Result] = b2i(st.flags)
		case ir.OpCSel:
			if st.flags {
				st.regs[instr.Result] = st.value(instr.Arg1)
			} else {
				st.regs[instr.Result] = st.value(instr.Arg2)
			}
		case ir.OpJump:
			dest := int(instr.Arg1.Int64)
			switch instr.CC {
			case ir.CCNone:
				next = dest
			case ir.CCTrue:
				if st.flags {
					next = dest
				}
			case ir.CCFalse:
				if !st.flags {
					next = dest
				}
			default:
				return errAt(f, pc, "unhandled jump condition code")
			}
		case ir.OpCall:
			callee := f.Resolver.FuncByHandle(instr.Arg1.Handle)
			if callee == nil {
				return errAt(f, pc, "call to unknown handle %d", instr.Arg1.Handle)
			}
			if err := e.Call(callee.Handle, args); err != nil {
				return err
			}
		case ir.OpLea:
			st.regs[instr.Result] = st.value(instr.Arg1)
		case ir.OpMov:
			st.regs[instr.Result] = st.value(instr.Arg1)
		case ir.OpNeg:
			st.regs[instr.Result] = -st.value(instr.Arg1)
		case ir.OpRet:
			return nil
		case ir.OpDebug:
			// No effect at run time; consumed by the debug stream encoder.
		case ir.OpMacroExp:
			a, b := st.value(instr.Arg1), st.value(instr.Arg2)
			st.regs[instr.Result] = uint64(math.Pow(float64(a), float64(b)))
		case ir.OpMacroFExp:
			st.setDouble(instr.Result, math.Pow(st.double(instr.Arg1), st.double(instr.Arg2)))
		case ir.OpMacroCopy:
			count := st.regs[instr.Result]
			dst, src := st.value(instr.Arg1), st.value(instr.Arg2)
			if count > 0 {
				copy(byteSlice(dst, count), byteSlice(src, count))
			}
		case ir.OpMacroBzero:
			count := st.regs[instr.Result]
			if count > 0 {
				dst := byteSlice(st.value(instr.Arg1), count)
				for i := range dst {
					dst[i] = 0
				}
			}
		case ir.OpMacroExit:
			if e.ExitFn == nil {
				return errAt(f, pc, "no exit handler installed")
			}
			if err := e.ExitFn(int32(instr.Arg1.Int64), args); err != nil {
				return err
			}
		case ir.OpMacroFFICall:
			if e.FFIFn == nil {
				return errAt(f, pc, "no foreign call handler installed")
			}
			if err := e.FFIFn(instr.Arg1.Foreign, args); err != nil {
				return err
			}
		case ir.OpMacroGalloc:
			size := st.value(instr.Arg1)
			buf := make([]byte, size+1)
			e.allocMu.Lock()
			e.allocs = append(e.allocs, buf)
			e.allocMu.Unlock()
			st.regs[instr.Result] = uint64(uintptr(unsafe.Pointer(&buf[0])))
		case ir.OpMacroGetPriv:
			st.regs[instr.Result] = uint64(e.getPriv(int32(st.value(instr.Arg1))))
		case ir.OpMacroPutPriv:
			e.putPriv(int32(st.value(instr.Arg1)), uintptr(st.value(instr.Arg2)))
		default:
			return errAt(f, pc, "cannot interpret %s", instr.Op)
		}
		pc = next
	}
	return errAt(f, len(f.IRBuf)-1, "fell off the end of %s", f.Name)
}

func errAt(f *ir.Func, pc int, format string, args ...interface{}) error {
	return fmt.Errorf("%s+%d: %s", f.Name, pc, fmt.Sprintf(format, args...))
}

func (st *interpState) value(v ir.Value) uint64 {
	switch v.Kind {
	case ir.ValueReg:
		return st.regs[v.Reg]
	case ir.ValueInt64:
		return uint64(v.Int64)
	case ir.ValueDouble:
		return math.Float64bits(v.Double)
	case ir.AddrFrame:
		return uint64(uintptr(unsafe.Pointer(&st.frame[v.Int64])))
	case ir.AddrCPool:
		if st.f.CPoolAddr != 0 {
			return uint64(st.f.CPoolAddr) + uint64(v.Int64)
		}
		return uint64(uintptr(unsafe.Pointer(&st.f.CPool[v.Int64])))
	case ir.AddrReg:
		return st.regs[v.Reg] + uint64(int64(v.Disp))
	case ir.AddrAbs:
		return uint64(v.Int64)
	case ir.ValueExit:
		return uint64(v.Int64)
	case ir.ValueForeign:
		return uint64(v.Foreign.Addr)
	}
	panic(fmt.Sprintf("cannot evaluate value kind %d", v.Kind))
}

func (st *interpState) double(v ir.Value) float64 {
	if v.Kind == ir.ValueDouble {
		return v.Double
	}
	return math.Float64frombits(st.value(v))
}

func (st *interpState) setDouble(r ir.Reg, d float64) {
	st.regs[r] = math.Float64bits(d)
}

// arith handles ADD, SUB and MUL in their plain, overflow-checked and
// carry-checked forms.
func (st *interpState) arith(instr *ir.Instr) {
	a, b := st.value(instr.Arg1), st.value(instr.Arg2)
	switch instr.CC {
	case ir.CCOverflow:
		sa, sb := int64(signExtend(a, instr.Size)), int64(signExtend(b, instr.Size))
		var r int64
		var ovf bool
		switch instr.Op {
		case ir.OpAdd:
			r = sa + sb
			if instr.Size == ir.Sz64 {
				ovf = (sa^r)&(sb^r) < 0
			}
		case ir.OpSub:
			r = sa - sb
			if instr.Size == ir.Sz64 {
				ovf = (sa^sb)&(sa^r) < 0
			}
		case ir.OpMul:
			if instr.Size == ir.Sz64 {
				hi, lo := bits.Mul64(uint64(sa), uint64(sb))
				shi := int64(hi)
				if sa < 0 {
					shi -= sb
				}
				if sb < 0 {
					shi -= sa
				}
				r = int64(lo)
				// The high word of a non-overflowing signed product is
				// the sign extension of the low word.
				ovf = shi != r>>63
			} else {
				r = sa * sb
			}
		}
		if instr.Size != ir.Sz64 {
			lo, hi := signedRange(instr.Size)
			ovf = r < lo || r > hi
		}
		st.flags = ovf
		st.regs[instr.Result] = signExtend(uint64(r), instr.Size)
	case ir.CCCarry:
		mask := sizeMask(instr.Size)
		ua, ub := a&mask, b&mask
		var r uint64
		var carry bool
		switch instr.Op {
		case ir.OpAdd:
			if instr.Size == ir.Sz64 {
				var c uint64
				r, c = bits.Add64(ua, ub, 0)
				carry = c != 0
			} else {
				r = ua + ub
				carry = r > mask
			}
		case ir.OpSub:
			r = ua - ub
			carry = ua < ub
		case ir.OpMul:
			if instr.Size == ir.Sz64 {
				var hi uint64
				hi, r = bits.Mul64(ua, ub)
				carry = hi != 0
			} else {
				r = ua * ub
				carry = r > mask
			}
		}
		st.flags = carry
		st.regs[instr.Result] = r & mask
	default:
		switch instr.Op {
		case ir.OpAdd:
			st.regs[instr.Result] = a + b
		case ir.OpSub:
			st.regs[instr.Result] = a - b
		case ir.OpMul:
			st.regs[instr.Result] = a * b
		}
	}
}

func compare(cc ir.CC, a, b int64) (bool, error) {
	switch cc {
	case ir.CCEQ:
		return a == b, nil
	case ir.CCNE:
		return a != b, nil
	case ir.CCGT:
		return a > b, nil
	case ir.CCLT:
		return a < b, nil
	case ir.CCLE:
		return a <= b, nil
	case ir.CCGE:
		return a >= b, nil
	}
	return false, fmt.Errorf("unhandled cmp condition code")
}

// compareUnordered mirrors the backend's unordered predicate family: any
// comparison involving NaN is true.
func compareUnordered(cc ir.CC, a, b float64) (bool, error) {
	if math.IsNaN(a) || math.IsNaN(b) {
		return true, nil
	}
	switch cc {
	case ir.CCEQ:
		return a == b, nil
	case ir.CCNE:
		return a != b, nil
	case ir.CCGT:
		return a > b, nil
	case ir.CCLT:
		return a < b, nil
	case ir.CCLE:
		return a <= b, nil
	case ir.CCGE:
		return a >= b, nil
	}
	return false, fmt.Errorf("unhandled fcmp condition code")
}

func sizeMask(sz ir.Size) uint64 {
	if sz == ir.Sz64 {
		return ^uint64(0)
	}
	return 1<<uint(sz.Bits()) - 1
}

func signExtend(v uint64, sz ir.Size) uint64 {
	shift := 64 - uint(sz.Bits())
	return uint64(int64(v<<shift) >> shift)
}

func signedRange(sz ir.Size) (lo, hi int64) {
	bits := uint(sz.Bits())
	hi = int64(1)<<(bits-1) - 1
	lo = -hi - 1
	return
}

func b2i(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func storeSized(addr, value uint64, sz ir.Size) {
	dst := byteSlice(addr, uint64(sz.Bits()/8))
	switch sz {
	case ir.Sz8:
		dst[0] = byte(value)
	case ir.Sz16:
		binary.LittleEndian.PutUint16(dst, uint16(value))
	case ir.Sz32:
		binary.LittleEndian.PutUint32(dst, uint32(value))
	case ir.Sz64:
		binary.LittleEndian.PutUint64(dst, value)
	}
}

func loadSized(addr uint64, sz ir.Size) uint64 {
	src := byteSlice(addr, uint64(sz.Bits()/8))
	switch sz {
	case ir.Sz8:
		return uint64(src[0])
	case ir.Sz16:
		return uint64(binary.LittleEndian.Uint16(src))
	case ir.Sz32:
		return uint64(binary.LittleEndian.Uint32(src))
	default:
		return binary.LittleEndian.Uint64(src)
	}
}

func byteSlice(addr, n uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

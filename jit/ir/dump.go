package ir

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Dump writes the textual form of the function. The output round-trips
// through Parse.
func Dump(w io.Writer, f *Func) {
	dump(w, f, -1)
}

// DumpWithMark writes the textual form with one instruction highlighted.
// The lowering error paths use it to show the offending IR range.
func DumpWithMark(w io.Writer, f *Func, mark int) {
	dump(w, f, mark)
}

// DumpString returns Dump's output as a string.
func DumpString(f *Func) string {
	var sb strings.Builder
	Dump(&sb, f)
	return sb.String()
}

func dump(w io.Writer, f *Func, mark int) {
	fmt.Fprintf(w, "func %s nregs=%d frame=%d\n", f.Name, f.NRegs, f.FrameSz)
	if len(f.CPool) > 0 {
		fmt.Fprintf(w, "\tcpool %x\n", f.CPool)
	}
	for i := range f.IRBuf {
		instr := &f.IRBuf[i]
		if instr.Target {
			fmt.Fprintf(w, "L%d:\n", i)
		}
		prefix := "\t"
		if i == mark {
			prefix = "==>\t"
		}
		fmt.Fprintf(w, "%s%s\n", prefix, instrString(f, instr))
	}
	fmt.Fprintln(w, "end")
}

func instrString(f *Func, i *Instr) string {
	var sb strings.Builder
	sb.WriteString(i.Op.String())
	if i.CC != CCNone {
		sb.WriteByte('.')
		sb.WriteString(i.CC.String())
	}
	if i.Size != SzUnspec {
		fmt.Fprintf(&sb, ".%d", i.Size.Bits())
	}
	var ops []string
	switch i.Op {
	case OpRecv, OpLoad, OpULoad, OpAdd, OpSub, OpMul, OpDiv, OpRem,
		OpFAdd, OpFSub, OpFMul, OpFDiv, OpCSel, OpMacroExp, OpMacroFExp,
		OpMacroCopy:
		ops = append(ops, regString(i.Result))
		ops = append(ops, operandString(f, i.Arg1))
		if i.Arg2.Kind != ValueInvalid {
			ops = append(ops, operandString(f, i.Arg2))
		}
	case OpFNeg, OpFCvtNS, OpSCvtF, OpNot, OpLea, OpMov, OpNeg,
		OpMacroBzero, OpMacroGalloc, OpMacroGetPriv:
		ops = append(ops, regString(i.Result), operandString(f, i.Arg1))
	case OpAnd, OpOr, OpXor:
		ops = append(ops, regString(i.Result),
			operandString(f, i.Arg1), operandString(f, i.Arg2))
	case OpCSet:
		ops = append(ops, regString(i.Result))
	case OpSend, OpStore, OpCmp, OpFCmp, OpMacroPutPriv:
		ops = append(ops, operandString(f, i.Arg1), operandString(f, i.Arg2))
	case OpJump, OpCall, OpMacroExit, OpMacroFFICall, OpDebug:
		ops = append(ops, operandString(f, i.Arg1))
		if i.Arg2.Kind != ValueInvalid {
			ops = append(ops, operandString(f, i.Arg2))
		}
	case OpRet:
	}
	if len(ops) > 0 {
		sb.WriteString(strings.Repeat(" ", max(1, 8-sb.Len())))
		sb.WriteString(strings.Join(ops, ", "))
	}
	return sb.String()
}

func regString(r Reg) string { return fmt.Sprintf("R%d", r) }

func operandString(f *Func, v Value) string {
	switch v.Kind {
	case ValueReg:
		return regString(v.Reg)
	case ValueInt64:
		return fmt.Sprintf("#%d", v.Int64)
	case ValueDouble:
		return "%" + strconv.FormatFloat(v.Double, 'g', -1, 64)
	case AddrFrame:
		return fmt.Sprintf("[FP+%d]", v.Int64)
	case AddrCPool:
		return fmt.Sprintf("[CP+%d]", v.Int64)
	case AddrReg:
		if v.Disp == 0 {
			return fmt.Sprintf("[R%d]", v.Reg)
		}
		return fmt.Sprintf("[R%d%+d]", v.Reg, v.Disp)
	case AddrAbs:
		return fmt.Sprintf("[#%d]", v.Int64)
	case ValueExit:
		return fmt.Sprintf("#%d", v.Int64)
	case ValueHandle:
		if f != nil && f.Resolver != nil {
			if callee := f.Resolver.FuncByHandle(v.Handle); callee != nil {
				return "<" + callee.Name + ">"
			}
		}
		return fmt.Sprintf("<h%d>", v.Handle)
	case ValueForeign:
		return fmt.Sprintf("%q, #%d", v.Foreign.Sym, v.Foreign.Spec)
	case ValueLabel:
		return fmt.Sprintf("@L%d", v.Int64)
	case ValueLoc:
		return fmt.Sprintf("%q:%d", v.Loc.File, v.Loc.Line)
	}
	return "?"
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

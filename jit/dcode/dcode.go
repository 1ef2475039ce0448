// Package dcode implements the compact per-function debug byte stream.
// Each byte carries a 4-bit tag in the high nibble and a 4-bit payload in
// the low nibble; the decoder walks the stream in lockstep with an IR
// index counter to reconstruct branch targets and source locations. The
// runtime unwinder keys into the stream with the anchor's ir_position
// field.
package dcode

import (
	"fmt"
	"math/bits"

	"github.com/vsimhq/vsim/jit/ir"
)

// Stream tags.
const (
	// Trap covers a run of 1..15 instructions that are neither branch
	// targets nor DEBUG markers.
	Trap = 0
	// LongTrap is followed by a 16-bit little-endian run length.
	LongTrap = 1
	// Target marks the next IR index as a branch target.
	Target = 2
	// File introduces a NUL-terminated file name; the payload is
	// log2(len+1) as a sanity hint.
	File = 3
	// LocInfo attaches a location to the next IR index, with the payload
	// holding the line delta 0..15 from the previous line.
	LocInfo = 4
	// LongLocInfo is followed by a 16-bit little-endian absolute line.
	LongLocInfo = 5
	// Stop terminates the stream.
	Stop = 6
)

// Encode produces the debug stream for a function. DEBUG instructions
// become FILE/LOCINFO records, branch targets become TARGET markers, and
// everything else is run-length encoded as traps.
func Encode(f *ir.Func) []byte {
	var enc []byte
	run := 0
	lineno := 0
	haveFile := false

	flushRun := func() {
		if run == 0 {
			return
		}
		if run < 16 {
			enc = append(enc, byte(Trap<<4|run))
		} else {
			enc = append(enc, LongTrap<<4, byte(run), byte(run>>8))
		}
		run = 0
	}

	for i := range f.IRBuf {
		instr := &f.IRBuf[i]
		if instr.Target || instr.Op == ir.OpDebug {
			flushRun()
		}
		if instr.Target {
			enc = append(enc, Target<<4)
		}
		if instr.Op != ir.OpDebug {
			run++
			continue
		}

		loc := instr.Arg1.Loc
		if !haveFile {
			haveFile = true
			lineno = 0
			len2 := bits.Len(uint(len(loc.File)+1)) - 1
			enc = append(enc, byte(File<<4|len2&0xf))
			enc = append(enc, loc.File...)
			enc = append(enc, 0)
		}

		delta := loc.Line - lineno
		if delta >= 0 && delta < 16 {
			enc = append(enc, byte(LocInfo<<4|delta))
		} else {
			enc = append(enc, LongLocInfo<<4, byte(loc.Line), byte(loc.Line>>8))
		}
		lineno = loc.Line
	}

	flushRun()
	return append(enc, Stop<<4)
}

// Entry is one decoded (IR index → source location) mapping.
type Entry struct {
	Index int
	Loc   ir.Loc
}

// Decode reconstructs the branch-target set and the location table from a
// stream produced by Encode.
func Decode(stream []byte) (targets []int, entries []Entry, err error) {
	index := 0
	lineno := 0
	file := ""
	pos := 0

	read := func() (byte, error) {
		if pos >= len(stream) {
			return 0, fmt.Errorf("debug stream truncated at offset %d", pos)
		}
		b := stream[pos]
		pos++
		return b, nil
	}

	for {
		b, err := read()
		if err != nil {
			return nil, nil, err
		}
		tag, payload := int(b>>4), int(b&0xf)
		switch tag {
		case Trap:
			index += payload
		case LongTrap:
			lo, err := read()
			if err != nil {
				return nil, nil, err
			}
			hi, err := read()
			if err != nil {
				return nil, nil, err
			}
			index += int(lo) | int(hi)<<8
		case Target:
			targets = append(targets, index)
		case File:
			var name []byte
			for {
				c, err := read()
				if err != nil {
					return nil, nil, err
				}
				if c == 0 {
					break
				}
				name = append(name, c)
			}
			file = string(name)
			lineno = 0
		case LocInfo:
			lineno += payload
			entries = append(entries, Entry{Index: index, Loc: ir.Loc{File: file, Line: lineno}})
			index++
		case LongLocInfo:
			lo, err := read()
			if err != nil {
				return nil, nil, err
			}
			hi, err := read()
			if err != nil {
				return nil, nil, err
			}
			lineno = int(lo) | int(hi)<<8
			entries = append(entries, Entry{Index: index, Loc: ir.Loc{File: file, Line: lineno}})
			index++
		case Stop:
			return targets, entries, nil
		default:
			return nil, nil, fmt.Errorf("unknown debug stream tag %d at offset %d", tag, pos-1)
		}
	}
}

// LocForIndex walks the stream and returns the closest location at or
// before the given IR index, the way the runtime unwinder resolves an
// anchor's ir_position.
func LocForIndex(stream []byte, index int) (ir.Loc, bool) {
	_, entries, err := Decode(stream)
	if err != nil {
		return ir.Loc{}, false
	}
	var best ir.Loc
	found := false
	for _, e := range entries {
		if e.Index > index {
			break
		}
		best = e.Loc
		found = true
	}
	return best, found
}

package code

import (
	"fmt"

	"github.com/stormlang/codegen/internal/code/size"
)

// DestMode describes what an instruction does to its dest operand, matching
// original_source/Code/Instruction.h's DestMode bitmask (destNone,
// destRead, destWrite, and their OR).
type DestMode byte

const (
	DestNone  DestMode = 0
	DestRead  DestMode = 1 << 0
	DestWrite DestMode = 1 << 1
	DestBoth  DestMode = DestRead | DestWrite
)

func (m DestMode) has(bit DestMode) bool { return m&bit != 0 }

// Instruction is an immutable (opcode, dest, destMode, src) tuple. Values
// are only produced by the validating factory functions below (mov, lea,
// add, ...); the zero value is never handed to an assembler.
type Instruction struct {
	op       Opcode
	dest     Operand
	destMode DestMode
	src      Operand
}

// Op returns the instruction's opcode.
func (i Instruction) Op() Opcode { return i.op }

// Dest returns the instruction's destination operand.
func (i Instruction) Dest() Operand { return i.dest }

// DestMode returns how dest is used.
func (i Instruction) DestMode() DestMode { return i.destMode }

// Src returns the instruction's source operand.
func (i Instruction) Src() Operand { return i.src }

// Size returns the instruction's operating width: src's size if present,
// else dest's.
func (i Instruction) Size() size.Size {
	if i.src.kind != OpNone {
		return i.src.sz
	}
	return i.dest.sz
}

// Altered returns a copy of i with both operands replaced, skipping
// validation — for assembler-internal use only (transform passes rewrite
// already-validated instructions), per Instruction::altered in the original.
func (i Instruction) Altered(dest, src Operand) Instruction {
	return Instruction{op: i.op, dest: dest, destMode: i.destMode, src: src}
}

// AlterSrc returns a copy of i with only src replaced.
func (i Instruction) AlterSrc(src Operand) Instruction {
	return Instruction{op: i.op, dest: i.dest, destMode: i.destMode, src: src}
}

// AlterDest returns a copy of i with only dest replaced.
func (i Instruction) AlterDest(dest Operand) Instruction {
	return Instruction{op: i.op, dest: dest, destMode: i.destMode, src: i.src}
}

func (i Instruction) String() string {
	switch {
	case i.destMode == DestNone && i.src.kind == OpNone:
		return i.op.String()
	case i.destMode == DestNone:
		return fmt.Sprintf("%s %s", i.op, i.src)
	case i.src.kind == OpNone:
		return fmt.Sprintf("%s %s", i.op, i.dest)
	default:
		return fmt.Sprintf("%s %s, %s", i.op, i.dest, i.src)
	}
}

// build is the single validating constructor every factory below funnels
// through, mirroring Instruction's private constructor plus the
// create/createSrc/createDest/createDestSrc friend functions in the
// original: readability of src, read/write matching destMode on dest, size
// agreement between dest and src, and any opcode-specific constraint.
func build(op Opcode, dest Operand, mode DestMode, src Operand) (Instruction, error) {
	if src.kind != OpNone && !src.Readable() {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "src operand is not readable"}
	}
	if mode.has(DestRead) && dest.kind != OpNone && !dest.Readable() {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "dest operand is not readable"}
	}
	if mode.has(DestWrite) && !dest.Writable() {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "dest operand is not writable"}
	}
	if mode == DestNone && dest.kind != OpNone && dest.kind != OpPart {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "dest given but destMode is none"}
	}

	if isArithmetic(op) && dest.kind != OpNone && src.kind != OpNone {
		if !dest.Size().Equal(src.Size()) {
			return Instruction{}, &InvalidValueError{Op: op, Reason: "dest and src sizes disagree"}
		}
	}

	c := constraintFor(op)
	if c.destMustBePtr && dest.kind != OpNone && !dest.Size().Equal(size.SPtr) {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "dest must be pointer-sized"}
	}
	if c.srcMustBeAddressable {
		switch src.kind {
		case OpRelative, OpVariable, OpReference:
		default:
			return Instruction{}, &InvalidValueError{Op: op, Reason: "lea source must be relative, variable or reference"}
		}
	}
	if c.srcMustBeByte && !src.Size().Equal(size.SByte) {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "shift count must be byte sized"}
	}
	if c.noMemoryDest && (dest.kind == OpRelative || dest.kind == OpVariable) {
		return Instruction{}, &InvalidValueError{Op: op, Reason: "opcode does not accept a memory destination"}
	}

	return Instruction{op: op, dest: dest, destMode: mode, src: src}, nil
}

func isArithmetic(op Opcode) bool {
	switch op {
	case OpAdd, OpAdc, OpOr, OpAnd, OpSub, OpSbb, OpXor, OpCmp, OpMul, OpIDiv, OpIMod, OpUDiv, OpUMod:
		return true
	default:
		return false
	}
}

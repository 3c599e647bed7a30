package code

import (
	"fmt"

	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

// OperandKind tags the Operand union, mirroring original_source/Code/Value.h's
// Value::Type enumeration (tNone, tConstant, tRegister, ...).
type OperandKind byte

const (
	OpNone OperandKind = iota
	OpConstant
	OpSizeConstant
	OpOffsetConstant
	OpRegister
	OpLabel
	OpReference
	OpPart
	OpVariable
	OpRelative
	OpCondFlag
)

func (k OperandKind) String() string {
	names := [...]string{
		"none", "constant", "sizeConstant", "offsetConstant", "register",
		"label", "reference", "part", "variable", "relative", "condFlag",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "?kind"
}

// Operand is the tagged value every Instruction's dest/src field holds. It
// bundles every variant's payload into one struct (rather than an interface
// union) so Operand remains a small, comparable value type, cheaply passed
// and stored inside Instruction and Entry.
type Operand struct {
	kind OperandKind
	sz   size.Size

	word  uint64      // OpConstant
	szVal size.Size   // OpSizeConstant payload
	ofVal size.Offset // OpOffsetConstant payload

	reg    reg.Register // OpRegister, OpRelative
	relOff size.Offset  // OpRelative

	label Label // OpLabel

	ref RefHandle // OpReference

	part PartID // OpPart

	variable  VarID       // OpVariable
	varOffset size.Offset // OpVariable

	cond CondFlag // OpCondFlag
}

// None is the empty operand, used for instructions that do not use one of
// their two operand slots.
var None = Operand{kind: OpNone}

// ConstWord builds a raw integer constant of the given size.
func ConstWord(w uint64, sz size.Size) Operand {
	return Operand{kind: OpConstant, sz: sz, word: w}
}

// SizeConst builds a constant whose concrete value is a Size, re-materialized
// for the target's current pointer width at emission time (spec.md §4.B:
// "collapse to constant for type() but preserved verbatim for
// re-materialization on the target").
func SizeConst(v size.Size, outSz size.Size) Operand {
	return Operand{kind: OpSizeConstant, sz: outSz, szVal: v}
}

// OffsetConst builds a constant whose concrete value is a signed Offset.
func OffsetConst(v size.Offset, outSz size.Size) Operand {
	return Operand{kind: OpOffsetConstant, sz: outSz, ofVal: v}
}

// Reg builds a register operand of the given width.
func Reg(r reg.Register, sz size.Size) Operand {
	return Operand{kind: OpRegister, sz: sz, reg: r}
}

// LabelOperand builds an operand naming a label (a jump/call target or an
// address-of-label operand for lea).
func LabelOperand(l Label) Operand {
	return Operand{kind: OpLabel, sz: size.SPtr, label: l}
}

// ReferenceOperand builds an operand naming an external Reference by handle.
func ReferenceOperand(h RefHandle) Operand {
	return Operand{kind: OpReference, sz: size.SPtr, ref: h}
}

// PartOperand names a Part, used as the operand of begin/end instructions.
func PartOperand(p PartID) Operand {
	return Operand{kind: OpPart, sz: size.Zero, part: p}
}

// VarOperand builds an operand reading/writing sz bytes starting offset
// bytes into variable v (offset zero addresses the variable itself).
// Construction validates offset+sz falls inside the variable via
// ValidateVarOperand at the Listing layer, since that check needs the
// Frame to resolve the variable's declared size.
func VarOperand(v VarID, offset size.Offset, sz size.Size) Operand {
	return Operand{kind: OpVariable, sz: sz, variable: v, varOffset: offset}
}

// Relative builds a [reg+offset] indirect operand of width sz.
func Relative(r reg.Register, offset size.Offset, sz size.Size) Operand {
	return Operand{kind: OpRelative, sz: sz, reg: r, relOff: offset}
}

// CondFlagOperand wraps a CondFlag as a src operand (jmp, setCond).
func CondFlagOperand(f CondFlag) Operand {
	return Operand{kind: OpCondFlag, sz: size.SByte, cond: f}
}

// Kind reports which union variant this operand is.
func (o Operand) Kind() OperandKind { return o.kind }

// Size returns this operand's declared width.
func (o Operand) Size() size.Size { return o.sz }

// Readable reports whether an instruction may read this operand's value.
func (o Operand) Readable() bool {
	switch o.kind {
	case OpNone, OpPart:
		return false
	default:
		return true
	}
}

// Writable reports whether an instruction may write to this operand;
// spec.md §3: true only for register, variable, relative.
func (o Operand) Writable() bool {
	switch o.kind {
	case OpRegister, OpVariable, OpRelative:
		return true
	default:
		return false
	}
}

// Register returns the operand's register; valid only for OpRegister and
// OpRelative.
func (o Operand) Register() reg.Register { return o.reg }

// RelativeOffset returns the [reg+offset] displacement; valid only for
// OpRelative.
func (o Operand) RelativeOffset() size.Offset { return o.relOff }

// Label returns the operand's label id; valid only for OpLabel.
func (o Operand) Label() Label { return o.label }

// Reference returns the operand's reference handle; valid only for
// OpReference.
func (o Operand) Reference() RefHandle { return o.ref }

// Part returns the operand's part id; valid only for OpPart.
func (o Operand) Part() PartID { return o.part }

// Variable returns the operand's variable id; valid only for OpVariable.
func (o Operand) Variable() VarID { return o.variable }

// VariableOffset returns the byte offset into the variable; valid only for
// OpVariable.
func (o Operand) VariableOffset() size.Offset { return o.varOffset }

// CondFlag returns the wrapped condition; valid only for OpCondFlag.
func (o Operand) CondFlag() CondFlag { return o.cond }

// ConstantWord returns the raw word payload for OpConstant, or the
// current-platform materialization for OpSizeConstant/OpOffsetConstant.
func (o Operand) ConstantWord() uint64 {
	switch o.kind {
	case OpConstant:
		return o.word
	case OpSizeConstant:
		return uint64(o.szVal.Current())
	case OpOffsetConstant:
		return uint64(o.ofVal.Current())
	default:
		return 0
	}
}

// Equal implements structural equality, per spec.md §3 "Equality is
// structural."
func (o Operand) Equal(p Operand) bool {
	if o.kind != p.kind || !o.sz.Equal(p.sz) {
		return false
	}
	switch o.kind {
	case OpConstant:
		return o.word == p.word
	case OpSizeConstant:
		return o.szVal.Equal(p.szVal)
	case OpOffsetConstant:
		return o.ofVal.Current() == p.ofVal.Current()
	case OpRegister:
		return o.reg == p.reg
	case OpLabel:
		return o.label == p.label
	case OpReference:
		return o.ref == p.ref
	case OpPart:
		return o.part == p.part
	case OpVariable:
		return o.variable == p.variable && o.varOffset.Current() == p.varOffset.Current()
	case OpRelative:
		return o.reg == p.reg && o.relOff.Current() == p.relOff.Current()
	case OpCondFlag:
		return o.cond == p.cond
	default:
		return true // OpNone
	}
}

func (o Operand) String() string {
	switch o.kind {
	case OpNone:
		return "-"
	case OpConstant, OpSizeConstant, OpOffsetConstant:
		return fmt.Sprintf("$0x%x", o.ConstantWord())
	case OpRegister:
		return o.reg.String()
	case OpLabel:
		return fmt.Sprintf("L%d", o.label)
	case OpReference:
		return fmt.Sprintf("ref#%d", o.ref)
	case OpPart:
		return fmt.Sprintf("part#%d", o.part)
	case OpVariable:
		return fmt.Sprintf("var#%d+0x%x", o.variable, o.varOffset.Current())
	case OpRelative:
		return fmt.Sprintf("[%s+0x%x]", o.reg, o.relOff.Current())
	case OpCondFlag:
		return o.cond.String()
	default:
		return "?operand"
	}
}

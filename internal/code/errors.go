package code

import "fmt"

// This file implements spec.md §7's error taxonomy as Go error values rather
// than the original's C++ exception hierarchy (see SPEC_FULL.md §9
// "Exceptions for control flow"): every fallible IR or assembly operation
// returns a plain error, wrapping one of the sentinel-like types below so
// callers can errors.As/errors.Is to distinguish causes.

// InvalidValueError reports that an operand does not satisfy an opcode's
// constraint: wrong size, not readable/writable, or an illegal addressing
// mode.
type InvalidValueError struct {
	Op     Opcode
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("code: invalid operand for %s: %s", e.Op, e.Reason)
}

// FrameError reports use of an invalid block, part, or variable handle.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return fmt.Sprintf("code: frame error: %s", e.Reason) }

// BlockBeginError reports an attempt to enter a block whose parent is not
// active.
type BlockBeginError struct {
	Block BlockID
}

func (e *BlockBeginError) Error() string {
	return fmt.Sprintf("code: cannot begin block %d: parent block is not active", e.Block)
}

// BlockEndError reports an attempt to close a block that is not the
// innermost active one.
type BlockEndError struct {
	Block BlockID
}

func (e *BlockEndError) Error() string {
	return fmt.Sprintf("code: cannot end block %d: not the innermost active block", e.Block)
}

// DuplicateLabelError reports that the same label was marked twice.
type DuplicateLabelError struct {
	Label Label
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("code: label %d marked more than once", e.Label)
}

// UnusedLabelError reports that a label was referenced but never marked.
type UnusedLabelError struct {
	Label Label
}

func (e *UnusedLabelError) Error() string {
	return fmt.Sprintf("code: label %d referenced but never marked", e.Label)
}

// VariableUseError reports a variable referenced from a part where it is
// not accessible.
type VariableUseError struct {
	Var  VarID
	Part PartID
}

func (e *VariableUseError) Error() string {
	return fmt.Sprintf("code: variable %d is not accessible from part %d", e.Var, e.Part)
}

package code

// CondFlag names a condition under which a setCond/jmp instruction fires,
// mirroring original_source/Code/CondFlag.h's enumeration of x86 flag
// combinations. ifAlways/ifNever bracket the ten signed/unsigned comparison
// conditions scenario 3 of spec.md §8 exercises.
type CondFlag byte

const (
	CondAlways CondFlag = iota
	CondNever
	CondEqual
	CondNotEqual
	CondBelow
	CondBelowEqual
	CondAbove
	CondAboveEqual
	CondLess
	CondLessEqual
	CondGreater
	CondGreaterEqual
)

func (f CondFlag) String() string {
	names := [...]string{
		"always", "never", "eq", "neq", "b", "be", "a", "ae", "lt", "le", "gt", "ge",
	}
	if int(f) < len(names) {
		return names[f]
	}
	return "?cond"
}

// Inverted returns the logical negation of f (used by the transform pipeline
// when flipping a conditional branch around a fallthrough).
func (f CondFlag) Inverted() CondFlag {
	switch f {
	case CondAlways:
		return CondNever
	case CondNever:
		return CondAlways
	case CondEqual:
		return CondNotEqual
	case CondNotEqual:
		return CondEqual
	case CondBelow:
		return CondAboveEqual
	case CondBelowEqual:
		return CondAbove
	case CondAbove:
		return CondBelowEqual
	case CondAboveEqual:
		return CondBelow
	case CondLess:
		return CondGreaterEqual
	case CondLessEqual:
		return CondGreater
	case CondGreater:
		return CondLessEqual
	case CondGreaterEqual:
		return CondLess
	default:
		return f
	}
}

// Package x86 would hold the 32-bit ModR/M/SIB encoder mirroring
// internal/asm/amd64 (spec.md §4.J's other architecture target). Left
// unimplemented for the same reason internal/code/x86 is: the teacher
// (tetratelabs-wazero) never emits 32-bit x86 machine code, so there is no
// in-pack encoder to generalize from rather than invent outright. See
// DESIGN.md for the full justification.
package x86

// Supported reports whether this package implements a 32-bit encoder.
const Supported = false

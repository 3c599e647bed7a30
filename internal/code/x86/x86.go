// Package x86 would hold the 32-bit lowering pass (spec.md §4.H's other
// architecture target) mirroring internal/code/x64. It is intentionally left
// unimplemented: the teacher this module is grounded on, tetratelabs-wazero,
// never targets 32-bit x86 either — its compiler engine supports amd64 and
// arm64 only, with config_unsupported.go marking every other GOARCH as
// interpreter-only rather than carrying a parallel 32-bit JIT backend. This
// package follows the same discipline instead of inventing a 32-bit lowering
// pass with no teacher or pack example to ground it on (see DESIGN.md).
package x86

// Supported reports whether this package implements a 32-bit lowering pass.
// It does not yet; callers needing a Listing lowered for a 32-bit target
// should use internal/code/x64 with a 64-bit target instead.
const Supported = false

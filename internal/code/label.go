package code

// Label is a dense integer identifier allocated by a Listing, per
// spec.md §3 "Label". Label 0 is reserved for function-level metadata (the
// "meta" label) and is never created via createLabel.
type Label uint32

// MetaLabel is the reserved label denoting function-level metadata.
const MetaLabel Label = 0

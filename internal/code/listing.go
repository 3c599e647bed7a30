package code

import "github.com/stormlang/codegen/internal/code/size"

// Entry is one (Instruction, labels-pointing-here) pair in a Listing's
// instruction stream, per spec.md §3 "Listing": labels associated with an
// entry are considered to point at the first byte emitted for that entry.
type Entry struct {
	Instr  Instruction
	Labels []Label
}

// CatchEntry names one exception-type -> resume-label mapping attached to a
// block, per spec.md §3 "catch metadata per block (list of (exceptionType,
// resumeLabel))".
type CatchEntry struct {
	ExceptionType RefHandle
	ResumeLabel   Label
}

// Listing is the ordered instruction stream for one function body, plus its
// Frame, label index, and catch table — spec.md §3 "Listing" and §4.C
// "Listing construction".
type Listing struct {
	*Frame

	entries        []Entry
	pendingLabels  []Label
	markedLabels   map[Label]bool
	nextLabel      Label
	isMemberFn     bool
	resultSize     Operand // SizeConst-shaped result type descriptor
	resultIsFloat  bool
	catches        map[BlockID][]CatchEntry

	// Populated by a Transform pass (internal/code/x86, internal/code/x64):
	// each variable/parameter's resolved stack displacement from the frame
	// pointer, the total frame size, and (when exception handling is
	// needed) the two reserved hidden-slot offsets spec.md §4.D describes.
	varLocations   map[VarID]size.Offset
	frameSize      size.Size
	partSlotOffset size.Offset
	blockSlotOffset size.Offset
	transformed    bool

	unwindMarks []UnwindMark
}

// UnwindMarkKind distinguishes the two frame transitions a Transform pass
// records while expanding prolog/epilog, so the code emitter's FnInfo state
// machine (spec.md §4.H) knows which CFA rule to write once it reaches the
// marked entry during pass 2.
type UnwindMarkKind int

const (
	// UnwindProlog marks the entry index right after the frame-establishing
	// `mov ptrFrame, ptrStack`; the emitter calls FnInfo.Prolog once pass 2
	// reaches this position.
	UnwindProlog UnwindMarkKind = iota
	// UnwindEpilog marks the entry index right after the frame-tearing-down
	// `pop ptrFrame`; the emitter calls FnInfo.Epilog once pass 2 reaches
	// this position.
	UnwindEpilog
)

// UnwindMark ties one frame transition to the entry index (in the
// Transform'd stream SetEntries installs) immediately after which it
// occurs.
type UnwindMark struct {
	Index int
	Kind  UnwindMarkKind
}

// SetUnwindMarks records where a Transform pass placed this Listing's
// prolog/epilog expansions, for the unwind-aware code emitter to replay.
func (l *Listing) SetUnwindMarks(marks []UnwindMark) { l.unwindMarks = marks }

// UnwindMarks returns the marks SetUnwindMarks recorded, if any.
func (l *Listing) UnwindMarks() []UnwindMark { return l.unwindMarks }

// SetVarLocation records v's resolved stack displacement.
func (l *Listing) SetVarLocation(v VarID, off size.Offset) {
	if l.varLocations == nil {
		l.varLocations = map[VarID]size.Offset{}
	}
	l.varLocations[v] = off
}

// VarLocation returns v's resolved stack displacement, if the listing has
// been transformed.
func (l *Listing) VarLocation(v VarID) (size.Offset, bool) {
	off, ok := l.varLocations[v]
	return off, ok
}

// SetFrameLayout records the overall frame size and the two hidden-slot
// offsets reserved for "current part id" / "block pointer" bookkeeping.
func (l *Listing) SetFrameLayout(frameSize size.Size, partSlot, blockSlot size.Offset) {
	l.frameSize = frameSize
	l.partSlotOffset = partSlot
	l.blockSlotOffset = blockSlot
	l.transformed = true
}

// FrameLayout returns the values SetFrameLayout recorded.
func (l *Listing) FrameLayout() (frameSize size.Size, partSlot, blockSlot size.Offset, ok bool) {
	return l.frameSize, l.partSlotOffset, l.blockSlotOffset, l.transformed
}

// NewListing creates an empty Listing. resultSize/resultIsFloat describe the
// function's return value (spec.md §4.H's RetVal), isMemberFn distinguishes
// a this-call from a free function for calling-convention purposes.
func NewListing(isMemberFn bool, resultSize Operand, resultIsFloat bool) *Listing {
	return &Listing{
		Frame:         NewFrame(),
		markedLabels:  map[Label]bool{},
		nextLabel:     1, // label 0 is reserved (MetaLabel)
		isMemberFn:    isMemberFn,
		resultSize:    resultSize,
		resultIsFloat: resultIsFloat,
		catches:       map[BlockID][]CatchEntry{},
	}
}

// CreateLabel returns the next free label id.
func (l *Listing) CreateLabel() Label {
	id := l.nextLabel
	l.nextLabel++
	return id
}

// Mark queues lbl to attach to the next instruction appended via Add.
// Marking the same label twice is a DuplicateLabelError.
func (l *Listing) Mark(lbl Label) error {
	if l.markedLabels[lbl] {
		return &DuplicateLabelError{Label: lbl}
	}
	l.markedLabels[lbl] = true
	l.pendingLabels = append(l.pendingLabels, lbl)
	return nil
}

// Add appends instr as a new Entry, attaching any labels queued by Mark
// since the previous Add.
func (l *Listing) Add(instr Instruction) int {
	idx := len(l.entries)
	l.entries = append(l.entries, Entry{Instr: instr, Labels: l.pendingLabels})
	l.pendingLabels = nil
	return idx
}

// Entries returns the full instruction stream.
func (l *Listing) Entries() []Entry { return l.entries }

// SetEntries replaces the instruction stream wholesale. A Transform pass
// builds a new slice (immediate legalization, stack-slot materialization,
// prolog/epilog expansion) and installs it here rather than mutating
// l.entries' backing array in place.
func (l *Listing) SetEntries(entries []Entry) { l.entries = entries }

// TrailingLabels returns labels marked after the last instruction, which
// attach to "position = length" (one past the end), per spec.md §4.C.
func (l *Listing) TrailingLabels() []Label { return l.pendingLabels }

// IsMemberFn reports whether this Listing is a this-call member function.
func (l *Listing) IsMemberFn() bool { return l.isMemberFn }

// ResultType returns the function's declared return shape.
func (l *Listing) ResultType() (Operand, bool) { return l.resultSize, l.resultIsFloat }

// AddCatch attaches a (exceptionType, resumeLabel) mapping to block, marking
// this Listing as needing catch support.
func (l *Listing) AddCatch(block BlockID, exceptionType RefHandle, resume Label) {
	l.catches[block] = append(l.catches[block], CatchEntry{ExceptionType: exceptionType, ResumeLabel: resume})
}

// Catches returns the catch table for block.
func (l *Listing) Catches(block BlockID) []CatchEntry { return l.catches[block] }

// EhClean reports whether this Listing needs any unwind support at all:
// either a destructor fires OnException, or a catch clause is present.
func (l *Listing) EhClean() bool {
	if l.ExceptionHandlerNeeded() {
		return true
	}
	return l.EhCatch()
}

// EhCatch reports whether this Listing declares any catch clause.
func (l *Listing) EhCatch() bool {
	for _, c := range l.catches {
		if len(c) > 0 {
			return true
		}
	}
	return false
}

// DeepCopy produces an independent Listing with the same entries and frame
// shape, used by spec.md §8's round-trip property: assembling the copy must
// produce byte-identical machine code.
func (l *Listing) DeepCopy() *Listing {
	out := NewListing(l.isMemberFn, l.resultSize, l.resultIsFloat)
	out.Frame = l.Frame.deepCopy()
	out.entries = make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out.entries[i] = Entry{Instr: e.Instr, Labels: append([]Label(nil), e.Labels...)}
	}
	out.pendingLabels = append([]Label(nil), l.pendingLabels...)
	out.nextLabel = l.nextLabel
	for k, v := range l.markedLabels {
		out.markedLabels[k] = v
	}
	for k, v := range l.catches {
		out.catches[k] = append([]CatchEntry(nil), v...)
	}
	if l.varLocations != nil {
		out.varLocations = map[VarID]size.Offset{}
		for k, v := range l.varLocations {
			out.varLocations[k] = v
		}
	}
	out.frameSize = l.frameSize
	out.partSlotOffset = l.partSlotOffset
	out.blockSlotOffset = l.blockSlotOffset
	out.transformed = l.transformed
	out.unwindMarks = append([]UnwindMark(nil), l.unwindMarks...)
	return out
}

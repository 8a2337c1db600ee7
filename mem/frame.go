package mem

import "fmt"

// Frame identifies a single PageSize-aligned physical frame by its base
// address.
type Frame struct {
	base PhysicalAddress
}

// FrameFromAddress returns the Frame containing the given physical address.
func FrameFromAddress(addr PhysicalAddress) Frame {
	return Frame{base: addr.RoundDown()}
}

// FrameFromNumber returns the Frame whose base address is n*PageSize.
func FrameFromNumber(n uint64) Frame {
	return Frame{base: PhysicalAddress(n << PGSHIFT)}
}

// Base returns the frame's base physical address.
func (f Frame) Base() PhysicalAddress { return f.base }

// Number returns the frame's index (base address divided by PageSize).
func (f Frame) Number() uint64 { return uint64(f.base) >> PGSHIFT }

func (f Frame) String() string { return fmt.Sprintf("Frame(%s)", f.base) }

// FrameRange is an inclusive-start, inclusive-end, contiguous run of frames.
// The zero value is the designated empty range (see Empty/IsEmpty); all
// other FrameRanges are non-empty and satisfy start <= end.
type FrameRange struct {
	start    Frame
	end      Frame
	nonEmpty bool
}

// EmptyFrameRange returns the canonical empty FrameRange sentinel.
func EmptyFrameRange() FrameRange { return FrameRange{} }

// NewFrameRange constructs an inclusive [start, end] FrameRange. It panics if
// end precedes start; callers that need a possibly-empty range should use
// EmptyFrameRange instead of calling this with end < start.
func NewFrameRange(start, end Frame) FrameRange {
	if end.Number() < start.Number() {
		panic("mem: FrameRange end precedes start")
	}
	return FrameRange{start: start, end: end, nonEmpty: true}
}

// IsEmpty reports whether r is the empty sentinel.
func (r FrameRange) IsEmpty() bool { return !r.nonEmpty }

// Start returns the first frame in the range. Undefined on an empty range.
func (r FrameRange) Start() Frame { return r.start }

// End returns the last frame (inclusive) in the range. Undefined on an empty
// range.
func (r FrameRange) End() Frame { return r.end }

// NumFrames returns the number of frames the range spans (0 for empty).
func (r FrameRange) NumFrames() uint64 {
	if r.IsEmpty() {
		return 0
	}
	return r.end.Number() - r.start.Number() + 1
}

// SizeInBytes returns NumFrames() * PageSize.
func (r FrameRange) SizeInBytes() uint64 {
	return r.NumFrames() * uint64(PageSize)
}

// Contains reports whether f lies within r.
func (r FrameRange) Contains(f Frame) bool {
	if r.IsEmpty() {
		return false
	}
	n := f.Number()
	return n >= r.start.Number() && n <= r.end.Number()
}

// Split divides r into [start, at) and [at, end], returning ok=false if at
// does not fall strictly inside r (at == r.Start() or at is out of range are
// both rejected: a split must produce two non-empty halves).
func (r FrameRange) Split(at Frame) (before, after FrameRange, ok bool) {
	if r.IsEmpty() || !r.Contains(at) || at.Number() == r.start.Number() {
		return FrameRange{}, FrameRange{}, false
	}
	before = NewFrameRange(r.start, Frame{base: PhysicalAddress((at.Number() - 1) << PGSHIFT)})
	after = NewFrameRange(at, r.end)
	return before, after, true
}

// Merge combines r and other into a single range if and only if they are
// adjacent and non-overlapping. On failure it returns other unchanged so the
// caller retains ownership of both ranges.
func (r FrameRange) Merge(other FrameRange) (merged FrameRange, ok bool) {
	if r.IsEmpty() || other.IsEmpty() {
		return other, false
	}
	if r.end.Number()+1 == other.start.Number() {
		return NewFrameRange(r.start, other.end), true
	}
	if other.end.Number()+1 == r.start.Number() {
		return NewFrameRange(other.start, r.end), true
	}
	return other, false
}

func (r FrameRange) String() string {
	if r.IsEmpty() {
		return "FrameRange(empty)"
	}
	return fmt.Sprintf("FrameRange(%s..=%s)", r.start, r.end)
}

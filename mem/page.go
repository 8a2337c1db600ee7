package mem

import "fmt"

// Page identifies a single PageSize-aligned virtual page by its base address.
type Page struct {
	base VirtualAddress
}

// PageFromAddress returns the Page containing the given virtual address.
func PageFromAddress(addr VirtualAddress) Page {
	return Page{base: addr.RoundDown()}
}

// PageFromNumber returns the Page whose base address is n*PageSize.
func PageFromNumber(n uint64) Page {
	return Page{base: VirtualAddress(n << PGSHIFT)}
}

// Base returns the page's base virtual address.
func (p Page) Base() VirtualAddress { return p.base }

// Number returns the page's index (base address divided by PageSize).
func (p Page) Number() uint64 { return uint64(p.base) >> PGSHIFT }

func (p Page) String() string { return fmt.Sprintf("Page(%s)", p.base) }

// PageRange is an inclusive-start, inclusive-end, contiguous run of pages.
// The zero value is the designated empty range; see FrameRange for the
// invariants this mirrors.
type PageRange struct {
	start    Page
	end      Page
	nonEmpty bool
}

// EmptyPageRange returns the canonical empty PageRange sentinel.
func EmptyPageRange() PageRange { return PageRange{} }

// NewPageRange constructs an inclusive [start, end] PageRange. It panics if
// end precedes start.
func NewPageRange(start, end Page) PageRange {
	if end.Number() < start.Number() {
		panic("mem: PageRange end precedes start")
	}
	return PageRange{start: start, end: end, nonEmpty: true}
}

// IsEmpty reports whether r is the empty sentinel.
func (r PageRange) IsEmpty() bool { return !r.nonEmpty }

// Start returns the first page in the range. Undefined on an empty range.
func (r PageRange) Start() Page { return r.start }

// End returns the last page (inclusive) in the range. Undefined on an empty
// range.
func (r PageRange) End() Page { return r.end }

// NumPages returns the number of pages the range spans (0 for empty).
func (r PageRange) NumPages() uint64 {
	if r.IsEmpty() {
		return 0
	}
	return r.end.Number() - r.start.Number() + 1
}

// SizeInBytes returns NumPages() * PageSize.
func (r PageRange) SizeInBytes() uint64 {
	return r.NumPages() * uint64(PageSize)
}

// Contains reports whether p lies within r.
func (r PageRange) Contains(p Page) bool {
	if r.IsEmpty() {
		return false
	}
	n := p.Number()
	return n >= r.start.Number() && n <= r.end.Number()
}

// Split divides r into [start, at) and [at, end], returning ok=false if at
// does not strictly split r into two non-empty halves.
func (r PageRange) Split(at Page) (before, after PageRange, ok bool) {
	if r.IsEmpty() || !r.Contains(at) || at.Number() == r.start.Number() {
		return PageRange{}, PageRange{}, false
	}
	before = NewPageRange(r.start, Page{base: VirtualAddress((at.Number() - 1) << PGSHIFT)})
	after = NewPageRange(at, r.end)
	return before, after, true
}

// Merge combines r and other into a single range if and only if they are
// adjacent and non-overlapping. On failure it returns other unchanged.
func (r PageRange) Merge(other PageRange) (merged PageRange, ok bool) {
	if r.IsEmpty() || other.IsEmpty() {
		return other, false
	}
	if r.end.Number()+1 == other.start.Number() {
		return NewPageRange(r.start, other.end), true
	}
	if other.end.Number()+1 == r.start.Number() {
		return NewPageRange(other.start, r.end), true
	}
	return other, false
}

func (r PageRange) String() string {
	if r.IsEmpty() {
		return "PageRange(empty)"
	}
	return fmt.Sprintf("PageRange(%s..=%s)", r.start, r.end)
}

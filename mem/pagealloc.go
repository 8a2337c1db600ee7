package mem

import (
	"fmt"
	"sort"
	"sync"
)

// PageAllocator is a process-wide virtual-address-range arena, grounded on
// the same free-list discipline as Arena (see biscuit's mem.Physmem_t),
// applied to virtual pages instead of physical frames. It hands out
// contiguous PageRanges from a single registered span of kernel virtual
// address space.
type PageAllocator struct {
	mu   sync.Mutex
	free []PageRange
}

// NewPageAllocator returns a PageAllocator whose entire free list is the
// given [start, end] inclusive page range.
func NewPageAllocator(start, end Page) *PageAllocator {
	pa := &PageAllocator{}
	if end.Number() >= start.Number() {
		pa.free = []PageRange{NewPageRange(start, end)}
	}
	return pa
}

// Allocate removes a contiguous run of n pages from the free list and
// returns ownership of it as AllocatedPages.
func (pa *PageAllocator) Allocate(n uint64) (AllocatedPages, error) {
	if n == 0 {
		return AllocatedPages{}, fmt.Errorf("mem: Allocate: n must be > 0")
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()

	for i, r := range pa.free {
		total := r.NumPages()
		if total < n {
			continue
		}
		if total == n {
			pa.free = append(pa.free[:i], pa.free[i+1:]...)
			return AllocatedPages{arena: pa, rng: r}, nil
		}
		splitAt := Page{base: VirtualAddress((r.Start().Number() + n) << PGSHIFT)}
		taken, remainder, ok := r.Split(splitAt)
		if !ok {
			panic("mem: PageAllocator: free-list split invariant violated")
		}
		pa.free[i] = remainder
		return AllocatedPages{arena: pa, rng: taken}, nil
	}
	return AllocatedPages{}, ErrOutOfMemory
}

func (pa *PageAllocator) free_(r PageRange) {
	if r.IsEmpty() {
		return
	}
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.free = append(pa.free, r)
	sort.Slice(pa.free, func(i, j int) bool {
		return pa.free[i].Start().Number() < pa.free[j].Start().Number()
	})
	merged := pa.free[:0]
	for _, cur := range pa.free {
		if len(merged) > 0 {
			if m, ok := merged[len(merged)-1].Merge(cur); ok {
				merged[len(merged)-1] = m
				continue
			}
		}
		merged = append(merged, cur)
	}
	pa.free = merged
}

// AllocatedPages owns a PageRange taken from a process-wide virtual-address
// arena. Dropping it (Close) returns the range to the arena.
type AllocatedPages struct {
	arena *PageAllocator
	rng   PageRange
}

// Range returns the PageRange owned by ap.
func (ap AllocatedPages) Range() PageRange { return ap.rng }

// IsEmpty reports whether ap owns no pages.
func (ap AllocatedPages) IsEmpty() bool { return ap.rng.IsEmpty() }

// Close returns the owned range to its arena. Safe to call at most once.
func (ap *AllocatedPages) Close() {
	if ap.arena == nil || ap.rng.IsEmpty() {
		return
	}
	ap.arena.free_(ap.rng)
	ap.rng = PageRange{}
}

// Split divides ap into two AllocatedPages at the given page. On failure it
// returns ap unmodified as "after" so no ownership is lost.
func (ap AllocatedPages) Split(at Page) (before, after AllocatedPages, ok bool) {
	b, a2, ok := ap.rng.Split(at)
	if !ok {
		return AllocatedPages{}, ap, false
	}
	return AllocatedPages{arena: ap.arena, rng: b}, AllocatedPages{arena: ap.arena, rng: a2}, true
}

// Merge combines ap and other if they are adjacent and drawn from the same
// arena. On failure it returns other unmodified so no ownership is lost.
func (ap AllocatedPages) Merge(other AllocatedPages) (merged AllocatedPages, ok bool) {
	if ap.arena != other.arena {
		return other, false
	}
	m, ok := ap.rng.Merge(other.rng)
	if !ok {
		return other, false
	}
	return AllocatedPages{arena: ap.arena, rng: m}, true
}

package mem

import "testing"

func page(n uint64) Page { return Page{base: VirtualAddress(n << PGSHIFT)} }

func TestPageRangeBasics(t *testing.T) {
	r := NewPageRange(page(1), page(4))
	if got, want := r.NumPages(), uint64(4); got != want {
		t.Fatalf("NumPages() = %d, want %d", got, want)
	}
	if !r.Contains(page(2)) || r.Contains(page(5)) {
		t.Fatal("Contains disagreed with range bounds")
	}
}

func TestPageRangeSplitMergeRoundTrip(t *testing.T) {
	r := NewPageRange(page(0), page(99))
	before, after, ok := r.Split(page(50))
	if !ok {
		t.Fatal("split failed")
	}
	merged, ok := before.Merge(after)
	if !ok || merged != r {
		t.Fatalf("merge(split(r)) = %s ok=%v, want %s", merged, ok, r)
	}
}

func TestPageRangeMergeFailureReturnsOther(t *testing.T) {
	a := NewPageRange(page(0), page(9))
	other := NewPageRange(page(100), page(109))
	got, ok := a.Merge(other)
	if ok || got != other {
		t.Fatalf("expected failed merge to return other unchanged, got %s ok=%v", got, ok)
	}
}

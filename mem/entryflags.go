package mem

import "strings"

// EntryFlags is the page-table leaf/intermediate entry flag bitset, modeled
// on biscuit's PTE_* constants (see biscuit/src/mem/mem.go) and extended with
// the kernel-defined EXCLUSIVE bit described in spec.md §3.3.
type EntryFlags uint64

const (
	PRESENT       EntryFlags = 1 << 0
	WRITABLE      EntryFlags = 1 << 1
	USER          EntryFlags = 1 << 2
	WRITE_THROUGH EntryFlags = 1 << 3
	NO_CACHE      EntryFlags = 1 << 4
	ACCESSED      EntryFlags = 1 << 5
	DIRTY         EntryFlags = 1 << 6
	HUGE          EntryFlags = 1 << 7
	GLOBAL        EntryFlags = 1 << 8
	// EXCLUSIVE marks a leaf mapping whose frames are owned solely by that
	// mapping. It is kernel-defined; x86_64 reserves bits 9-11 of a PTE for
	// OS use, so EXCLUSIVE borrows bit 9. It must never appear on a
	// non-leaf (P4/P3/P2-pointing) entry.
	EXCLUSIVE  EntryFlags = 1 << 9
	NO_EXECUTE EntryFlags = 1 << 63
)

// Has reports whether all bits in want are set in f.
func (f EntryFlags) Has(want EntryFlags) bool { return f&want == want }

// Without returns f with every bit in drop cleared.
func (f EntryFlags) Without(drop EntryFlags) EntryFlags { return f &^ drop }

// With returns f with every bit in add set.
func (f EntryFlags) With(add EntryFlags) EntryFlags { return f | add }

func (f EntryFlags) String() string {
	var names = []struct {
		bit  EntryFlags
		name string
	}{
		{PRESENT, "PRESENT"},
		{WRITABLE, "WRITABLE"},
		{USER, "USER"},
		{WRITE_THROUGH, "WRITE_THROUGH"},
		{NO_CACHE, "NO_CACHE"},
		{ACCESSED, "ACCESSED"},
		{DIRTY, "DIRTY"},
		{HUGE, "HUGE"},
		{GLOBAL, "GLOBAL"},
		{EXCLUSIVE, "EXCLUSIVE"},
		{NO_EXECUTE, "NO_EXECUTE"},
	}
	var parts []string
	for _, n := range names {
		if f.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, "|")
}

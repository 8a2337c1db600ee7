// Package vm implements the bijective virtual-to-physical mapping layer:
// a Mapper that walks a (simulated) hierarchy of page tables, and the
// MappedRegion type that owns a contiguous run of mapped pages the way a
// guard type owns a resource. It is grounded on
// kernel/memory/src/paging/mapper.rs from the original implementation,
// adapted to biscuit's habit (biscuit/src/vm/as.go, biscuit/src/mem/dmap.go)
// of walking a real P4->P3->P2->P1 hierarchy of Pmap_t-shaped tables one
// 9-bit index at a time, growing intermediate tables on demand the way
// pmap_walk does.
package vm

import (
	"fmt"
	"sync"

	"github.com/theseus-os/crate-loader/mem"
)

const entriesPerTable = 512

// hugePageSize1GiB and hugePageSize2MiB are the frame sizes a P3 or P2 leaf
// entry (the PTE_PS/HUGE bit) stands for, matching the two huge-page sizes
// biscuit's Dmap_init programs (biscuit/src/mem/dmap.go).
const (
	hugePageSize1GiB uint64 = 1 << 30
	hugePageSize2MiB uint64 = 1 << 21
)

// pageTable is one page-table page. entries is the Pmap_t-shaped slot array
// every level shares; children records, for any slot that points at a
// further table rather than a frame, the Go-resident table that entry
// stands for. A hosted build has no hardware direct-map to recover a child
// table from the raw address stored in entries, so children plays the role
// biscuit's kpages tracker plays in dmap.go: the bookkeeping a real CR3 walk
// gets from physical memory for free.
type pageTable struct {
	entries  mem.Pmap_t
	children [entriesPerTable]*pageTable
}

// pageIndices splits p's page number into its four 9-bit page-table
// indices, the same decomposition as biscuit's pgbits (biscuit/src/mem/dmap.go):
// 12 bits of in-page offset are already gone by the time a Page exists, so
// each successive 9 bits selects the P1, P2, P3, and P4 slot in turn.
func pageIndices(p mem.Page) (p4, p3, p2, p1 uint64) {
	n := p.Number()
	p1 = n & 0x1ff
	p2 = (n >> 9) & 0x1ff
	p3 = (n >> 18) & 0x1ff
	p4 = (n >> 27) & 0x1ff
	return
}

// Mapper owns one simulated page table rooted at a P4 table. In a hosted,
// non-bare-metal build there is exactly one Mapper per process, playing the
// role that CR3 and the P4 table play in the original kernel.
type Mapper struct {
	mu    sync.Mutex
	root  *pageTable
	arena *mem.Arena
}

// NewMapper returns a Mapper with an empty page table, backed by arena for
// any mapping call that needs to allocate its own physical frames.
func NewMapper(arena *mem.Arena) *Mapper {
	return &Mapper{root: &pageTable{}, arena: arena}
}

// Translate resolves a virtual address to the physical address it is
// currently mapped to, or ok=false if no mapping covers it. It walks all
// four levels and, on encountering a 1 GiB or 2 MiB huge entry partway
// down, composes that entry's frame base with the remaining low bits of
// addr instead of continuing the walk.
func (m *Mapper) Translate(addr mem.VirtualAddress) (mem.PhysicalAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.translateLocked(addr)
}

func (m *Mapper) translateLocked(addr mem.VirtualAddress) (mem.PhysicalAddress, bool) {
	p4i, p3i, p2i, p1i := pageIndices(mem.PageFromAddress(addr))

	p3 := m.root.children[p4i]
	if p3 == nil {
		return 0, false
	}

	p3e := p3.entries[p3i]
	if !p3e.Flags().Has(mem.PRESENT) {
		return 0, false
	}
	if p3e.Flags().Has(mem.HUGE) {
		low := addr.Value() & (hugePageSize1GiB - 1)
		return mem.NewPhysicalAddress(p3e.Addr().Value() + low), true
	}
	p2 := p3.children[p3i]
	if p2 == nil {
		return 0, false
	}

	p2e := p2.entries[p2i]
	if !p2e.Flags().Has(mem.PRESENT) {
		return 0, false
	}
	if p2e.Flags().Has(mem.HUGE) {
		low := addr.Value() & (hugePageSize2MiB - 1)
		return mem.NewPhysicalAddress(p2e.Addr().Value() + low), true
	}
	p1 := p2.children[p2i]
	if p1 == nil {
		return 0, false
	}

	p1e := p1.entries[p1i]
	if !p1e.Flags().Has(mem.PRESENT) {
		return 0, false
	}
	return mem.NewPhysicalAddress(p1e.Addr().Value() + addr.PageOffset()), true
}

// TranslatePage resolves a page to the frame it is mapped to. For a page
// whose mapping is a huge entry, this is the 4 KiB frame at that page's
// particular offset into the huge frame, since every other part of this
// repository (Arena.Bytes in particular) addresses physical memory at 4 KiB
// granularity regardless of the page-table entry that produced it.
func (m *Mapper) TranslatePage(p mem.Page) (mem.Frame, bool) {
	phys, ok := m.Translate(p.Base())
	if !ok {
		return mem.Frame{}, false
	}
	return mem.FrameFromAddress(phys), true
}

// flagsFor derives the actual leaf-entry flags for a mapping request: PRESENT
// is always forced on, and EXCLUSIVE is set only when the caller truly owns
// the frames being mapped (mirrors Mapper::map_allocated_pages_to's
// actual_flags / top_level_flags split, minus the top_level_flags half since
// intermediate entries here always get the fixed PRESENT|WRITABLE pair).
func flagsFor(requested mem.EntryFlags, exclusive bool) mem.EntryFlags {
	f := requested.With(mem.PRESENT)
	if exclusive {
		f = f.With(mem.EXCLUSIVE)
	} else {
		f = f.Without(mem.EXCLUSIVE)
	}
	return f
}

// descend returns t's child table at idx, growing it first if none exists
// yet. The new intermediate entry is installed as PRESENT|WRITABLE with
// neither NO_EXECUTE nor EXCLUSIVE, exactly as spec.md's map operation
// requires of intermediate levels; it is never a leaf, so its packed
// address is left 0 (children[idx] is this simulation's only usable
// pointer back to it; see pageTable's doc comment).
func (t *pageTable) descend(idx uint64) *pageTable {
	if t.children[idx] == nil {
		t.children[idx] = &pageTable{}
		t.entries[idx] = mem.NewPTE(mem.NewPhysicalAddress(0), mem.PRESENT|mem.WRITABLE)
	}
	return t.children[idx]
}

// leafSlot returns a pointer to p's P1 entry, creating any missing P4/P3/P2
// table along the way. Mirrors pmap_walk's walk-and-grow behavior
// (biscuit/src/vm/as.go:523, called from Page_insert with PTE_U|PTE_W).
func (m *Mapper) leafSlot(p mem.Page) *mem.PTE {
	p4i, p3i, p2i, p1i := pageIndices(p)
	p3 := m.root.descend(p4i)
	p2 := p3.descend(p3i)
	p1 := p2.descend(p2i)
	return &p1.entries[p1i]
}

// lookupLeaf returns a pointer to p's P1 entry without creating any missing
// intermediate table, and ok=false if any level along the way is absent.
// Callers that reach a present huge entry partway down (never produced by
// this Mapper's own map operations, only by a hand-built bootstrap mapping)
// are out of scope for lookupLeaf: unmap and remap only ever act on leaves
// this Mapper itself installed at the P1 level.
func (m *Mapper) lookupLeaf(p mem.Page) (*mem.PTE, bool) {
	p4i, p3i, p2i, p1i := pageIndices(p)
	p3 := m.root.children[p4i]
	if p3 == nil {
		return nil, false
	}
	p2 := p3.children[p3i]
	if p2 == nil {
		return nil, false
	}
	p1 := p2.children[p2i]
	if p1 == nil {
		return nil, false
	}
	return &p1.entries[p1i], true
}

// mapLockstep installs page->frame entries for every (page, frame) pair in
// lockstep, failing if any page's leaf entry is already PRESENT. Checking
// every slot before installing any entry means a failure never needs to roll
// back a partial mapping; any intermediate P4/P3/P2 tables leafSlot grew
// along the way are left in place, harmless and still empty, the same as a
// real pmap_walk that grows a table and then finds the leaf already taken.
func (m *Mapper) mapLockstep(pages []mem.Page, frames []mem.Frame, flags mem.EntryFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make([]*mem.PTE, len(pages))
	for i, p := range pages {
		slot := m.leafSlot(p)
		if slot.Flags().Has(mem.PRESENT) {
			return fmt.Errorf("vm: page %s was already mapped", p)
		}
		slots[i] = slot
	}
	for i, f := range frames {
		*slots[i] = mem.NewPTE(f.Base(), flags)
	}
	return nil
}

// MapAllocatedPagesTo maps pages to frames one-to-one in address order,
// taking ownership of both. On success the returned MappedRegion is
// responsible for unmapping the pages and, because the mapping is
// EXCLUSIVE, for freeing the frames back to their arena when it is closed.
func (m *Mapper) MapAllocatedPagesTo(pages mem.AllocatedPages, frames mem.AllocatedFrames, flags mem.EntryFlags) (*MappedRegion, error) {
	pr, fr := pages.Range(), frames.Range()
	if pr.NumPages() != fr.NumFrames() {
		return nil, fmt.Errorf("vm: MapAllocatedPagesTo: page count %d must equal frame count %d", pr.NumPages(), fr.NumFrames())
	}
	ps, fs := expandPages(pr), expandFrames(fr)
	actual := flagsFor(flags, true)
	if err := m.mapLockstep(ps, fs, actual); err != nil {
		return nil, err
	}
	// Ownership of the frames is now tracked solely by the EXCLUSIVE bit in
	// each page table entry; frames is deliberately never Closed here.
	return &MappedRegion{mapper: m, pages: pages, flags: actual}, nil
}

// MapAllocatedPages maps pages to freshly allocated frames drawn from
// mapper's arena, one frame per page. The resulting mapping is EXCLUSIVE.
func (m *Mapper) MapAllocatedPages(pages mem.AllocatedPages, flags mem.EntryFlags) (*MappedRegion, error) {
	pr := pages.Range()
	n := pr.NumPages()
	if n == 0 {
		return &MappedRegion{mapper: m, pages: pages, flags: flagsFor(flags, true)}, nil
	}
	af, err := m.arena.Allocate(n)
	if err != nil {
		return nil, err
	}
	return m.MapAllocatedPagesTo(pages, af, flags)
}

// MapToNonExclusive maps pages onto an arbitrary, caller-owned frame range
// without taking ownership of those frames. This is the escape hatch for
// non-bijective mappings (e.g. adopting the nano-core's own image, or
// mapping MMIO); the resulting region never frees its frames on unmap, no
// matter what flags are requested.
func (m *Mapper) MapToNonExclusive(pages mem.AllocatedPages, frames mem.FrameRange, flags mem.EntryFlags) (*MappedRegion, error) {
	pr := pages.Range()
	if pr.NumPages() != frames.NumFrames() {
		return nil, fmt.Errorf("vm: MapToNonExclusive: page count %d must equal frame count %d", pr.NumPages(), frames.NumFrames())
	}
	ps, fs := expandPages(pr), expandFrames(frames)
	actual := flagsFor(flags, false)
	if err := m.mapLockstep(ps, fs, actual); err != nil {
		return nil, err
	}
	return &MappedRegion{mapper: m, pages: pages, flags: actual}, nil
}

// unmap removes every page in r from the table and, for each entry that was
// EXCLUSIVE, reclaims its frame back to the arena that owns it. It is called
// only from MappedRegion.Close/Unmap.
func (m *Mapper) unmap(r mem.PageRange, arena *mem.Arena) {
	if r.IsEmpty() {
		return
	}
	pages := expandPages(r)

	m.mu.Lock()
	var reclaim []mem.Frame
	for _, p := range pages {
		slot, ok := m.lookupLeaf(p)
		if !ok || !slot.Flags().Has(mem.PRESENT) {
			continue
		}
		if slot.Flags().Has(mem.EXCLUSIVE) {
			reclaim = append(reclaim, mem.FrameFromAddress(slot.Addr()))
		}
		*slot = 0
	}
	m.mu.Unlock()

	broadcastTLBShootdown(pages)

	if arena == nil {
		return
	}
	for _, f := range reclaim {
		af := arena.AdoptFrame(f)
		af.Close()
	}
}

// remap changes the flags of every currently-mapped page in r, preserving
// each entry's EXCLUSIVE bit (only Mapper.unmap may clear it), mirroring
// MappedPages::remap's "new_flags.set(EXCLUSIVE, self.flags.is_exclusive())"
// rule so a caller can never accidentally make a non-owned mapping look
// owned or vice versa.
func (m *Mapper) remap(r mem.PageRange, newFlags mem.EntryFlags) (mem.EntryFlags, error) {
	if r.IsEmpty() {
		return newFlags, nil
	}
	pages := expandPages(r)

	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make([]*mem.PTE, len(pages))
	for i, p := range pages {
		slot, ok := m.lookupLeaf(p)
		if !ok || !slot.Flags().Has(mem.PRESENT) {
			return 0, fmt.Errorf("vm: remap: page %s not mapped", p)
		}
		slots[i] = slot
	}
	var actual mem.EntryFlags
	for _, slot := range slots {
		addr := slot.Addr()
		actual = flagsFor(newFlags, slot.Flags().Has(mem.EXCLUSIVE))
		*slot = mem.NewPTE(addr, actual)
	}
	broadcastTLBShootdown(pages)
	return actual, nil
}

func expandPages(r mem.PageRange) []mem.Page {
	if r.IsEmpty() {
		return nil
	}
	n := r.NumPages()
	out := make([]mem.Page, 0, n)
	start := r.Start().Number()
	for i := uint64(0); i < n; i++ {
		out = append(out, mem.PageFromNumber(start+i))
	}
	return out
}

func expandFrames(r mem.FrameRange) []mem.Frame {
	if r.IsEmpty() {
		return nil
	}
	n := r.NumFrames()
	out := make([]mem.Frame, 0, n)
	start := r.Start().Number()
	for i := uint64(0); i < n; i++ {
		out = append(out, mem.FrameFromNumber(start+i))
	}
	return out
}

package mem

// Pmap_t is a single page-table page: 512 64-bit entries, the same shape as
// biscuit's mem.Pmap_t (biscuit/src/mem/mem.go). vm.Mapper keeps one of
// these per P4/P3/P2/P1 table it creates.
type Pmap_t [512]PTE

// PTE is one page-table entry: a frame-aligned physical address packed
// together with EntryFlags in the low/high bits biscuit's Pa_t values use
// (PTE_P|PTE_W|... OR'd onto a page-aligned address; see
// biscuit/src/mem/dmap.go's "*dpte = Pa_t(p_pdpt) | PTE_P | PTE_W").
type PTE uint64

// ptrFlagsMask covers every bit NewPTE treats as a flag rather than part of
// the packed address: the low PGSHIFT bits (always zero in a page-aligned
// address) plus the top NO_EXECUTE bit.
const ptrFlagsMask = EntryFlags(pageMask) | NO_EXECUTE

// NewPTE packs addr and flags into a single entry. addr's low PGSHIFT bits
// are discarded, since a frame base is always page-aligned and those bits
// are where the flags live instead.
func NewPTE(addr PhysicalAddress, flags EntryFlags) PTE {
	return PTE(uint64(addr)&^pageMask) | PTE(flags&ptrFlagsMask)
}

// Flags returns the flag bits packed into e.
func (e PTE) Flags() EntryFlags { return EntryFlags(e) & ptrFlagsMask }

// Addr returns the frame-aligned physical address packed into e.
func (e PTE) Addr() PhysicalAddress { return PhysicalAddress(uint64(e) &^ uint64(ptrFlagsMask)) }

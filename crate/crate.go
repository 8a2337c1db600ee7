package crate

import "github.com/theseus-os/crate-loader/vm"

// LoadedCrate owns the three protection-class MappedRegions that back an
// independently loadable ELF relocatable object, plus the section metadata
// describing what lives where. It is registered in exactly one Namespace;
// Close releases its three regions, and Namespace.RemoveCrate calls it
// after dropping its record of the crate.
type LoadedCrate struct {
	Name string

	Text   *vm.MappedRegion
	Rodata *vm.MappedRegion
	Data   *vm.MappedRegion

	// Sections is keyed by ELF section header index, matching how
	// relocations reference sections by sh_info/shndx.
	Sections map[int]*LoadedSection

	// GlobalSections lists the section indices eligible for cross-crate
	// symbol resolution.
	GlobalSections []int
	// TLSSections lists the section indices participating in the TLS
	// initializer image.
	TLSSections []int
	// DataSections lists the section indices that must be reinitialized on
	// a crate swap (data and bss).
	DataSections []int
	// ReexportedSymbols holds names that, at the time this crate was
	// registered, shadowed an existing Namespace binding originating from
	// another crate.
	ReexportedSymbols map[string]struct{}

	// Dependencies records one edge per successful relocation, from a
	// section in this crate to the crate/section that supplied its source
	// symbol, so a future crate swap knows what to invalidate.
	Dependencies []Dependency
}

// Dependency is one relocation's source-symbol edge, recorded so that
// swapping out ToCrate can find every section that relocated against it.
type Dependency struct {
	FromSection int
	ToCrate     string
	ToSection   string
}

// NewLoadedCrate returns an empty LoadedCrate ready to have sections added
// to it by the loader.
func NewLoadedCrate(name string, text, rodata, data *vm.MappedRegion) *LoadedCrate {
	return &LoadedCrate{
		Name:              name,
		Text:              text,
		Rodata:            rodata,
		Data:              data,
		Sections:          make(map[int]*LoadedSection),
		ReexportedSymbols: make(map[string]struct{}),
	}
}

// AddSection records a section under the given ELF section header index and
// wires its back-reference to c, mirroring the crate-owns-section /
// section-weak-refs-crate ownership direction from spec.md §9.
func (c *LoadedCrate) AddSection(index int, s *LoadedSection) {
	s.CrateRef = c
	c.Sections[index] = s
	if s.Global {
		c.GlobalSections = append(c.GlobalSections, index)
	}
	if s.Typ.IsTLS() {
		c.TLSSections = append(c.TLSSections, index)
	}
	if s.Typ == Data || s.Typ == Bss {
		c.DataSections = append(c.DataSections, index)
	}
}

// Close unmaps and frees this crate's three memory regions. A second call is
// a no-op, since each region's Close is. Namespace.RemoveCrate calls it
// after dropping the crate's record.
func (c *LoadedCrate) Close() {
	c.Text.Close()
	c.Rodata.Close()
	c.Data.Close()
}

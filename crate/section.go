// Package crate holds the metadata describing a loaded kernel crate: its
// sections and the three memory regions they live in. It is grounded on the
// LoadedSection/LoadedCrate types implied by the nano_core module manager
// (kernel/nano_core/src/mod_mgmt/mod.rs) and the metadata module it imports,
// adapted from Theseus's Arc/Weak ownership graph to plain pointers: Go's
// tracing collector reclaims the crate/section reference cycle on its own,
// so the only thing that needs an explicit lifecycle is the MappedRegions
// each LoadedCrate owns, which Close releases deterministically.
package crate

import (
	"fmt"

	"github.com/theseus-os/crate-loader/vm"
)

// SectionKind classifies the protection/purpose of a LoadedSection.
type SectionKind int

const (
	Text SectionKind = iota
	Rodata
	Data
	Bss
	TlsData
	TlsBss
	EhFrame
	GccExceptTable
)

func (k SectionKind) String() string {
	switch k {
	case Text:
		return "Text"
	case Rodata:
		return "Rodata"
	case Data:
		return "Data"
	case Bss:
		return "Bss"
	case TlsData:
		return "TlsData"
	case TlsBss:
		return "TlsBss"
	case EhFrame:
		return "EhFrame"
	case GccExceptTable:
		return "GccExceptTable"
	default:
		return fmt.Sprintf("SectionKind(%d)", int(k))
	}
}

// IsTLS reports whether k is one of the two TLS section kinds.
func (k SectionKind) IsTLS() bool { return k == TlsData || k == TlsBss }

// LoadedSection is one contiguous slice inside one of a crate's
// MappedRegions, per spec.md §3.5.
type LoadedSection struct {
	Typ SectionKind
	// Name is the demangled symbol name with any compiler hash suffix
	// stripped, for ordinary sections; for EhFrame/GccExceptTable it is a
	// fixed descriptive string rather than a real symbol.
	Name string
	// Region is the MappedRegion this section lives inside.
	Region *vm.MappedRegion
	// Offset is this section's byte offset within Region.
	Offset uint64
	// VirtAddr is the virtual address of the section's first byte for
	// ordinary sections, or the TLS offset for TlsData/TlsBss sections (the
	// value TPOFF relocations read).
	VirtAddr uint64
	// Size is the section's length in bytes.
	Size uint64
	// Global reports whether this section participates in cross-crate
	// symbol resolution.
	Global bool
	// CrateRef is a back-reference to the owning LoadedCrate.
	CrateRef *LoadedCrate
}

// ContainsAddress reports whether addr falls within [VirtAddr, VirtAddr+Size)
// for a non-TLS section. It is meaningless for TLS sections, whose VirtAddr
// is an offset rather than an address.
func (s *LoadedSection) ContainsAddress(addr uint64) bool {
	return addr >= s.VirtAddr && addr < s.VirtAddr+s.Size
}

// Bytes returns a copy of the section's backing bytes.
func (s *LoadedSection) Bytes() ([]byte, error) {
	return s.Region.ReadAt(s.Offset, s.Size)
}

// WriteAt writes data into the section starting at the given in-section
// byte offset.
func (s *LoadedSection) WriteAt(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > s.Size {
		return fmt.Errorf("crate: write [%d:%d) overruns section %q of size %d", offset, offset+uint64(len(data)), s.Name, s.Size)
	}
	return s.Region.WriteAt(s.Offset+offset, data)
}

// Package loader implements the ELF crate loader: parsing a relocatable
// kernel crate object, placing its sections into three protection-class
// memory regions, applying relocations against local and cross-crate
// symbols, and registering the result in a Namespace. It is grounded on
// parse_elf_kernel_crate in the original nano_core module manager
// (kernel/nano_core/src/mod_mgmt/mod.rs), reworked from xmas_elf/goblin
// section-by-section parsing onto Go's stdlib debug/elf, which the teacher
// repo's own chentry.go CLI already uses for ELF introspection.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/theseus-os/crate-loader/crate"
	"github.com/theseus-os/crate-loader/demangle"
	"github.com/theseus-os/crate-loader/mem"
	"github.com/theseus-os/crate-loader/symbol"
	"github.com/theseus-os/crate-loader/tls"
	"github.com/theseus-os/crate-loader/vm"
)

// KernelCratePrefix is the name prefix every loadable kernel crate must
// carry, mirroring the original's "__k_" convention.
const KernelCratePrefix = "__k_"

// placedSection is the bookkeeping the loader keeps between its
// classification pass and its byte-copy/relocation passes, before a
// crate.LoadedSection (which needs a live MappedRegion) can be built.
type placedSection struct {
	index    int
	kind     crate.SectionKind
	name     string
	global   bool
	offset   uint64 // byte offset within its class's region (rodata for TLS sections)
	tlsOff   uint64 // TLS offset, for TLS sections only
	size     uint64
	nobits   bool
	elfSect  *elf.Section
	tlsClass bool
}

// LoadCrate parses the ELF relocatable object in data, places its sections,
// applies its relocations against ns, and registers the resulting crate in
// ns. name must begin with KernelCratePrefix.
func LoadCrate(name string, data []byte, ns *symbol.Namespace, mapper *vm.Mapper, pages *mem.PageAllocator, tlsMgr *tls.Manager) (*crate.LoadedCrate, error) {
	if !strings.HasPrefix(name, KernelCratePrefix) {
		return nil, &Error{Kind: NotAKernelCrate, Name: name}
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errf(InvalidInput, err)
	}
	if ef.Type != elf.ET_REL {
		return nil, errf(InvalidInput, fmt.Errorf("crate %q is not an ET_REL relocatable object (got %s)", name, ef.Type))
	}
	syms, err := ef.Symbols()
	if err != nil {
		return nil, errf(InvalidInput, fmt.Errorf("crate %q has no symbol table: %w", name, err))
	}

	placedByIndex := make(map[int]*placedSection)
	var textCursor, rodataCursor, dataCursor, tlsCursor uint64

	for i, s := range ef.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if s.Type != elf.SHT_PROGBITS && s.Type != elf.SHT_NOBITS {
			continue
		}
		writable := s.Flags&elf.SHF_WRITE != 0
		exec := s.Flags&elf.SHF_EXECINSTR != 0
		isTLS := s.Flags&elf.SHF_TLS != 0
		nobits := s.Type == elf.SHT_NOBITS

		var kind crate.SectionKind
		switch {
		case isTLS && writable && !nobits:
			kind = crate.TlsData
		case isTLS && writable && nobits:
			kind = crate.TlsBss
		case exec && !writable && !isTLS:
			kind = crate.Text
		case !writable && !exec && !isTLS:
			kind = crate.Rodata
			if s.Name == ".eh_frame" {
				kind = crate.EhFrame
			} else if s.Name == ".gcc_except_table" {
				kind = crate.GccExceptTable
			}
		case writable && !nobits && !isTLS:
			kind = crate.Data
		case writable && nobits && !isTLS:
			kind = crate.Bss
		default:
			return nil, errf(InvalidInput, fmt.Errorf("section %q has an unsupported SHF flag combination", s.Name))
		}

		align := s.Addralign
		if align == 0 {
			align = 1
		}

		var offset, tlsOffset uint64
		switch {
		case kind.IsTLS():
			// The TLS initializer bytes live in the rodata region; the TLS
			// offset is tracked separately.
			tlsOffset = roundUp(tlsCursor, align)
			tlsCursor = tlsOffset + s.Size
			offset = roundUp(rodataCursor, align)
			rodataCursor = offset + s.Size
		case kind == crate.Text:
			offset = roundUp(textCursor, align)
			textCursor = offset + s.Size
		case kind == crate.Data || kind == crate.Bss:
			offset = roundUp(dataCursor, align)
			dataCursor = offset + s.Size
		default: // Rodata, EhFrame, GccExceptTable
			offset = roundUp(rodataCursor, align)
			rodataCursor = offset + s.Size
		}

		global, symName := classifySymbol(syms, i, s.Name)
		placedByIndex[i] = &placedSection{
			index: i, kind: kind, name: symName, global: global,
			offset: offset, tlsOff: tlsOffset, size: s.Size, nobits: nobits, elfSect: s,
			tlsClass: kind.IsTLS(),
		}
	}

	textRegion, err := allocateRegion(mapper, pages, textCursor)
	if err != nil {
		return nil, err
	}
	rodataRegion, err := allocateRegion(mapper, pages, rodataCursor)
	if err != nil {
		textRegion.Close()
		return nil, err
	}
	dataRegion, err := allocateRegion(mapper, pages, dataCursor)
	if err != nil {
		textRegion.Close()
		rodataRegion.Close()
		return nil, err
	}

	succeeded := false
	var registeredTLSOffsets []uint64
	defer func() {
		if !succeeded {
			tlsMgr.RemoveSections(registeredTLSOffsets)
			textRegion.Close()
			rodataRegion.Close()
			dataRegion.Close()
		}
	}()

	lc := crate.NewLoadedCrate(name, textRegion, rodataRegion, dataRegion)

	// Build every LoadedSection (in section-header order) before copying
	// bytes or relocating, so relocations can resolve local targets
	// regardless of section order.
	for _, idx := range orderedIndices(placedByIndex) {
		ps := placedByIndex[idx]
		region, virtAddr := regionAndVirtAddr(ps, textRegion, rodataRegion, dataRegion)
		sec := &crate.LoadedSection{
			Typ: ps.kind, Name: ps.name, Region: region,
			Offset: ps.offset, VirtAddr: virtAddr, Size: ps.size, Global: ps.global,
		}
		lc.AddSection(ps.index, sec)
		if ps.tlsClass {
			if err := tlsMgr.AddExistingStaticTLSSection(ps.tlsOff, sec); err != nil {
				return nil, errf(Internal, err)
			}
			registeredTLSOffsets = append(registeredTLSOffsets, ps.tlsOff)
		}
	}

	// Copy PROGBITS bytes; NOBITS sections are already zero.
	for idx, ps := range placedByIndex {
		if ps.nobits {
			continue
		}
		raw, err := ps.elfSect.Data()
		if err != nil {
			return nil, errf(InvalidInput, fmt.Errorf("reading section %q: %w", ps.elfSect.Name, err))
		}
		sec := lc.Sections[idx]
		if err := sec.Region.WriteAt(sec.Offset, raw); err != nil {
			return nil, errf(Internal, err)
		}
	}

	if err := applyRelocations(ef, syms, lc, placedByIndex, ns); err != nil {
		return nil, err
	}

	if err := finalize(textRegion, rodataRegion, dataRegion); err != nil {
		return nil, errf(Internal, err)
	}

	ns.AddSymbols(lc)
	succeeded = true
	return lc, nil
}

func finalize(text, rodata, data *vm.MappedRegion) error {
	if err := text.Remap(mem.EntryFlags(0)); err != nil { // executable, read-only
		return err
	}
	if err := rodata.Remap(mem.NO_EXECUTE); err != nil {
		return err
	}
	if err := data.Remap(mem.WRITABLE.With(mem.NO_EXECUTE)); err != nil {
		return err
	}
	return nil
}

func allocateRegion(mapper *vm.Mapper, pages *mem.PageAllocator, size uint64) (*vm.MappedRegion, error) {
	n := roundUp(size, uint64(mem.PageSize)) / uint64(mem.PageSize)
	if n == 0 {
		n = 1
	}
	ap, err := pages.Allocate(n)
	if err != nil {
		return nil, errf(OutOfMemory, err)
	}
	region, err := mapper.MapAllocatedPages(ap, mem.WRITABLE)
	if err != nil {
		if errors.Is(err, mem.ErrOutOfMemory) {
			return nil, errf(OutOfMemory, err)
		}
		return nil, errf(Internal, err)
	}
	return region, nil
}

func regionAndVirtAddr(ps *placedSection, text, rodata, data *vm.MappedRegion) (*vm.MappedRegion, uint64) {
	if ps.tlsClass {
		return rodata, ps.tlsOff // TLS offset, not an address
	}
	switch ps.kind {
	case crate.Text:
		return text, text.Range().Start().Base().Value() + ps.offset
	case crate.Data, crate.Bss:
		return data, data.Range().Start().Base().Value() + ps.offset
	default: // Rodata, EhFrame, GccExceptTable
		return rodata, rodata.Range().Start().Base().Value() + ps.offset
	}
}

// classifySymbol looks for the symbol table entry that names section index
// secIdx: one whose Section field matches secIdx, with GLOBAL/WEAK binding,
// FUNC/OBJECT type, and default visibility, per spec.md §4.1. Its demangled
// name (without hash) becomes the section's name; absent a match, the raw
// ELF section name is used and the section is not globally visible.
func classifySymbol(syms []elf.Symbol, secIdx int, fallbackName string) (global bool, name string) {
	for _, s := range syms {
		if int(s.Section) != secIdx {
			continue
		}
		bind := elf.ST_BIND(s.Info)
		typ := elf.ST_TYPE(s.Info)
		vis := elf.ST_VISIBILITY(s.Other)
		if (bind == elf.STB_GLOBAL || bind == elf.STB_WEAK) &&
			(typ == elf.STT_FUNC || typ == elf.STT_OBJECT) &&
			vis == elf.STV_DEFAULT {
			return true, demangle.Demangle(s.Name).Full
		}
	}
	return false, fallbackName
}

// orderedIndices returns the keys of m sorted ascending, i.e. in
// section-header order.
func orderedIndices(m map[int]*placedSection) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

const relaEntrySize = 24 // r_offset(8) + r_info(8) + r_addend(8), Elf64_Rela

// applyRelocations iterates every SHT_RELA section and applies its entries
// against already-placed sections, per spec.md §4.1's relocation algorithm.
func applyRelocations(ef *elf.File, syms []elf.Symbol, lc *crate.LoadedCrate, placed map[int]*placedSection, ns *symbol.Namespace) error {
	for _, s := range ef.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		targetIdx := int(s.Info)
		targetPS, ok := placed[targetIdx]
		if !ok {
			continue // target section wasn't placed (e.g. a dropped .eh_frame); skip the whole Rela section
		}
		targetSec := lc.Sections[targetIdx]

		raw, err := s.Data()
		if err != nil {
			return errf(InvalidInput, fmt.Errorf("reading relocation section %q: %w", s.Name, err))
		}
		if len(raw)%relaEntrySize != 0 {
			return errf(InvalidInput, fmt.Errorf("relocation section %q has a misaligned length", s.Name))
		}

		for off := 0; off < len(raw); off += relaEntrySize {
			rOffset := binary.LittleEndian.Uint64(raw[off : off+8])
			rInfo := binary.LittleEndian.Uint64(raw[off+8 : off+16])
			rAddend := int64(binary.LittleEndian.Uint64(raw[off+16 : off+24]))

			relType := elf.R_X86_64(elf.R_TYPE64(rInfo))
			symIdx := elf.R_SYM64(rInfo)

			if relType == elf.R_X86_64_GOTPCREL {
				return &Error{Kind: UnsupportedRelocation, Name: relType.String()}
			}

			var sourceAddr uint64
			var depToCrate, depToSection string
			if symIdx == 0 {
				return errf(Internal, fmt.Errorf("relocation in %q references the null symbol", s.Name))
			}
			sym := syms[symIdx-1]
			if srcPS, ok := placed[int(sym.Section)]; ok {
				sourceAddr = lc.Sections[srcPS.index].VirtAddr + sym.Value
				depToCrate, depToSection = lc.Name, lc.Sections[srcPS.index].Name
			} else {
				demangled := demangle.Demangle(sym.Name).Full
				extSec, found := ns.GetSymbol(demangled)
				if !found {
					return &Error{Kind: UnresolvedSymbol, Name: demangled}
				}
				sourceAddr = extSec.VirtAddr + sym.Value
				depToCrate, depToSection = extSec.CrateRef.Name, extSec.Name
			}

			P := targetSec.VirtAddr + rOffset
			S := int64(sourceAddr)
			A := rAddend

			var buf [8]byte
			var n int
			switch relType {
			case elf.R_X86_64_64:
				binary.LittleEndian.PutUint64(buf[:8], uint64(S+A))
				n = 8
			case elf.R_X86_64_32:
				binary.LittleEndian.PutUint32(buf[:4], uint32(S+A))
				n = 4
			case elf.R_X86_64_PC32:
				binary.LittleEndian.PutUint32(buf[:4], uint32(S+A-int64(P)))
				n = 4
			case elf.R_X86_64_PC64:
				binary.LittleEndian.PutUint64(buf[:8], uint64(S+A-int64(P)))
				n = 8
			case elf.R_X86_64_TPOFF32:
				// Like TPOFF64 below, and unlike the other cases here, the
				// addend is not added: the result is simply the TLS offset of
				// the source symbol.
				binary.LittleEndian.PutUint32(buf[:4], uint32(S))
				n = 4
			case elf.R_X86_64_TPOFF64:
				binary.LittleEndian.PutUint64(buf[:8], uint64(S))
				n = 8
			default:
				return &Error{Kind: UnsupportedRelocation, Name: relType.String()}
			}

			if err := targetSec.WriteAt(rOffset, buf[:n]); err != nil {
				return errf(Internal, err)
			}
			lc.Dependencies = append(lc.Dependencies, crate.Dependency{
				FromSection: targetPS.index, ToCrate: depToCrate, ToSection: depToSection,
			})
		}
	}
	return nil
}

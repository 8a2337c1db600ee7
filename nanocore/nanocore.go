// Package nanocore adopts the currently-executing kernel image as a
// first-class crate without moving or remapping it, given three
// MappedRegions the bootstrap has already mapped over that image's .text,
// .rodata, and .data. It is grounded on parse_nano_core_binary and
// parse_nano_core_symbol_file in the original nano_core module manager
// (kernel/nano_core/src/mod_mgmt/mod.rs): unlike loader.LoadCrate, it never
// allocates frames, copies bytes, or applies relocations — it only builds
// metadata describing memory that is already live, which is why any error
// here must leave the three regions untouched rather than closing them.
package nanocore

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/theseus-os/crate-loader/crate"
	"github.com/theseus-os/crate-loader/demangle"
	"github.com/theseus-os/crate-loader/symbol"
	"github.com/theseus-os/crate-loader/tls"
	"github.com/theseus-os/crate-loader/vm"
)

// CrateName is the name the adopted kernel image is registered under.
const CrateName = "nano_core"

// shndxInfo records where one of the four mandatory sections (or two
// optional TLS sections) lives: its ELF section header index and the
// virtual address its first byte is loaded at.
type shndxInfo struct {
	index int
	vaddr uint64
	found bool
}

// mainShndx mirrors the original's MainShndx: the section indices the
// adoption pass cares about, located up front so every subsequent symbol can
// be classified by which one contains it.
type mainShndx struct {
	text, rodata, data, bss shndxInfo
	tlsData, tlsBss         shndxInfo
}

// Result is what a successful adoption produces: the crate representing the
// running image, a map of symbols that didn't fall within any recognized
// section (assembler/linker constants), and how many new entries were added
// to the Namespace's symbol map.
type Result struct {
	Crate          *crate.LoadedCrate
	InitSymbols    map[string]uint64
	NewSymbolCount int
}

// ParseELF adopts the running kernel from its own full ELF image (option (b)
// of spec.md §4.2), locating sections by their ELF section headers and
// classifying every GLOBAL/WEAK FUNC/OBJECT symbol by which section contains
// it. text, rodata, and data must already cover the image's corresponding
// segments at their real, currently-mapped addresses; they are returned to
// the caller untouched on any error.
func ParseELF(data []byte, ns *symbol.Namespace, text, rodata, dataRegion *vm.MappedRegion, tlsMgr *tls.Manager) (Result, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("nanocore: parsing ELF: %w", err)
	}

	var shndx mainShndx
	for i, s := range ef.Sections {
		switch s.Name {
		case ".text":
			if err := requireFlags(s, elf.SHF_ALLOC|elf.SHF_EXECINSTR); err != nil {
				return Result{}, err
			}
			shndx.text = shndxInfo{index: i, vaddr: s.Addr, found: true}
		case ".rodata":
			if err := requireFlags(s, elf.SHF_ALLOC); err != nil {
				return Result{}, err
			}
			shndx.rodata = shndxInfo{index: i, vaddr: s.Addr, found: true}
		case ".data":
			if err := requireFlags(s, elf.SHF_ALLOC|elf.SHF_WRITE); err != nil {
				return Result{}, err
			}
			shndx.data = shndxInfo{index: i, vaddr: s.Addr, found: true}
		case ".bss":
			if err := requireFlags(s, elf.SHF_ALLOC|elf.SHF_WRITE); err != nil {
				return Result{}, err
			}
			shndx.bss = shndxInfo{index: i, vaddr: s.Addr, found: true}
		case ".tdata":
			if err := requireFlags(s, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS); err != nil {
				return Result{}, err
			}
			shndx.tlsData = shndxInfo{index: i, vaddr: s.Addr, found: true}
		case ".tbss":
			if err := requireFlags(s, elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS); err != nil {
				return Result{}, err
			}
			shndx.tlsBss = shndxInfo{index: i, vaddr: s.Addr, found: true}
		}
	}
	if !shndx.text.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .text section in nano_core ELF")
	}
	if !shndx.rodata.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .rodata section in nano_core ELF")
	}
	if !shndx.data.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .data section in nano_core ELF")
	}
	if !shndx.bss.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .bss section in nano_core ELF")
	}

	lc := crate.NewLoadedCrate(CrateName, text, rodata, dataRegion)
	initSymbols := make(map[string]uint64)

	// .eh_frame and .gcc_except_table get one section apiece, same as
	// loader.LoadCrate, since they carry no individual symbols of their own.
	for i, s := range ef.Sections {
		var typ crate.SectionKind
		switch s.Name {
		case ".eh_frame":
			typ = crate.EhFrame
		case ".gcc_except_table":
			typ = crate.GccExceptTable
		default:
			continue
		}
		if s.Size == 0 {
			continue
		}
		off, err := offsetWithin(rodata, s.Addr)
		if err != nil {
			return Result{}, fmt.Errorf("nanocore: %s: %w", s.Name, err)
		}
		sec := &crate.LoadedSection{Typ: typ, Name: s.Name, Region: rodata, Offset: off, VirtAddr: s.Addr, Size: s.Size}
		lc.AddSection(i, sec)
	}

	syms, err := ef.Symbols()
	if err != nil {
		return Result{}, fmt.Errorf("nanocore: no symbol table found (was the image stripped?): %w", err)
	}

	newSyms := 0
	for _, s := range syms {
		bind := elf.ST_BIND(s.Info)
		typ := elf.ST_TYPE(s.Info)
		global := bind == elf.STB_GLOBAL || bind == elf.STB_WEAK
		if !global || (typ != elf.STT_FUNC && typ != elf.STT_OBJECT) {
			continue
		}
		name := demangle.Demangle(s.Name).Full
		added, err := addSymbol(lc, &shndx, rodata, dataRegion, text, tlsMgr, initSymbols, int(s.Section), name, s.Value, s.Size, global)
		if err != nil {
			return Result{}, err
		}
		if added {
			newSyms++
		}
	}

	ns.AddSymbols(lc)
	return Result{Crate: lc, InitSymbols: initSymbols, NewSymbolCount: newSyms}, nil
}

// addSymbol classifies one qualifying symbol by its section index against
// the four mandatory sections plus the two optional TLS ones, builds the
// matching LoadedSection, and records it. Symbols in unrecognized sections
// are folded into initSymbols (assembler/linker constants) instead.
func addSymbol(lc *crate.LoadedCrate, shndx *mainShndx, rodata, dataRegion, text *vm.MappedRegion, tlsMgr *tls.Manager, initSymbols map[string]uint64, secIdx int, name string, value, size uint64, global bool) (bool, error) {
	switch {
	case secIdx == shndx.text.index:
		off, err := offsetWithin(text, value)
		if err != nil {
			return false, fmt.Errorf("nanocore: text symbol %q: %w", name, err)
		}
		lc.AddSection(nextIndex(lc), &crate.LoadedSection{Typ: crate.Text, Name: name, Region: text, Offset: off, VirtAddr: value, Size: size, Global: global})
		return true, nil

	case secIdx == shndx.rodata.index:
		off, err := offsetWithin(rodata, value)
		if err != nil {
			return false, fmt.Errorf("nanocore: rodata symbol %q: %w", name, err)
		}
		lc.AddSection(nextIndex(lc), &crate.LoadedSection{Typ: crate.Rodata, Name: name, Region: rodata, Offset: off, VirtAddr: value, Size: size, Global: global})
		return true, nil

	case secIdx == shndx.data.index:
		off, err := offsetWithin(dataRegion, value)
		if err != nil {
			return false, fmt.Errorf("nanocore: data symbol %q: %w", name, err)
		}
		lc.AddSection(nextIndex(lc), &crate.LoadedSection{Typ: crate.Data, Name: name, Region: dataRegion, Offset: off, VirtAddr: value, Size: size, Global: global})
		return true, nil

	case secIdx == shndx.bss.index:
		off, err := offsetWithin(dataRegion, value)
		if err != nil {
			return false, fmt.Errorf("nanocore: bss symbol %q: %w", name, err)
		}
		lc.AddSection(nextIndex(lc), &crate.LoadedSection{Typ: crate.Bss, Name: name, Region: dataRegion, Offset: off, VirtAddr: value, Size: size, Global: global})
		return true, nil

	case shndx.tlsData.found && secIdx == shndx.tlsData.index:
		// A TLS symbol's value is its offset from the TLS block's base, not a
		// real address; the section's own real address plus that offset gives
		// where the template bytes actually live, inside the rodata region.
		realAddr := shndx.tlsData.vaddr + value
		off, err := offsetWithin(rodata, realAddr)
		if err != nil {
			return false, fmt.Errorf("nanocore: TLS data symbol %q: %w", name, err)
		}
		sec := &crate.LoadedSection{Typ: crate.TlsData, Name: name, Region: rodata, Offset: off, VirtAddr: value, Size: size, Global: global}
		lc.AddSection(nextIndex(lc), sec)
		if err := tlsMgr.AddExistingStaticTLSSection(value, sec); err != nil {
			return false, fmt.Errorf("nanocore: %w", err)
		}
		return true, nil

	case shndx.tlsBss.found && secIdx == shndx.tlsBss.index:
		sec := &crate.LoadedSection{Typ: crate.TlsBss, Name: name, Region: rodata, VirtAddr: value, Size: size, Global: global}
		lc.AddSection(nextIndex(lc), sec)
		if err := tlsMgr.AddExistingStaticTLSSection(value, sec); err != nil {
			return false, fmt.Errorf("nanocore: %w", err)
		}
		return true, nil

	default:
		initSymbols[name] = value
		return false, nil
	}
}

func nextIndex(lc *crate.LoadedCrate) int {
	return len(lc.Sections) + 1000000 // disjoint from real ELF section indices used for .eh_frame/.gcc_except_table above
}

func offsetWithin(region *vm.MappedRegion, vaddr uint64) (uint64, error) {
	start := region.Range().Start().Base().Value()
	if vaddr < start {
		return 0, fmt.Errorf("address %#x precedes region start %#x", vaddr, start)
	}
	return vaddr - start, nil
}

func requireFlags(s *elf.Section, want elf.SectionFlag) error {
	const mask = elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_EXECINSTR | elf.SHF_TLS
	if s.Flags&mask != want {
		return fmt.Errorf("nanocore: section %q had unexpected flags %s (wanted %s)", s.Name, s.Flags&mask, want)
	}
	return nil
}

// ParseSymbolFile adopts the running kernel from a build-time `readelf -S -s`
// style text dump (option (a) of spec.md §4.2), the form used when the
// kernel image itself has been stripped of its section/symbol tables for
// size but a side-channel dump was captured at link time. It mirrors
// parse_nano_core_symbol_file's two-pass structure: first locate the section
// header lines, then walk the symbol table lines that follow.
func ParseSymbolFile(dump string, ns *symbol.Namespace, text, rodata, dataRegion *vm.MappedRegion, tlsMgr *tls.Manager) (Result, error) {
	var shndx mainShndx
	lines := strings.Split(dump, "\n")

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, ".text ") && strings.Contains(line, "PROGBITS"):
			idx, _, ok := parseSectionIndex(line)
			if ok {
				shndx.text = shndxInfo{index: idx, found: true}
			}
		case strings.Contains(line, ".rodata ") && strings.Contains(line, "PROGBITS"):
			idx, _, ok := parseSectionIndex(line)
			if ok {
				shndx.rodata = shndxInfo{index: idx, found: true}
			}
		case strings.Contains(line, ".data ") && strings.Contains(line, "PROGBITS"):
			idx, _, ok := parseSectionIndex(line)
			if ok {
				shndx.data = shndxInfo{index: idx, found: true}
			}
		case strings.Contains(line, ".bss ") && strings.Contains(line, "NOBITS"):
			idx, _, ok := parseSectionIndex(line)
			if ok {
				shndx.bss = shndxInfo{index: idx, found: true}
			}
		case strings.Contains(line, ".tdata ") && strings.Contains(line, "PROGBITS"):
			idx, rest, ok := parseSectionIndex(line)
			if ok {
				if vaddr, _, ok := parseVaddrSize(rest); ok {
					shndx.tlsData = shndxInfo{index: idx, vaddr: vaddr, found: true}
				}
			}
		case strings.Contains(line, ".tbss ") && strings.Contains(line, "NOBITS"):
			idx, rest, ok := parseSectionIndex(line)
			if ok {
				if vaddr, _, ok := parseVaddrSize(rest); ok {
					shndx.tlsBss = shndxInfo{index: idx, vaddr: vaddr, found: true}
				}
			}
		}
	}
	if !shndx.text.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .text section index in symbol dump")
	}
	if !shndx.rodata.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .rodata section index in symbol dump")
	}
	if !shndx.data.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .data section index in symbol dump")
	}
	if !shndx.bss.found {
		return Result{}, fmt.Errorf("nanocore: couldn't find .bss section index in symbol dump")
	}

	lc := crate.NewLoadedCrate(CrateName, text, rodata, dataRegion)
	initSymbols := make(map[string]uint64)

	startLine := -1
	for i, line := range lines {
		if strings.Contains(line, ".symtab") && !strings.Contains(line, "SYMTAB") {
			startLine = i
			break
		}
	}
	if startLine < 0 {
		return Result{}, fmt.Errorf("nanocore: couldn't find the start of the symbol table in symbol dump")
	}

	newSyms := 0
	// Skip the ".symtab contains N entries" line and the column-header line.
	for _, line := range lines[min(startLine+2, len(lines)):] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		vaddrStr, sizeStr, bind, ndxStr := fields[1], fields[2], fields[4], fields[6]
		name := strings.Join(fields[7:], " ")

		ndx, err := strconv.Atoi(ndxStr)
		if err != nil {
			continue // e.g. "ABS", "UND" — not tied to any real section
		}
		vaddr, err := strconv.ParseUint(vaddrStr, 16, 64)
		if err != nil {
			return Result{}, fmt.Errorf("nanocore: parsing symbol address %q: %w", vaddrStr, err)
		}
		size, err := strconv.ParseUint(sizeStr, 10, 64)
		if err != nil {
			if size, err = strconv.ParseUint(sizeStr, 16, 64); err != nil {
				return Result{}, fmt.Errorf("nanocore: parsing symbol size %q: %w", sizeStr, err)
			}
		}
		global := bind == "GLOBAL" || bind == "WEAK"

		added, err := addSymbol(lc, &shndx, rodata, dataRegion, text, tlsMgr, initSymbols, ndx, name, vaddr, size, global)
		if err != nil {
			return Result{}, err
		}
		if added {
			newSyms++
		}
	}

	ns.AddSymbols(lc)
	return Result{Crate: lc, InitSymbols: initSymbols, NewSymbolCount: newSyms}, nil
}

// parseSectionIndex extracts the "[N]" section index from a readelf section
// header line and returns the remainder of the line after it.
func parseSectionIndex(line string) (idx int, rest string, ok bool) {
	open := strings.Index(line, "[")
	close := strings.Index(line, "]")
	if open < 0 || close < 0 || close < open {
		return 0, "", false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[open+1 : close]))
	if err != nil {
		return 0, "", false
	}
	return n, line[close+1:], true
}

// parseVaddrSize reads the Address and Size columns from a readelf section
// header line's remainder (Name Type Addr Off Size ...).
func parseVaddrSize(rest string) (vaddr, size uint64, ok bool) {
	fields := strings.Fields(rest)
	if len(fields) < 5 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(fields[4], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return v, s, true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

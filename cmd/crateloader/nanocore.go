package main

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/theseus-os/crate-loader/mem"
	"github.com/theseus-os/crate-loader/nanocore"
	"github.com/theseus-os/crate-loader/symbol"
	"github.com/theseus-os/crate-loader/tls"
	"github.com/theseus-os/crate-loader/vm"
)

// sectionSpan tracks the lowest address and highest end address among a
// group of sections that must end up inside the same MappedRegion, since
// nanocore.ParseELF locates each symbol by subtracting one region's base
// address from the symbol's real address.
type sectionSpan struct {
	lo, hi uint64
	found  bool
}

func (s *sectionSpan) include(addr, size uint64) {
	if size == 0 {
		return
	}
	if !s.found || addr < s.lo {
		s.lo = addr
	}
	if end := addr + size; !s.found || end > s.hi {
		s.hi = end
	}
	s.found = true
}

// pageRange returns the page-aligned span covering s, or a one-page
// placeholder at fallbackPage when s never saw a section (so callers can
// still hand nanocore a region to satisfy its required-section check,
// without colliding with whatever real span a sibling group occupies).
func (s sectionSpan) pageRange(fallbackPage uint64) (startPage, numPages uint64) {
	if !s.found {
		return fallbackPage, 1
	}
	startPage = s.lo / uint64(mem.PageSize)
	endPage := (s.hi + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if endPage <= startPage {
		endPage = startPage + 1
	}
	return startPage, endPage - startPage
}

// buildAdoptionRegions lays out a scratch Arena and three MappedRegions whose
// virtual addresses match where the given nano_core ELF's sections actually
// live, then copies each PROGBITS section's bytes into place, standing in
// for the bootstrap mapping this image's real segments over itself.
func buildAdoptionRegions(ef *elf.File) (mapper *vm.Mapper, text, rodata, data *vm.MappedRegion, err error) {
	var textSpan, rodataSpan, dataSpan sectionSpan
	for _, s := range ef.Sections {
		switch s.Name {
		case ".text":
			textSpan.include(s.Addr, s.Size)
		case ".rodata", ".tdata", ".eh_frame", ".gcc_except_table":
			rodataSpan.include(s.Addr, s.Size)
		case ".data", ".bss":
			dataSpan.include(s.Addr, s.Size)
		}
	}

	// Disjoint, implausibly-high placeholder pages for any of the three
	// groups a real kernel image always has but this particular one
	// happens to omit (e.g. no .rodata): nanocore.ParseELF will reject the
	// image anyway once it notices a required section is missing, but
	// laying the regions out must not panic or collide first.
	const placeholderBase = 0xffffff0
	textStart, textPages := textSpan.pageRange(placeholderBase)
	rodataStart, rodataPages := rodataSpan.pageRange(placeholderBase + 1)
	dataStart, dataPages := dataSpan.pageRange(placeholderBase + 2)
	total := textPages + rodataPages + dataPages

	arena := mem.NewArena()
	if err := arena.AddArea(mem.NewPhysicalAddress(0), total*uint64(mem.PageSize), mem.AreaUsable); err != nil {
		return nil, nil, nil, nil, err
	}
	mapper = vm.NewMapper(arena)

	alloc := func(startPage, numPages uint64) (*vm.MappedRegion, error) {
		pa := mem.NewPageAllocator(mem.PageFromNumber(startPage), mem.PageFromNumber(startPage+numPages-1))
		ap, err := pa.Allocate(numPages)
		if err != nil {
			return nil, err
		}
		return mapper.MapAllocatedPages(ap, mem.WRITABLE)
	}

	if text, err = alloc(textStart, textPages); err != nil {
		return nil, nil, nil, nil, err
	}
	if rodata, err = alloc(rodataStart, rodataPages); err != nil {
		text.Close()
		return nil, nil, nil, nil, err
	}
	if data, err = alloc(dataStart, dataPages); err != nil {
		text.Close()
		rodata.Close()
		return nil, nil, nil, nil, err
	}

	for _, s := range ef.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		region := regionFor(s.Name, text, rodata, data)
		if region == nil {
			continue
		}
		raw, err := s.Data()
		if err != nil {
			text.Close()
			rodata.Close()
			data.Close()
			return nil, nil, nil, nil, fmt.Errorf("reading %s: %w", s.Name, err)
		}
		offset := s.Addr - region.Range().Start().Base().Value()
		if err := region.WriteAt(offset, raw); err != nil {
			text.Close()
			rodata.Close()
			data.Close()
			return nil, nil, nil, nil, fmt.Errorf("placing %s: %w", s.Name, err)
		}
	}

	return mapper, text, rodata, data, nil
}

func regionFor(name string, text, rodata, data *vm.MappedRegion) *vm.MappedRegion {
	switch name {
	case ".text":
		return text
	case ".rodata", ".tdata", ".eh_frame", ".gcc_except_table":
		return rodata
	case ".data":
		return data
	default:
		return nil
	}
}

func runNanocoreELF(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	_, text, rodata, data, err := buildAdoptionRegions(ef)
	if err != nil {
		return fmt.Errorf("laying out %s for adoption: %w", path, err)
	}
	// Deliberately not closed: nanocore never allocates or owns these
	// regions, so there is no lifecycle for this command to release either.

	ns := symbol.NewNamespace()
	result, err := nanocore.ParseELF(raw, ns, text, rodata, data, tls.NewManager())
	if err != nil {
		return fmt.Errorf("adopting %s: %w", path, err)
	}

	printCrate(result.Crate)
	fmt.Printf("%d new symbols, %d init-only symbols\n", result.NewSymbolCount, len(result.InitSymbols))
	return nil
}

// dumpValueRange scans a readelf-style symbol dump for every 16-hex-digit
// Value column and returns the lowest and highest address seen, so a single
// scratch region can be placed under all of them. ParseSymbolFile's
// offsetWithin check only ever rejects an address below a region's start, so
// one region spanning [lo, hi] can stand in for the text/rodata/data triple
// it expects, since this command never reads section bytes back out — it
// only prints the offsets and addresses ParseSymbolFile computes.
func dumpValueRange(dump string) (lo, hi uint64, ok bool) {
	for _, line := range strings.Split(dump, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil || len(fields[1]) != 16 {
			continue
		}
		if !ok || v < lo {
			lo = v
		}
		if !ok || v > hi {
			hi = v
		}
		ok = true
	}
	return lo, hi, ok
}

func runNanocoreDump(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dump := string(raw)

	lo, hi, ok := dumpValueRange(dump)
	if !ok {
		return fmt.Errorf("%s: found no symbol addresses to place a scratch region at", path)
	}
	startPage := lo / uint64(mem.PageSize)
	endPage := (hi + uint64(mem.PageSize)) / uint64(mem.PageSize)
	if endPage <= startPage {
		endPage = startPage + 1
	}

	arena := mem.NewArena()
	numPages := endPage - startPage
	if err := arena.AddArea(mem.NewPhysicalAddress(0), numPages*uint64(mem.PageSize), mem.AreaUsable); err != nil {
		return err
	}
	mapper := vm.NewMapper(arena)
	pages := mem.NewPageAllocator(mem.PageFromNumber(startPage), mem.PageFromNumber(endPage-1))
	ap, err := pages.Allocate(numPages)
	if err != nil {
		return err
	}
	combined, err := mapper.MapAllocatedPages(ap, mem.WRITABLE)
	if err != nil {
		return err
	}

	ns := symbol.NewNamespace()
	result, err := nanocore.ParseSymbolFile(dump, ns, combined, combined, combined, tls.NewManager())
	if err != nil {
		return fmt.Errorf("adopting %s: %w", path, err)
	}

	printCrate(result.Crate)
	fmt.Printf("%d new symbols, %d init-only symbols\n", result.NewSymbolCount, len(result.InitSymbols))
	return nil
}

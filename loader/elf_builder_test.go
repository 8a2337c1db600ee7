package loader

import (
	"encoding/binary"
)

// testSection is the input to buildRelocatableELF for one section carrying
// actual file content (the null section at index 0, and .symtab/.strtab/
// .shstrtab are synthesized automatically and must not be passed in).
type testSection struct {
	name      string
	typ       uint32
	flags     uint64
	data      []byte
	info      uint32 // for SHT_RELA: the 1-based index of the target content section
	addralign uint64
}

type testSym struct {
	name  string
	local bool // STB_LOCAL if true, else STB_GLOBAL
	weak  bool
	typ   uint8 // elf.STT_FUNC etc, as the low nibble
	shndx uint16
	value uint64
	size  uint64
}

const (
	shtNull    = 0
	shtProgbit = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRela    = 4
)

// buildRelocatableELF assembles a minimal well-formed ET_REL x86_64 object
// readable by debug/elf: a null section, the caller's content sections (in
// order, becoming indices 1..N), then .symtab, .strtab, .shstrtab.
func buildRelocatableELF(sections []testSection, syms []testSym) []byte {
	contentCount := len(sections)
	symtabIdx := uint32(contentCount + 1)
	strtabIdx := uint32(contentCount + 2)
	shstrtabIdx := uint32(contentCount + 3)

	// .strtab (symbol names) and .symtab data.
	strtab := []byte{0}
	nameOff := make([]uint32, len(syms))
	for i, s := range syms {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}
	symtabData := make([]byte, 24) // null symbol
	numLocal := uint32(1)
	for i, s := range syms {
		var buf [24]byte
		binary.LittleEndian.PutUint32(buf[0:4], nameOff[i])
		bind := uint8(1) // STB_GLOBAL
		if s.local {
			bind = 0
			numLocal++
		} else if s.weak {
			bind = 2 // STB_WEAK
		}
		buf[4] = (bind << 4) | (s.typ & 0xf)
		buf[5] = 0 // STV_DEFAULT
		binary.LittleEndian.PutUint16(buf[6:8], s.shndx)
		binary.LittleEndian.PutUint64(buf[8:16], s.value)
		binary.LittleEndian.PutUint64(buf[16:24], s.size)
		symtabData = append(symtabData, buf[:]...)
	}

	// .shstrtab (section names).
	shstrtab := []byte{0}
	secNameOff := make([]uint32, contentCount)
	for i, s := range sections {
		secNameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(s.name)...)
		shstrtab = append(shstrtab, 0)
	}
	symtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".symtab\x00")...)
	strtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".strtab\x00")...)
	shstrtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, []byte(".shstrtab\x00")...)

	type laidOut struct {
		nameOff   uint32
		typ       uint32
		flags     uint64
		offset    uint64
		size      uint64
		link      uint32
		info      uint32
		addralign uint64
		entsize   uint64
	}

	var file []byte
	const ehdrSize = 64
	file = make([]byte, ehdrSize)

	layout := []laidOut{{}} // null section header, all zero

	align := func(n uint64) {
		for uint64(len(file))%n != 0 {
			file = append(file, 0)
		}
	}

	for i, s := range sections {
		a := s.addralign
		if a == 0 {
			a = 1
		}
		align(a)
		off := uint64(len(file))
		file = append(file, s.data...)
		link := uint32(0)
		info := s.info
		if s.typ == shtRela {
			link = symtabIdx
		}
		layout = append(layout, laidOut{
			nameOff: secNameOff[i], typ: s.typ, flags: s.flags,
			offset: off, size: uint64(len(s.data)), link: link, info: info,
			addralign: a, entsize: relaEntrySizeFor(s.typ),
		})
	}

	align(8)
	symtabOff := uint64(len(file))
	file = append(file, symtabData...)
	layout = append(layout, laidOut{
		nameOff: symtabNameOff, typ: shtSymtab, offset: symtabOff,
		size: uint64(len(symtabData)), link: strtabIdx, info: numLocal,
		addralign: 8, entsize: 24,
	})

	strtabOff := uint64(len(file))
	file = append(file, strtab...)
	layout = append(layout, laidOut{
		nameOff: strtabNameOff, typ: shtStrtab, offset: strtabOff,
		size: uint64(len(strtab)), addralign: 1,
	})

	shstrtabOff := uint64(len(file))
	file = append(file, shstrtab...)
	layout = append(layout, laidOut{
		nameOff: shstrtabNameOff, typ: shtStrtab, offset: shstrtabOff,
		size: uint64(len(shstrtab)), addralign: 1,
	})

	align(8)
	shoff := uint64(len(file))
	for _, l := range layout {
		var hdr [64]byte
		binary.LittleEndian.PutUint32(hdr[0:4], l.nameOff)
		binary.LittleEndian.PutUint32(hdr[4:8], l.typ)
		binary.LittleEndian.PutUint64(hdr[8:16], l.flags)
		binary.LittleEndian.PutUint64(hdr[16:24], 0) // sh_addr
		binary.LittleEndian.PutUint64(hdr[24:32], l.offset)
		binary.LittleEndian.PutUint64(hdr[32:40], l.size)
		binary.LittleEndian.PutUint32(hdr[40:44], l.link)
		binary.LittleEndian.PutUint32(hdr[44:48], l.info)
		binary.LittleEndian.PutUint64(hdr[48:56], l.addralign)
		binary.LittleEndian.PutUint64(hdr[56:64], l.entsize)
		file = append(file, hdr[:]...)
	}

	// e_ident
	file[0] = 0x7f
	file[1] = 'E'
	file[2] = 'L'
	file[3] = 'F'
	file[4] = 2 // ELFCLASS64
	file[5] = 1 // ELFDATA2LSB
	file[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(file[16:18], 1)  // e_type = ET_REL
	binary.LittleEndian.PutUint16(file[18:20], 62) // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(file[20:24], 1)  // e_version
	binary.LittleEndian.PutUint64(file[24:32], 0)  // e_entry
	binary.LittleEndian.PutUint64(file[32:40], 0)  // e_phoff
	binary.LittleEndian.PutUint64(file[40:48], shoff)
	binary.LittleEndian.PutUint32(file[48:52], 0) // e_flags
	binary.LittleEndian.PutUint16(file[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(file[54:56], 0) // e_phentsize
	binary.LittleEndian.PutUint16(file[56:58], 0) // e_phnum
	binary.LittleEndian.PutUint16(file[58:60], 64)
	binary.LittleEndian.PutUint16(file[60:62], uint16(len(layout)))
	binary.LittleEndian.PutUint16(file[62:64], uint16(shstrtabIdx))

	return file
}

func relaEntrySizeFor(typ uint32) uint64 {
	if typ == shtRela {
		return 24
	}
	return 0
}

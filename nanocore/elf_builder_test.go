package nanocore

import "encoding/binary"

// testSection is a content section for buildKernelELF: unlike the loader
// package's synthetic objects, nano_core adoption reads each section's real
// sh_addr (the address it's already loaded at), since nothing gets remapped.
type testSection struct {
	name  string
	typ   uint32
	flags uint64
	addr  uint64
	size  uint64 // for SHT_NOBITS sections, where there is no file data
	data  []byte
}

type testSym struct {
	name  string
	local bool
	weak  bool
	typ   uint8
	shndx uint16
	value uint64
	size  uint64
}

const (
	shtNull    = 0
	shtProgbit = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtNobits  = 8
)

// buildKernelELF assembles a minimal already-linked-looking ELF64 object:
// a null section, the caller's content sections (indices 1..N), then
// .symtab, .strtab, .shstrtab.
func buildKernelELF(sections []testSection, syms []testSym) []byte {
	contentCount := len(sections)
	strtabIdx := uint32(contentCount + 2)

	strtab := []byte{0}
	nameOff := make([]uint32, len(syms))
	for i, s := range syms {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}
	symtabData := make([]byte, 24)
	numLocal := uint32(1)
	for i, s := range syms {
		var buf [24]byte
		binary.LittleEndian.PutUint32(buf[0:4], nameOff[i])
		bind := uint8(1)
		if s.local {
			bind = 0
			numLocal++
		} else if s.weak {
			bind = 2
		}
		buf[4] = (bind << 4) | (s.typ & 0xf)
		binary.LittleEndian.PutUint16(buf[6:8], s.shndx)
		binary.LittleEndian.PutUint64(buf[8:16], s.value)
		binary.LittleEndian.PutUint64(buf[16:24], s.size)
		symtabData = append(symtabData, buf[:]...)
	}

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
		addr      uint64
		offset    uint64
		size      uint64
		link      uint32
		addralign uint64
		entsize   uint64
	}

	const ehdrSize = 64
	file := make([]byte, ehdrSize)
	layout := []laidOut{{}}

	align := func(n uint64) {
		if n == 0 {
			n = 1
		}
		for uint64(len(file))%n != 0 {
			file = append(file, 0)
		}
	}

	for i, s := range sections {
		align(16)
		off := uint64(len(file))
		size := s.size
		if s.typ != shtNobits {
			file = append(file, s.data...)
			size = uint64(len(s.data))
		}
		layout = append(layout, laidOut{
			nameOff: secNameOff[i], typ: s.typ, flags: s.flags, addr: s.addr,
			offset: off, size: size, addralign: 16,
		})
	}

	align(8)
	symtabOff := uint64(len(file))
	file = append(file, symtabData...)
	layout = append(layout, laidOut{
		nameOff: symtabNameOff, typ: shtSymtab, offset: symtabOff,
		size: uint64(len(symtabData)), link: strtabIdx, addralign: 8, entsize: 24,
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
		binary.LittleEndian.PutUint64(hdr[16:24], l.addr)
		binary.LittleEndian.PutUint64(hdr[24:32], l.offset)
		binary.LittleEndian.PutUint64(hdr[32:40], l.size)
		binary.LittleEndian.PutUint32(hdr[40:44], l.link)
		binary.LittleEndian.PutUint64(hdr[48:56], l.addralign)
		binary.LittleEndian.PutUint64(hdr[56:64], l.entsize)
		file = append(file, hdr[:]...)
	}

	file[0] = 0x7f
	file[1] = 'E'
	file[2] = 'L'
	file[3] = 'F'
	file[4] = 2
	file[5] = 1
	file[6] = 1
	binary.LittleEndian.PutUint16(file[16:18], 2)  // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(file[18:20], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(file[20:24], 1)
	binary.LittleEndian.PutUint64(file[40:48], shoff)
	binary.LittleEndian.PutUint16(file[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(file[58:60], 64)
	binary.LittleEndian.PutUint16(file[60:62], uint16(len(layout)))
	binary.LittleEndian.PutUint16(file[62:64], uint16(contentCount+3))

	return file
}

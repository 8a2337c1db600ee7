package nanocore

import (
	"testing"

	"github.com/theseus-os/crate-loader/mem"
	"github.com/theseus-os/crate-loader/symbol"
	"github.com/theseus-os/crate-loader/tls"
	"github.com/theseus-os/crate-loader/vm"
)

const (
	flagAlloc     = uint64(0x2)
	flagWrite     = uint64(0x1)
	flagExecinstr = uint64(0x4)
	flagTLS       = uint64(0x400)
)

type testRig struct {
	mapper *vm.Mapper
	ns     *symbol.Namespace
	tlsMgr *tls.Manager
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	arena := mem.NewArena()
	if err := arena.AddArea(mem.NewPhysicalAddress(0), 8*uint64(mem.PageSize), mem.AreaUsable); err != nil {
		t.Fatalf("AddArea: %v", err)
	}
	return &testRig{mapper: vm.NewMapper(arena), ns: symbol.NewNamespace(), tlsMgr: tls.NewManager()}
}

func regionAt(t *testing.T, r *testRig, pageNum uint64) *vm.MappedRegion {
	t.Helper()
	pa := mem.NewPageAllocator(mem.PageFromNumber(pageNum), mem.PageFromNumber(pageNum))
	ap, err := pa.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	region, err := r.mapper.MapAllocatedPages(ap, mem.WRITABLE)
	if err != nil {
		t.Fatalf("MapAllocatedPages: %v", err)
	}
	return region
}

func TestParseELFAdoptsRunningImage(t *testing.T) {
	r := newTestRig(t)
	text := regionAt(t, r, 0x10)     // base 0x10000
	rodata := regionAt(t, r, 0x20)   // base 0x20000
	data := regionAt(t, r, 0x30)     // base 0x30000
	defer text.Close()
	defer rodata.Close()
	defer data.Close()

	elfBytes := buildKernelELF(
		[]testSection{
			{name: ".text", typ: shtProgbit, flags: flagAlloc | flagExecinstr, addr: 0x10000, data: []byte{0xC3, 0, 0, 0, 0, 0, 0, 0}},
			{name: ".rodata", typ: shtProgbit, flags: flagAlloc, addr: 0x20000, data: make([]byte, 64)},
			{name: ".data", typ: shtProgbit, flags: flagAlloc | flagWrite, addr: 0x30000, data: make([]byte, 16)},
			{name: ".bss", typ: shtNobits, flags: flagAlloc | flagWrite, addr: 0x30010, size: 16},
			{name: ".tdata", typ: shtProgbit, flags: flagAlloc | flagWrite | flagTLS, addr: 0x20020, data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
			{name: ".tbss", typ: shtNobits, flags: flagAlloc | flagWrite | flagTLS, addr: 0x20030, size: 8},
		},
		[]testSym{
			{name: "kernel_func", typ: 2 /* STT_FUNC */, shndx: 1, value: 0x10000, size: 8},
			{name: "shared_const", typ: 1 /* STT_OBJECT */, shndx: 2, value: 0x20000, size: 4},
			{name: "kernel_data", typ: 1, shndx: 3, value: 0x30000, size: 16},
			{name: "my_tls_var", typ: 1, shndx: 5, value: 0, size: 8},
			{name: "my_tls_bss_var", typ: 1, shndx: 6, value: 8, size: 8},
			// Global but in a section index this adoption pass doesn't
			// recognize (here SHN_ABS, an absolute linker-defined value):
			// falls through to InitSymbols rather than becoming a real symbol.
			{name: "linker_const", typ: 1 /* STT_OBJECT */, shndx: 0xfff1, value: 0xDEAD},
		},
	)

	result, err := ParseELF(elfBytes, r.ns, text, rodata, data, r.tlsMgr)
	if err != nil {
		t.Fatalf("ParseELF: %v", err)
	}
	if result.Crate.Name != CrateName {
		t.Fatalf("crate name = %q, want %q", result.Crate.Name, CrateName)
	}

	sec, ok := r.ns.GetSymbol("kernel_func")
	if !ok {
		t.Fatal("expected \"kernel_func\" to resolve in the Namespace")
	}
	if sec.Region != text {
		t.Fatal("kernel_func should live in the text region")
	}
	if sec.Offset != 0 {
		t.Fatalf("kernel_func offset = %d, want 0", sec.Offset)
	}

	dataSec, ok := r.ns.GetSymbol("kernel_data")
	if !ok {
		t.Fatal("expected \"kernel_data\" to resolve")
	}
	if dataSec.Region != data {
		t.Fatal("kernel_data should live in the data region")
	}

	tlsSec, ok := r.ns.GetSymbol("my_tls_var")
	if !ok {
		t.Fatal("expected \"my_tls_var\" to resolve")
	}
	if tlsSec.VirtAddr != 0 {
		t.Fatalf("my_tls_var VirtAddr (TLS offset) = %d, want 0", tlsSec.VirtAddr)
	}
	if tlsSec.Offset != 0x20 { // 0x20020 - 0x20000
		t.Fatalf("my_tls_var Offset = %#x, want %#x", tlsSec.Offset, 0x20)
	}

	if _, ok := r.ns.GetSymbol("linker_const"); ok {
		t.Fatal("linker_const shouldn't resolve as a real symbol")
	}
	if v, ok := result.InitSymbols["linker_const"]; !ok || v != 0xDEAD {
		t.Fatalf("InitSymbols[linker_const] = (%d, %v), want (0xDEAD, true)", v, ok)
	}

	if result.NewSymbolCount < 3 {
		t.Fatalf("NewSymbolCount = %d, want at least 3", result.NewSymbolCount)
	}
}

func TestParseELFReturnsRegionsUntouchedOnError(t *testing.T) {
	r := newTestRig(t)
	text := regionAt(t, r, 0x10)
	rodata := regionAt(t, r, 0x20)
	data := regionAt(t, r, 0x30)
	defer text.Close()
	defer rodata.Close()
	defer data.Close()

	// No .bss section at all: ParseELF must fail without touching the
	// regions it was handed.
	elfBytes := buildKernelELF(
		[]testSection{
			{name: ".text", typ: shtProgbit, flags: flagAlloc | flagExecinstr, addr: 0x10000, data: []byte{0xC3}},
			{name: ".rodata", typ: shtProgbit, flags: flagAlloc, addr: 0x20000, data: []byte{0}},
			{name: ".data", typ: shtProgbit, flags: flagAlloc | flagWrite, addr: 0x30000, data: []byte{0}},
		},
		[]testSym{{name: "f", typ: 2, shndx: 1, value: 0x10000, size: 1}},
	)

	if _, err := ParseELF(elfBytes, r.ns, text, rodata, data, r.tlsMgr); err == nil {
		t.Fatal("expected an error for a missing .bss section")
	}

	// The regions must still be usable: translate still resolves.
	if _, ok := r.mapper.Translate(text.Range().Start().Base()); !ok {
		t.Fatal("text region should remain mapped after a failed ParseELF")
	}
}

func TestParseSymbolFileAdoptsRunningImage(t *testing.T) {
	r := newTestRig(t)
	text := regionAt(t, r, 0x10)
	rodata := regionAt(t, r, 0x20)
	data := regionAt(t, r, 0x30)
	defer text.Close()
	defer rodata.Close()
	defer data.Close()

	dump := `There are 7 section headers, starting at offset 0x200:

Section Headers:
  [Nr] Name              Type             Address           Off
  [ 0]                   NULL             0000000000000000  00000000
  [ 1] .text             PROGBITS         0000000000010000  00001000
  [ 2] .rodata           PROGBITS         0000000000020000  00002000
  [ 3] .data             PROGBITS         0000000000030000  00003000
  [ 4] .bss              NOBITS           0000000000030010  00004000

Symbol table '.symtab' contains 3 entries:
   Num:    Value          Size Type    Bind   Vis      Ndx Name
     0: 0000000000000000     0 NOTYPE  LOCAL  DEFAULT  UND
     1: 0000000000010000     8 FUNC    GLOBAL DEFAULT    1 kernel_func
     2: 0000000000030000    16 OBJECT  GLOBAL DEFAULT    3 kernel_data
`

	result, err := ParseSymbolFile(dump, r.ns, text, rodata, data, r.tlsMgr)
	if err != nil {
		t.Fatalf("ParseSymbolFile: %v", err)
	}
	if result.Crate.Name != CrateName {
		t.Fatalf("crate name = %q, want %q", result.Crate.Name, CrateName)
	}
	if _, ok := r.ns.GetSymbol("kernel_func"); !ok {
		t.Fatal("expected \"kernel_func\" to resolve")
	}
	if _, ok := r.ns.GetSymbol("kernel_data"); !ok {
		t.Fatal("expected \"kernel_data\" to resolve")
	}
}

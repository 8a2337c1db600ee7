package symbol

import (
	"testing"

	"github.com/theseus-os/crate-loader/crate"
)

func fakeCrate(name string, sections ...*crate.LoadedSection) *crate.LoadedCrate {
	c := crate.NewLoadedCrate(name, nil, nil, nil)
	for i, s := range sections {
		c.AddSection(i, s)
	}
	return c
}

func globalSection(name string) *crate.LoadedSection {
	return &crate.LoadedSection{Typ: crate.Text, Name: name, Global: true, VirtAddr: 0x1000, Size: 16}
}

func TestAddSymbolsThenGetSymbol(t *testing.T) {
	ns := NewNamespace()
	a := fakeCrate("crate_a", globalSection("shared_func"))
	ns.AddSymbols(a)

	sec, ok := ns.GetSymbol("shared_func")
	if !ok || sec.CrateRef.Name != "crate_a" {
		t.Fatalf("GetSymbol(shared_func) = %v ok=%v, want crate_a's section", sec, ok)
	}
}

func TestShadowingRecordsReexportedSymbol(t *testing.T) {
	ns := NewNamespace()
	a := fakeCrate("crate_a", globalSection("shared_func"))
	ns.AddSymbols(a)

	b := fakeCrate("crate_b", globalSection("shared_func"))
	ns.AddSymbols(b)

	sec, ok := ns.GetSymbol("shared_func")
	if !ok || sec.CrateRef.Name != "crate_b" {
		t.Fatalf("GetSymbol(shared_func) after shadowing = %v ok=%v, want crate_b's section", sec, ok)
	}
	if _, recorded := b.ReexportedSymbols["shared_func"]; !recorded {
		t.Fatal("crate_b should record shared_func in ReexportedSymbols after shadowing crate_a")
	}
	if _, recorded := a.ReexportedSymbols["shared_func"]; recorded {
		t.Fatal("crate_a (the shadowed crate) must not itself record a reexported symbol")
	}
}

func TestGetSymbolMissingReturnsFalse(t *testing.T) {
	ns := NewNamespace()
	if _, ok := ns.GetSymbol("does_not_exist"); ok {
		t.Fatal("GetSymbol on an empty namespace should report ok=false")
	}
}

func TestGetSectionContainingAddress(t *testing.T) {
	ns := NewNamespace()
	sec := globalSection("answer")
	sec.VirtAddr, sec.Size = 0x2000, 0x10
	ns.AddSymbols(fakeCrate("crate_a", sec))

	found, ok := ns.GetSectionContainingAddress(0x2004, false)
	if !ok || found.Name != "answer" {
		t.Fatalf("GetSectionContainingAddress(0x2004) = %v ok=%v, want answer", found, ok)
	}
	if _, ok := ns.GetSectionContainingAddress(0x9999, false); ok {
		t.Fatal("GetSectionContainingAddress should not find a section at an unmapped address")
	}
}

func TestRemoveCrateDropsItsSymbols(t *testing.T) {
	ns := NewNamespace()
	ns.AddSymbols(fakeCrate("crate_a", globalSection("only_in_a")))

	if !ns.RemoveCrate("crate_a") {
		t.Fatal("RemoveCrate should report true for a registered crate")
	}
	if _, ok := ns.GetSymbol("only_in_a"); ok {
		t.Fatal("symbols belonging to a removed crate should no longer resolve")
	}
	if _, ok := ns.GetCrate("crate_a"); ok {
		t.Fatal("removed crate should no longer be registered")
	}
	if ns.RemoveCrate("crate_a") {
		t.Fatal("RemoveCrate on an already-removed crate should report false")
	}
}

// Package symbol implements the process-wide crate registry and symbol map
// described in spec.md §3.7 and §4.4, grounded on the namespace/shadowing
// discipline embedded in the nano_core module manager
// (kernel/nano_core/src/mod_mgmt/mod.rs): crates are registered by name,
// and a flat demangled-name -> section map resolves cross-crate relocation
// targets, with later insertions shadowing earlier ones of the same name.
package symbol

import (
	"sync"

	"github.com/theseus-os/crate-loader/crate"
)

// Namespace is a process-wide collection of loaded crates and the symbol
// map used to resolve cross-crate references during loading.
type Namespace struct {
	mu      sync.Mutex
	crates  map[string]*crate.LoadedCrate
	symbols map[string]*crate.LoadedSection
}

// NewNamespace returns an empty Namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		crates:  make(map[string]*crate.LoadedCrate),
		symbols: make(map[string]*crate.LoadedSection),
	}
}

// AddSymbols registers owner in the crate tree and inserts every one of its
// global sections into the symbol map under the rules of spec.md §4.4: a
// new insertion that collides with an existing name always replaces it
// (the open question of WEAK-vs-GLOBAL precedence is resolved by treating
// both as equally "global," matching the source), and the shadowed name is
// recorded in owner's ReexportedSymbols so its prior binding is known to
// have been superseded even though the superseded section itself remains
// reachable through its own crate's Sections map.
func (ns *Namespace) AddSymbols(owner *crate.LoadedCrate) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	for _, idx := range owner.GlobalSections {
		sec := owner.Sections[idx]
		if _, shadowed := ns.symbols[sec.Name]; shadowed {
			owner.ReexportedSymbols[sec.Name] = struct{}{}
		}
		ns.symbols[sec.Name] = sec
	}
	ns.crates[owner.Name] = owner
}

// GetSymbol returns the section currently bound to a demangled name, if
// any. Lookup is infallible: a missing name simply reports ok=false.
func (ns *Namespace) GetSymbol(name string) (*crate.LoadedSection, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	s, ok := ns.symbols[name]
	return s, ok
}

// GetCrate returns the registered crate with the given name, if any.
func (ns *Namespace) GetCrate(name string) (*crate.LoadedCrate, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	c, ok := ns.crates[name]
	return c, ok
}

// GetSectionContainingAddress walks every registered crate's sections (and,
// if includeData is true, its data/bss sections as well as its code/rodata
// ones) looking for one whose [VirtAddr, VirtAddr+Size) contains addr. It is
// a linear fallback intended for debugging and sampling, not the hot path,
// per spec.md §4.4.
func (ns *Namespace) GetSectionContainingAddress(addr uint64, includeData bool) (*crate.LoadedSection, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for _, c := range ns.crates {
		for _, sec := range c.Sections {
			if !includeData {
				switch sec.Typ {
				case crate.Data, crate.Bss, crate.TlsData, crate.TlsBss:
					continue
				}
			}
			if sec.Typ.IsTLS() {
				continue // VirtAddr is a TLS offset, not an address, for these
			}
			if sec.ContainsAddress(addr) {
				return sec, true
			}
		}
	}
	return nil, false
}

// RemoveCrate releases the Namespace's strong reference to the named crate,
// dropping any of its symbol-map entries that still point at one of its
// sections, and closes the crate's MappedRegions. It reports false if no
// such crate was registered.
func (ns *Namespace) RemoveCrate(name string) bool {
	ns.mu.Lock()
	c, ok := ns.crates[name]
	if !ok {
		ns.mu.Unlock()
		return false
	}
	delete(ns.crates, name)
	for symName, sec := range ns.symbols {
		if sec.CrateRef == c {
			delete(ns.symbols, symName)
		}
	}
	ns.mu.Unlock()

	c.Close()
	return true
}

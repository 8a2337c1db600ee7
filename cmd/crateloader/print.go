package main

import (
	"fmt"
	"sort"

	"github.com/theseus-os/crate-loader/crate"
)

// printCrate dumps a loaded crate's sections in section-index order, marking
// which ones are globally visible, and closes with a one-line tally so the
// output stays readable on crates with hundreds of sections.
func printCrate(lc *crate.LoadedCrate) {
	fmt.Printf("crate %s\n", lc.Name)

	indices := make([]int, 0, len(lc.Sections))
	for idx := range lc.Sections {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		s := lc.Sections[idx]
		scope := "local"
		if s.Global {
			scope = "global"
		}
		fmt.Printf("  [%3d] %-8s %-7s %#016x +%#x %s\n", idx, s.Typ, scope, s.VirtAddr, s.Size, s.Name)
	}

	fmt.Printf("%d sections, %d global, %d TLS, %d dependencies\n",
		len(lc.Sections), len(lc.GlobalSections), len(lc.TLSSections), len(lc.Dependencies))
}

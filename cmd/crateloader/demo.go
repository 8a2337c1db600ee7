package main

import (
	"fmt"
	"os"

	"github.com/theseus-os/crate-loader/loader"
)

// runDemo loads a crate the same way runLoad does, then looks up the named
// exported symbol and, where the platform-specific execThunk is wired up,
// runs its bytes as real executable machine code. This is a demonstration of
// what the three simulated MappedRegions stand in for, not a correctness
// check for vm.Mapper itself — the page-table walk and permission model are
// already fully exercised without ever touching real memory protection.
func runDemo(path, symName string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mapper, pages, ns, tlsMgr, err := newScratchRig()
	if err != nil {
		return err
	}

	lc, err := loader.LoadCrate(crateName(path), data, ns, mapper, pages, tlsMgr)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	defer lc.Close()

	sec, ok := ns.GetSymbol(symName)
	if !ok {
		return fmt.Errorf("%q not found among %s's exported symbols", symName, crateName(path))
	}
	thunk, err := sec.Bytes()
	if err != nil {
		return fmt.Errorf("reading %q: %w", symName, err)
	}

	rax, err := execThunk(thunk)
	if err != nil {
		return fmt.Errorf("running %q: %w", symName, err)
	}
	fmt.Printf("%s returned rax=%#x\n", symName, rax)
	return nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/theseus-os/crate-loader/loader"
	"github.com/theseus-os/crate-loader/mem"
	"github.com/theseus-os/crate-loader/symbol"
	"github.com/theseus-os/crate-loader/tls"
	"github.com/theseus-os/crate-loader/vm"
)

// arenaPages is how many pages/frames a CLI invocation's scratch arena
// carries; a real bootstrap sizes this from a firmware memory map, but a
// command-line tool just needs enough room for one crate's three regions.
const arenaPages = 1024

// newScratchRig builds a fresh set of loader collaborators backed by ordinary
// process memory, exactly as loader_test.go's rig does, so this command can
// exercise LoadCrate/ParseELF without a running kernel underneath it.
func newScratchRig() (*vm.Mapper, *mem.PageAllocator, *symbol.Namespace, *tls.Manager, error) {
	arena := mem.NewArena()
	if err := arena.AddArea(mem.NewPhysicalAddress(0), arenaPages*uint64(mem.PageSize), mem.AreaUsable); err != nil {
		return nil, nil, nil, nil, err
	}
	pages := mem.NewPageAllocator(mem.PageFromNumber(0x1000), mem.PageFromNumber(0x1000+arenaPages-1))
	return vm.NewMapper(arena), pages, symbol.NewNamespace(), tls.NewManager(), nil
}

// crateName derives a kernel crate name from a file path the way Theseus
// object files are named on disk: the base name without its extension,
// prefixed with the kernel crate marker LoadCrate requires.
func crateName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if strings.HasPrefix(base, loader.KernelCratePrefix) {
		return base
	}
	return loader.KernelCratePrefix + base
}

func runLoad(path string) error {
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

	printCrate(lc)
	return nil
}

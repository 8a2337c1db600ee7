//go:build linux && amd64

package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// execThunk copies code into a fresh anonymous mapping, flips it from
// writable to executable (never both at once), and calls it as a bare
// System V AMD64 function that takes no arguments and returns its result in
// rax. This is the one place in the repository real executable memory gets
// touched; everywhere else "executable" is just a bit in a simulated
// mem.EntryFlags.
func execThunk(code []byte) (uint64, error) {
	region, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("mmap: %w", err)
	}
	defer unix.Munmap(region)

	copy(region, code)

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return 0, fmt.Errorf("mprotect: %w", err)
	}

	// A Go func value points at a word holding the code address; the slice
	// header's first word is exactly that, so &region serves as that word.
	header := unsafe.Pointer(&region)
	fn := *(*func() uint64)(unsafe.Pointer(&header))
	return fn(), nil
}

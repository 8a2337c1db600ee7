//go:build !(linux && amd64)

package main

import "fmt"

// execThunk has no implementation outside linux/amd64: the demo command
// still loads the crate and looks up its symbol, it just can't run the
// result as machine code on this platform.
func execThunk(code []byte) (uint64, error) {
	return 0, fmt.Errorf("the executable-memory demo is only wired up for linux/amd64")
}

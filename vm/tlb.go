package vm

import (
	"sync"

	"github.com/theseus-os/crate-loader/mem"
)

// tlbBroadcastFn, when set, is invoked after any remap or unmap so the
// caller can shoot down stale translations on every CPU that might have
// cached them. Grounded on biscuit's vm.Cpumap registration pattern
// (biscuit/src/vm/as.go), simplified from a CPU-id mapper to a single
// broadcast hook since this module has no notion of other running CPUs of
// its own. Unlike Cpumap, a nil hook is a normal, supported configuration
// (single-address-space tests have nothing to broadcast to), so invocation
// silently no-ops rather than panicking.
var (
	tlbMu           sync.RWMutex
	tlbBroadcastFn  func([]mem.Page)
	tlbBroadcastSet bool
)

// SetTLBBroadcastFunc registers the process-wide TLB shootdown hook. It may
// be called at most once; subsequent calls panic, mirroring a once-cell.
func SetTLBBroadcastFunc(f func([]mem.Page)) {
	tlbMu.Lock()
	defer tlbMu.Unlock()
	if tlbBroadcastSet {
		panic("vm: SetTLBBroadcastFunc called more than once")
	}
	tlbBroadcastFn = f
	tlbBroadcastSet = true
}

func broadcastTLBShootdown(pages []mem.Page) {
	if len(pages) == 0 {
		return
	}
	tlbMu.RLock()
	f := tlbBroadcastFn
	tlbMu.RUnlock()
	if f != nil {
		f(pages)
	}
}

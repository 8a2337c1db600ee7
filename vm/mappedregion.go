package vm

import (
	"fmt"

	"github.com/theseus-os/crate-loader/mem"
)

// MappedRegion represents a contiguous range of virtual pages that are
// currently mapped, and owns that mapping: once constructed it is
// responsible for unmapping its pages (and, if it owns their frames,
// freeing them) exactly once via Close. It is grounded on MappedPages from
// kernel/memory/src/paging/mapper.rs, adapted to Go's explicit-Close
// idiom in place of Drop.
type MappedRegion struct {
	mapper *Mapper
	pages  mem.AllocatedPages
	flags  mem.EntryFlags
	closed bool
}

// Flags returns the page table permissions this region was mapped with.
func (r *MappedRegion) Flags() mem.EntryFlags { return r.flags }

// Range returns the virtual page range this region covers.
func (r *MappedRegion) Range() mem.PageRange { return r.pages.Range() }

// IsExclusive reports whether this region owns its physical frames (i.e.
// Close will free them), as opposed to a non-exclusive mapping created by
// Mapper.MapToNonExclusive.
func (r *MappedRegion) IsExclusive() bool { return r.flags.Has(mem.EXCLUSIVE) }

// frames returns, in page order, the physical frame each page of r is
// currently mapped to.
func (r *MappedRegion) frames() []mem.Frame {
	rng := r.pages.Range()
	out := make([]mem.Frame, 0, rng.NumPages())
	for _, p := range expandPages(rng) {
		f, ok := r.mapper.TranslatePage(p)
		if !ok {
			panic(fmt.Sprintf("vm: MappedRegion: page %s in a live region has no page table entry", p))
		}
		out = append(out, f)
	}
	return out
}

// Bytes returns a freshly copied snapshot of the region's backing storage,
// concatenated across pages in address order. Unlike a real contiguous
// virtual mapping, this simulation backs each frame with an independent byte
// slice, so a true zero-copy contiguous view is not generally possible when
// a region spans more than one (non-bijectively guaranteed contiguous)
// frame; callers that need to mutate in place should use WriteAt.
func (r *MappedRegion) Bytes() []byte {
	frames := r.frames()
	out := make([]byte, 0, len(frames)*mem.PageSize)
	for _, f := range frames {
		out = append(out, r.mapper.arena.Bytes(f)...)
	}
	return out
}

// WriteAt copies data into the region starting at the given byte offset,
// splitting the write across page boundaries as needed. It returns an error
// if the write would run past the end of the region.
func (r *MappedRegion) WriteAt(offset uint64, data []byte) error {
	return r.accessAt(offset, uint64(len(data)), func(buf []byte, bufOff int, n int) {
		copy(buf[bufOff:bufOff+n], data[:n])
		data = data[n:]
	})
}

// ReadAt copies length bytes out of the region starting at the given byte
// offset.
func (r *MappedRegion) ReadAt(offset, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	err := r.accessAt(offset, length, func(buf []byte, bufOff int, n int) {
		out = append(out, buf[bufOff:bufOff+n]...)
	})
	return out, err
}

func (r *MappedRegion) accessAt(offset, length uint64, visit func(buf []byte, bufOff int, n int)) error {
	size := r.Range().SizeInBytes()
	if offset+length > size {
		return fmt.Errorf("vm: access [%d:%d) out of bounds for a %d-byte region", offset, offset+length, size)
	}
	frames := r.frames()
	remaining := length
	pos := offset
	for remaining > 0 {
		pageIdx := pos / uint64(mem.PageSize)
		pageOff := int(pos % uint64(mem.PageSize))
		buf := r.mapper.arena.Bytes(frames[pageIdx])
		n := mem.PageSize - pageOff
		if uint64(n) > remaining {
			n = int(remaining)
		}
		visit(buf, pageOff, n)
		pos += uint64(n)
		remaining -= uint64(n)
	}
	return nil
}

// Remap changes the permissions of every page in the region. The EXCLUSIVE
// bit is never affected by new_flags; it always reflects this region's
// actual frame ownership.
func (r *MappedRegion) Remap(newFlags mem.EntryFlags) error {
	if r.closed {
		return fmt.Errorf("vm: Remap: region already closed")
	}
	actual, err := r.mapper.remap(r.Range(), newFlags)
	if err != nil {
		return err
	}
	r.flags = actual
	return nil
}

// Merge combines other into r if and only if they were mapped by the same
// Mapper with the same flags and their page ranges are contiguous. On
// success other is left as a closed, empty placeholder (mirroring
// mem::forget of the consumed MappedPages) and must not be used again. On
// failure other is returned unchanged so no ownership is lost.
func (r *MappedRegion) Merge(other *MappedRegion) (*MappedRegion, error) {
	if other.mapper != r.mapper {
		return other, fmt.Errorf("vm: Merge: regions belong to different mappers")
	}
	if other.flags != r.flags {
		return other, fmt.Errorf("vm: Merge: regions have different flags (%s vs %s)", r.flags, other.flags)
	}
	merged, ok := r.pages.Merge(other.pages)
	if !ok {
		return other, fmt.Errorf("vm: Merge: regions are not virtually contiguous")
	}
	r.pages = merged
	other.closed = true
	other.pages = mem.AllocatedPages{}
	return r, nil
}

// Split divides r into two regions at the given page, following
// mem.PageRange.Split, which fails unless both halves are non-empty. On
// failure it returns r unchanged (ok=false).
func (r *MappedRegion) Split(at mem.Page) (before, after *MappedRegion, ok bool) {
	b, a, split := r.pages.Split(at)
	if !split {
		return r, nil, false
	}
	r.closed = true
	return &MappedRegion{mapper: r.mapper, pages: b, flags: r.flags},
		&MappedRegion{mapper: r.mapper, pages: a, flags: r.flags},
		true
}

// DeepCopy allocates a fresh region of the same size, copies this region's
// contents into it byte-for-byte, and applies newFlags (or this region's
// existing flags if newFlags is nil) to the copy.
func (r *MappedRegion) DeepCopy(newFlags *mem.EntryFlags, allocator *mem.PageAllocator) (*MappedRegion, error) {
	n := r.Range().NumPages()
	flags := r.flags
	if newFlags != nil {
		flags = *newFlags
	}

	newPages, err := allocator.Allocate(n)
	if err != nil {
		return nil, err
	}
	copied, err := r.mapper.MapAllocatedPages(newPages, flags.With(mem.WRITABLE))
	if err != nil {
		return nil, err
	}
	if err := copied.WriteAt(0, r.Bytes()); err != nil {
		copied.Close()
		return nil, err
	}
	if !flags.Has(mem.WRITABLE) {
		if err := copied.Remap(flags); err != nil {
			copied.Close()
			return nil, err
		}
	}
	return copied, nil
}

// Unmap removes this region's page table entries without deallocating its
// pages or (if exclusive) its frames, returning them to the caller to reuse
// directly on a future mapping. r must not be used again afterward.
//
// A region produced by Merge is not guaranteed to back a contiguous run of
// frame numbers (Merge only requires the two halves' pages to be virtually
// contiguous and their flags to match), so the frames reclaimed here are
// coalesced into maximal contiguous runs rather than assumed to form one:
// only the first run is returned, and any further runs are released back to
// the arena immediately, exactly as spec.md's unmap operation describes.
func (r *MappedRegion) Unmap() (mem.AllocatedPages, mem.AllocatedFrames, error) {
	if r.closed {
		return mem.AllocatedPages{}, mem.AllocatedFrames{}, fmt.Errorf("vm: Unmap: region already closed")
	}
	rng := r.Range()
	exclusive := r.IsExclusive()
	var fs []mem.Frame
	if exclusive {
		fs = r.frames()
	}

	pages := expandPages(rng)
	r.mapper.mu.Lock()
	for _, p := range pages {
		if slot, ok := r.mapper.lookupLeaf(p); ok {
			*slot = 0
		}
	}
	r.mapper.mu.Unlock()
	broadcastTLBShootdown(pages)

	r.closed = true
	ap := r.pages
	r.pages = mem.AllocatedPages{}

	var af mem.AllocatedFrames
	if exclusive {
		af = coalesceAndReclaim(r.mapper.arena, fs)
	}
	return ap, af, nil
}

// coalesceAndReclaim adopts each frame in frames, merging adjacent ones into
// maximal contiguous AllocatedFrames runs. The first run is returned to the
// caller; every other run is closed immediately, handing its frames straight
// back to the arena's free list.
func coalesceAndReclaim(arena *mem.Arena, frames []mem.Frame) mem.AllocatedFrames {
	var runs []mem.AllocatedFrames
	for _, f := range frames {
		af := arena.AdoptFrame(f)
		if len(runs) > 0 {
			if merged, ok := runs[len(runs)-1].Merge(af); ok {
				runs[len(runs)-1] = merged
				continue
			}
		}
		runs = append(runs, af)
	}
	if len(runs) == 0 {
		return mem.AllocatedFrames{}
	}
	for i := 1; i < len(runs); i++ {
		extra := runs[i]
		extra.Close()
	}
	return runs[0]
}

// Close unmaps this region and, if it owns its frames, returns them to their
// arena. Safe to call at most once.
func (r *MappedRegion) Close() {
	if r == nil || r.closed {
		return
	}
	r.closed = true
	r.mapper.unmap(r.pages.Range(), r.mapper.arena)
	r.pages.Close()
}

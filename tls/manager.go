// Package tls implements the per-namespace TLS (thread-local storage)
// static image manager that the loader hands TLS sections to, per spec.md
// §6.6. It is grounded on the general static-TLS-image-then-per-thread-copy
// design implied by the nano_core module manager's TLS section handling
// (kernel/nano_core/src/mod_mgmt/mod.rs classifies .tdata/.tbss alongside
// .data/.bss), adapted into a standalone collaborator since the loader spec
// only requires the manager to exist behind the
// add_existing_static_tls_section(offset, section) contract, not to share
// the loader's own section classification code.
package tls

import (
	"fmt"
	"sort"
	"sync"

	"github.com/theseus-os/crate-loader/crate"
)

// Manager owns the kernel's static TLS initializer image: the template
// every new thread's TLS block is copied from. Each registered section
// contributes the bytes at its tls_offset (a signed displacement from the
// thread-local base, per spec.md's TLS offset definition).
type Manager struct {
	mu       sync.Mutex
	sections map[uint64]*crate.LoadedSection // keyed by tls_offset
}

// NewManager returns an empty TLS manager.
func NewManager() *Manager {
	return &Manager{sections: make(map[uint64]*crate.LoadedSection)}
}

// AddExistingStaticTLSSection registers a TLS section (TlsData or TlsBss)
// at the given TLS offset. It is an error for two sections to claim the
// same offset; that would indicate a loader or linker-script bug rather
// than a recoverable runtime condition.
func (m *Manager) AddExistingStaticTLSSection(offset uint64, section *crate.LoadedSection) error {
	if !section.Typ.IsTLS() {
		return fmt.Errorf("tls: AddExistingStaticTLSSection: section %q is not a TLS section (%s)", section.Name, section.Typ)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sections[offset]; ok {
		return fmt.Errorf("tls: offset %#x already claimed by section %q, cannot also claim it for %q", offset, existing.Name, section.Name)
	}
	m.sections[offset] = section
	return nil
}

// RemoveSections drops the given offsets from the registry, undoing a
// partial AddExistingStaticTLSSection sequence when a crate load fails
// after registering some of its TLS sections but before completing.
func (m *Manager) RemoveSections(offsets []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, off := range offsets {
		delete(m.sections, off)
	}
}

// Size returns the byte length of the static TLS image: the highest
// (offset + section size) across every registered section.
func (m *Manager) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max uint64
	for off, sec := range m.sections {
		if end := off + sec.Size; end > max {
			max = end
		}
	}
	return max
}

// InstantiateStaticImage materializes a fresh copy of the static TLS image
// suitable for a new thread: TlsData sections contribute their actual
// bytes, TlsBss sections contribute zeros (mirroring how NOBITS sections
// are never copied from the ELF image either).
func (m *Manager) InstantiateStaticImage() ([]byte, error) {
	m.mu.Lock()
	offsets := make([]uint64, 0, len(m.sections))
	for off := range m.sections {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	sections := m.sections
	m.mu.Unlock()

	img := make([]byte, m.Size())
	for _, off := range offsets {
		sec := sections[off]
		if sec.Typ == crate.TlsBss {
			continue // already zero
		}
		b, err := sec.Bytes()
		if err != nil {
			return nil, fmt.Errorf("tls: reading section %q at offset %#x: %w", sec.Name, off, err)
		}
		copy(img[off:], b)
	}
	return img, nil
}

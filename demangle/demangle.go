// Package demangle turns a compiler-mangled Rust symbol into the
// (full-name-without-hash, hash) pair the loader and namespace key symbols
// by. It is grounded on demangle_symbol in the original nano_core mod
// manager, which called rustc_demangle::demangle and split its "alternate"
// (`{:#}`, no hash) and default (`{}`, with hash) renderings apart. Go has
// no equivalent crate, but github.com/ianlancetaylor/demangle (already a
// teacher dependency) implements the same Rust v0 and legacy-Itanium-with-
// hash mangling schemes, so the split is reproduced by hand here instead of
// relying on a format flag.
package demangle

import (
	"strings"

	ltdemangle "github.com/ianlancetaylor/demangle"
)

// Symbol is the result of demangling one compiler symbol.
type Symbol struct {
	// Full is the fully-qualified name with any trailing compiler hash
	// suffix removed, e.g. "my_crate::module::func_name".
	Full string
	// Hash is the hash suffix that followed Full in the mangled name's
	// canonical (non-alternate) rendering, if the symbol had one.
	Hash string
	// HasHash reports whether Hash is meaningful (distinguishes "no hash"
	// from "hash happens to be the empty string").
	HasHash bool
}

// Demangle returns the demangled (full, hash) pair for a raw symbol name. If
// name is not a recognized mangling (e.g. a C symbol, or already a plain
// identifier), Full is set to name unchanged and HasHash is false.
func Demangle(name string) Symbol {
	withHash, err := ltdemangle.ToString(name, ltdemangle.NoTemplateParams)
	if err != nil {
		return Symbol{Full: name}
	}
	withoutHash := stripHashSuffix(withHash)
	if withoutHash == withHash {
		// The library's Rust-legacy output already drops the trailing
		// "17h<16 hex>E" component, so the hash is read from the raw name.
		n := len(name)
		if strings.HasPrefix(name, "_ZN") && n >= 23 && name[n-20:n-17] == "17h" &&
			name[n-1] == 'E' && isHex(name[n-17:n-1]) {
			return Symbol{Full: withHash, Hash: name[n-18 : n-1], HasHash: true}
		}
		return Symbol{Full: withoutHash}
	}
	// A rendering that keeps the hash separates it from the qualified name
	// with "::", as rustc's own textual rendering does.
	sep := "::"
	idx := strings.LastIndex(withHash, sep)
	if idx < 0 || withHash[:idx] != withoutHash {
		return Symbol{Full: withoutHash}
	}
	return Symbol{Full: withoutHash, Hash: withHash[idx+len(sep):], HasHash: true}
}

// stripHashSuffix removes a trailing "::h<16 hex digits>" component, the
// canonical shape of a legacy Rust mangled symbol's hash, mirroring what
// rustc_demangle's alternate ("{:#}") formatting drops.
func stripHashSuffix(s string) string {
	idx := strings.LastIndex(s, "::h")
	if idx < 0 {
		return s
	}
	suffix := s[idx+len("::h"):]
	if len(suffix) != 16 || !isHex(suffix) {
		return s
	}
	return s[:idx]
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

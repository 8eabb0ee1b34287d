// Package paging implements virtual-to-physical address translation by
// walking hardware paging structures stored in a memory dump. Translation
// is a pure computation over an immutable image: walks are bounded by the
// fixed level count of the paging mode and repeated calls with the same
// context and address yield the same result.
package paging

import (
	"fmt"
	"strings"
)

// Mode selects the paging structure layout used for translation.
type Mode int

const (
	// Amd64 is 4-level long mode paging: 9+9+9+9 bit indices, 12 bit page
	// offset, 8 byte entries, 2 MiB and 1 GiB large pages.
	Amd64 Mode = iota
	// PAE is 32-bit physical address extension paging: 2+9+9 bit indices,
	// 12 bit page offset, 8 byte entries, 2 MiB large pages.
	PAE
	// X86 is legacy 32-bit paging: 10+10 bit indices, 12 bit page offset,
	// 4 byte entries, 4 MiB large pages.
	X86
)

func (m Mode) String() string {
	switch m {
	case Amd64:
		return "amd64"
	case PAE:
		return "pae"
	case X86:
		return "x86"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ModeByName returns the Mode with the given name.
func ModeByName(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "amd64", "x64", "4level":
		return Amd64, nil
	case "pae":
		return PAE, nil
	case "x86", "legacy":
		return X86, nil
	}
	return 0, fmt.Errorf("unknown paging mode %q (want amd64, pae or x86)", name)
}

// Context is a directory table base paired with a paging mode. A Context is
// typically built per analysis target (per process) from kernel structures
// and is immutable once constructed.
type Context struct {
	DTB  uint64
	Mode Mode
}

const (
	entryPresent  = 1 << 0 // P bit
	entryPageSize = 1 << 7 // PS bit: terminal large page at this level
	entryPAT      = 1 << 12

	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// level describes one level of a paging hierarchy, top first.
type level struct {
	shift uint // lowest bit of the index field in the virtual address
	bits  uint // width of the index field
	large bool // the PS bit may terminate the walk at this level
}

// modeSpec is the fixed geometry of a paging mode.
type modeSpec struct {
	entrySize uint64
	physMask  uint64 // page frame field of an entry
	dtbMask   uint64 // alignment of the top level table
	levels    []level
}

func (m Mode) spec() *modeSpec {
	switch m {
	case Amd64:
		return &amd64Spec
	case PAE:
		return &paeSpec
	case X86:
		return &x86Spec
	}
	panic(fmt.Sprintf("no spec for paging mode %d", int(m)))
}

var amd64Spec = modeSpec{
	entrySize: 8,
	physMask:  0x000ffffffffff000,
	dtbMask:   ^uint64(0xfff),
	levels: []level{
		{shift: 39, bits: 9, large: false}, // PML4, PS reserved
		{shift: 30, bits: 9, large: true},  // PDPT, 1 GiB pages
		{shift: 21, bits: 9, large: true},  // PD, 2 MiB pages
		{shift: 12, bits: 9, large: false}, // PT
	},
}

var paeSpec = modeSpec{
	entrySize: 8,
	physMask:  0x000ffffffffff000,
	dtbMask:   ^uint64(0x1f), // PDPT is 32-byte aligned
	levels: []level{
		{shift: 30, bits: 2, large: false}, // PDPT, PS reserved
		{shift: 21, bits: 9, large: true},  // PD, 2 MiB pages
		{shift: 12, bits: 9, large: false}, // PT
	},
}

var x86Spec = modeSpec{
	entrySize: 4,
	physMask:  0xfffff000,
	dtbMask:   ^uint64(0xfff),
	levels: []level{
		{shift: 22, bits: 10, large: true},  // PD, 4 MiB pages
		{shift: 12, bits: 10, large: false}, // PT
	},
}

package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/rigor-forensics/rigor/pkg/logflags"
)

// Memory is the physical read capability translation needs. *dump.Image
// implements it.
type Memory interface {
	ReadPhysical(buf []byte, addr uint64) error
}

// Translate walks the paging structures rooted at ctx.DTB and returns the
// physical address that vaddr maps to. The walk reads one entry per level;
// a clear present bit yields *InvalidEntryError, reserved bit violations
// yield *MalformedEntryError, and failures to read an entry from the image
// are propagated unchanged so callers can tell unmapped page tables from
// unmapped target addresses.
func Translate(mem Memory, ctx Context, vaddr uint64) (uint64, error) {
	spec := ctx.Mode.spec()
	table := ctx.DTB & spec.dtbMask
	var entryBuf [8]byte

	for i, lvl := range spec.levels {
		idx := (vaddr >> lvl.shift) & ((1 << lvl.bits) - 1)
		entryAddr := table + idx*spec.entrySize

		buf := entryBuf[:spec.entrySize]
		if err := mem.ReadPhysical(buf, entryAddr); err != nil {
			return 0, fmt.Errorf("reading level %d entry at %#x: %w", i, entryAddr, err)
		}
		var entry uint64
		if spec.entrySize == 4 {
			entry = uint64(binary.LittleEndian.Uint32(buf))
		} else {
			entry = binary.LittleEndian.Uint64(buf)
		}

		if entry&entryPresent == 0 {
			return 0, &InvalidEntryError{VAddr: vaddr, Level: i}
		}

		leaf := i == len(spec.levels)-1
		if !leaf && entry&entryPageSize != 0 {
			if !lvl.large {
				return 0, &MalformedEntryError{VAddr: vaddr, Entry: entry, Level: i, Reason: "page size bit is reserved at this level"}
			}
			largeSize := uint64(1) << lvl.shift
			// Inside a large page mapping the frame field must be aligned
			// to the page size; bit 12 is PAT, not part of the frame.
			if low := entry & spec.physMask & (largeSize - 1) &^ entryPAT; low != 0 {
				return 0, &MalformedEntryError{VAddr: vaddr, Entry: entry, Level: i, Reason: "large page frame has reserved low bits set"}
			}
			pa := (entry & spec.physMask &^ (largeSize - 1)) | (vaddr & (largeSize - 1))
			if logflags.Paging() {
				logflags.PagingLogger().Debugf("%s %#x -> %#x (%d MiB page, level %d)", ctx.Mode, vaddr, pa, largeSize>>20, i)
			}
			return pa, nil
		}

		if leaf {
			pa := (entry & spec.physMask) | (vaddr & pageMask)
			if logflags.Paging() {
				logflags.PagingLogger().Debugf("%s %#x -> %#x", ctx.Mode, vaddr, pa)
			}
			return pa, nil
		}

		table = entry & spec.physMask
	}
	panic("paging mode with no levels")
}

// ReadVirtual fills buf with the bytes at virtual address vaddr, translating
// each 4 KiB window separately: virtually contiguous pages are not assumed
// to be physically contiguous.
func ReadVirtual(mem Memory, ctx Context, vaddr uint64, buf []byte) error {
	return readVirtual(mem, vaddr, buf, func(va uint64) (uint64, error) {
		return Translate(mem, ctx, va)
	})
}

func readVirtual(mem Memory, vaddr uint64, buf []byte, translate func(uint64) (uint64, error)) error {
	for len(buf) > 0 {
		pa, err := translate(vaddr)
		if err != nil {
			return err
		}
		n := pageSize - int(vaddr&pageMask)
		if n > len(buf) {
			n = len(buf)
		}
		if err := mem.ReadPhysical(buf[:n], pa); err != nil {
			return err
		}
		buf = buf[n:]
		vaddr += uint64(n)
	}
	return nil
}

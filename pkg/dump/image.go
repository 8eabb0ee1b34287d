package dump

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"github.com/rigor-forensics/rigor/pkg/logflags"
	"github.com/rigor-forensics/rigor/pkg/paging"
)

// Run describes one contiguous run of physical memory stored in the dump
// file. Dumps of sparse physical address spaces are represented by multiple
// runs; a physical address not covered by any run is unmapped, which is a
// different condition from a read past the end of the file.
type Run struct {
	PhysStart uint64
	FileOff   uint64
	Length    uint64
}

// Image is a read-only view of the physical memory captured in a dump.
// It resolves physical addresses against an ordered, non-overlapping run
// table and delegates virtual reads to the page table walker. An Image is
// immutable after construction and safe for concurrent readers.
type Image struct {
	store Store
	runs  []Run // sorted by PhysStart, pairwise disjoint
}

// NewImage wraps store with the given physical run table. The runs are
// sorted by physical start; overlapping runs are rejected.
func NewImage(store Store, runs []Run) (*Image, error) {
	rs := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Length == 0 {
			continue
		}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].PhysStart < rs[j].PhysStart })
	for i := 1; i < len(rs); i++ {
		if rs[i-1].PhysStart+rs[i-1].Length > rs[i].PhysStart {
			return nil, &OverlappingRunsError{A: rs[i-1], B: rs[i]}
		}
	}
	if logflags.Image() {
		logger := logflags.ImageLogger()
		for i, r := range rs {
			logger.Debugf("run %d phys:%#x off:%#x length:%#x", i, r.PhysStart, r.FileOff, r.Length)
		}
	}
	return &Image{store: store, runs: rs}, nil
}

// Runs returns a copy of the image's physical run table.
func (img *Image) Runs() []Run {
	rs := make([]Run, len(img.runs))
	copy(rs, img.runs)
	return rs
}

// Size returns the size of the backing store in bytes.
func (img *Image) Size() uint64 { return uint64(img.store.Size()) }

// PhysicalSize returns the total number of physical bytes captured across
// all runs.
func (img *Image) PhysicalSize() uint64 {
	var total uint64
	for _, r := range img.runs {
		total += r.Length
	}
	return total
}

// Close releases the backing store.
func (img *Image) Close() error { return img.store.Close() }

// ReadPhysical fills buf with the bytes stored at physical address addr.
// The requested range must lie entirely within a single run: a read that
// spans a gap or crosses the end of a run fails with an UnmappedError
// naming the first unmapped address. The Image never splits reads; callers
// may retry at run boundaries.
func (img *Image) ReadPhysical(buf []byte, addr uint64) error {
	if len(buf) == 0 {
		return nil
	}
	i := sort.Search(len(img.runs), func(i int) bool {
		return img.runs[i].PhysStart+img.runs[i].Length > addr
	})
	if i == len(img.runs) || addr < img.runs[i].PhysStart {
		return &UnmappedError{Addr: addr}
	}
	r := img.runs[i]
	off := addr - r.PhysStart
	if uint64(len(buf)) > r.Length-off {
		return &UnmappedError{Addr: r.PhysStart + r.Length}
	}
	if _, err := img.store.ReadAt(buf, int64(r.FileOff+off)); err != nil {
		if oor, ok := err.(*OutOfRangeError); ok {
			return oor
		}
		return &IOError{Offset: r.FileOff + off, Err: err}
	}
	return nil
}

// ReadVirtual fills buf with the bytes at virtual address vaddr under the
// given paging context. The read is translated one 4 KiB window at a time:
// virtually contiguous pages need not be physically contiguous.
func (img *Image) ReadVirtual(buf []byte, ctx paging.Context, vaddr uint64) error {
	return paging.ReadVirtual(img, ctx, vaddr, buf)
}

// Uint64At reads a little-endian 64-bit value at physical address addr.
func (img *Image) Uint64At(addr uint64) (uint64, error) {
	var b [8]byte
	if err := img.ReadPhysical(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Uint32At reads a little-endian 32-bit value at physical address addr.
func (img *Image) Uint32At(addr uint64) (uint32, error) {
	var b [4]byte
	if err := img.ReadPhysical(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Uint16At reads a little-endian 16-bit value at physical address addr.
func (img *Image) Uint16At(addr uint64) (uint16, error) {
	var b [2]byte
	if err := img.ReadPhysical(b[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ASCIIAt reads a NUL-terminated ASCII string of at most maxLen bytes at
// physical address addr. The read is clipped to the containing run.
func (img *Image) ASCIIAt(addr uint64, maxLen int) (string, error) {
	buf := make([]byte, maxLen)
	n, err := img.readClipped(buf, addr)
	if err != nil {
		return "", err
	}
	buf = buf[:n]
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}

// UTF16At reads a NUL-terminated UTF-16LE string of at most maxLen bytes at
// physical address addr.
func (img *Image) UTF16At(addr uint64, maxLen int) (string, error) {
	buf := make([]byte, maxLen&^1)
	n, err := img.readClipped(buf, addr)
	if err != nil {
		return "", err
	}
	codes := make([]uint16, 0, n/2)
	for i := 0; i+1 < n; i += 2 {
		c := uint16(buf[i]) | uint16(buf[i+1])<<8
		if c == 0 {
			break
		}
		codes = append(codes, c)
	}
	return string(utf16.Decode(codes)), nil
}

// readClipped reads up to len(buf) bytes at addr, clipping the read to the
// end of the containing run, and returns the number of bytes read.
func (img *Image) readClipped(buf []byte, addr uint64) (int, error) {
	i := sort.Search(len(img.runs), func(i int) bool {
		return img.runs[i].PhysStart+img.runs[i].Length > addr
	})
	if i == len(img.runs) || addr < img.runs[i].PhysStart {
		return 0, &UnmappedError{Addr: addr}
	}
	r := img.runs[i]
	avail := r.Length - (addr - r.PhysStart)
	if uint64(len(buf)) > avail {
		buf = buf[:avail]
	}
	if err := img.ReadPhysical(buf, addr); err != nil {
		return 0, err
	}
	return len(buf), nil
}

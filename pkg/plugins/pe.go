package plugins

import (
	"encoding/binary"
	"fmt"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

const (
	peMaxLfanew     = 0x800
	peMaxSections   = 96
	peOptMagic32    = 0x10b
	peOptMagic64    = 0x20b
	peSizeOfImageHi = 512 << 20 // larger declared images are garbage
)

// peInfo is what the page-aligned scan could establish about a PE image
// candidate found in physical memory.
type peInfo struct {
	base        uint64 // physical address of the MZ header page
	lfanew      uint32
	machine     uint16
	sections    uint16
	isDLL       bool
	optMagic    uint16 // 0 if the optional header was unreadable
	sizeOfImage uint32 // 0 if unknown
}

func (pe *peInfo) arch() string {
	switch pe.machine {
	case 0x014c:
		return "x86"
	case 0x8664:
		return "x64"
	case 0x01c0, 0x01c4:
		return "arm"
	case 0xaa64:
		return "arm64"
	case 0x0200:
		return "ia64"
	}
	return fmt.Sprintf("machine-%#x", pe.machine)
}

// peInfoAt validates a PE image candidate whose MZ header would sit at base.
// It returns nil if the page does not hold a plausible header. Validation
// never trusts a single magic: the DOS magic, e_lfanew range, PE signature,
// section count and optional header magic are all checked.
func peInfoAt(img *dump.Image, base uint64) *peInfo {
	var dos [0x40]byte
	if err := img.ReadPhysical(dos[:], base); err != nil {
		return nil
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return nil
	}
	lfanew := binary.LittleEndian.Uint32(dos[0x3c:])
	if lfanew < 0x40 || lfanew > peMaxLfanew {
		return nil
	}

	// Signature + COFF file header.
	var coff [24]byte
	if err := img.ReadPhysical(coff[:], base+uint64(lfanew)); err != nil {
		return nil
	}
	if coff[0] != 'P' || coff[1] != 'E' || coff[2] != 0 || coff[3] != 0 {
		return nil
	}
	pe := &peInfo{
		base:     base,
		lfanew:   lfanew,
		machine:  binary.LittleEndian.Uint16(coff[4:]),
		sections: binary.LittleEndian.Uint16(coff[6:]),
	}
	if pe.sections == 0 || pe.sections > peMaxSections {
		return nil
	}
	characteristics := binary.LittleEndian.Uint16(coff[22:])
	pe.isDLL = characteristics&0x2000 != 0
	sizeOfOptional := binary.LittleEndian.Uint16(coff[20:])
	if sizeOfOptional == 0 {
		return pe // object-file shaped; keep as a weak candidate
	}

	// SizeOfImage sits at the same offset (+56) in both PE32 and PE32+
	// optional headers.
	var opt [64]byte
	if err := img.ReadPhysical(opt[:], base+uint64(lfanew)+24); err != nil {
		return pe
	}
	pe.optMagic = binary.LittleEndian.Uint16(opt[0:])
	if pe.optMagic != peOptMagic32 && pe.optMagic != peOptMagic64 {
		pe.optMagic = 0
		return pe
	}
	size := binary.LittleEndian.Uint32(opt[56:])
	if size >= 0x1000 && size < peSizeOfImageHi {
		pe.sizeOfImage = size
	}
	return pe
}

type peScanner struct{}

// NewPEScanner returns the "pescan" plugin: it probes every page boundary of
// every physical run for an MZ/PE header pair and reports validated images.
func NewPEScanner() scan.Plugin { return peScanner{} }

func (peScanner) Name() string { return "pescan" }

func (peScanner) Description() string {
	return "finds PE executable images at page boundaries in physical memory"
}

func (peScanner) Scan(img *dump.Image, h *scan.Handle) error {
	h.SetTotal(img.PhysicalSize())
	buf := make([]byte, scanChunk)
	for _, run := range img.Runs() {
		// Image bases are page aligned; only page boundaries are probed.
		start := (run.PhysStart + 0xfff) &^ uint64(0xfff)
		end := run.PhysStart + run.Length
		for chunkBase := start; chunkBase < end; chunkBase += scanChunk {
			n := end - chunkBase
			if n > scanChunk {
				n = scanChunk
			}
			chunk := buf[:n]
			if err := img.ReadPhysical(chunk, chunkBase); err != nil {
				h.Advance(n)
				continue
			}
			for pageOff := uint64(0); pageOff+2 <= n; pageOff += 0x1000 {
				if chunk[pageOff] != 'M' || chunk[pageOff+1] != 'Z' {
					continue
				}
				pe := peInfoAt(img, chunkBase+pageOff)
				if pe == nil {
					continue
				}
				h.Emit(peFinding(pe))
			}
			h.Advance(n)
			if h.Cancelled() {
				return h.Err()
			}
		}
	}
	return nil
}

func peFinding(pe *peInfo) scan.Finding {
	confidence := 60
	if pe.optMagic != 0 {
		confidence = 95
	}
	kind := "pe-image"
	if pe.isDLL {
		kind = "pe-dll"
	}
	details := map[string]string{
		"machine":  pe.arch(),
		"sections": fmt.Sprintf("%d", pe.sections),
	}
	if pe.sizeOfImage != 0 {
		details["size_of_image"] = fmt.Sprintf("%#x", pe.sizeOfImage)
	}
	return scan.Finding{
		Kind:        kind,
		Addr:        pe.base,
		Space:       scan.Physical,
		Length:      uint64(pe.sizeOfImage),
		Description: fmt.Sprintf("%s %s image, %d sections", pe.arch(), kind, pe.sections),
		Confidence:  confidence,
		Details:     details,
	}
}

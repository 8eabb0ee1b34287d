package plugins

import (
	"bytes"
	"fmt"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// Profile describes the EPROCESS layout of one Windows build, the minimum
// needed to validate pool-scan candidates. Offsets are relative to the
// EPROCESS base.
type Profile struct {
	Name string
	// PoolTag is the allocation tag preceding process objects ("Proc").
	PoolTag []byte
	// HeaderDelta is the distance from the pool tag to the EPROCESS base
	// (pool header remainder plus OBJECT_HEADER).
	HeaderDelta uint64
	Size        uint64

	PidOff         uint64
	PpidOff        uint64
	NameOff        uint64 // 15-byte ImageFileName
	DTBOff         uint64 // DirectoryTableBase
	ThreadCountOff uint64
}

// Win10x64Profile returns the EPROCESS layout of Windows 10 x64 builds
// 1903-21H2.
func Win10x64Profile() Profile {
	return Profile{
		Name:           "win10-x64",
		PoolTag:        []byte("Proc"),
		HeaderDelta:    0x40,
		Size:           0x4d0,
		PidOff:         0x180,
		PpidOff:        0x188,
		NameOff:        0x2e0,
		DTBOff:         0x28,
		ThreadCountOff: 0x1f8,
	}
}

type psScanner struct {
	profile Profile
}

// NewPsScanner returns the "psscan" plugin: it finds process objects by
// their pool allocation tag, the classic way of recovering both live and
// recently terminated processes without walking kernel lists.
func NewPsScanner(profile Profile) scan.Plugin {
	return &psScanner{profile: profile}
}

func (s *psScanner) Name() string { return "psscan" }

func (s *psScanner) Description() string {
	return "pool-tag scans physical memory for EPROCESS objects"
}

func (s *psScanner) Scan(img *dump.Image, h *scan.Handle) error {
	h.SetTotal(img.PhysicalSize())
	tag := s.profile.PoolTag
	overlap := uint64(len(tag) - 1)
	buf := make([]byte, scanChunk+overlap)
	for _, run := range img.Runs() {
		for off := uint64(0); off < run.Length; off += scanChunk {
			n := run.Length - off
			if n > scanChunk {
				n = scanChunk
			}
			// Read past the chunk end so tags straddling the boundary are
			// still seen; the overlap bytes are re-scanned next iteration
			// but candidates are deduplicated by position.
			readLen := n + overlap
			if off+readLen > run.Length {
				readLen = run.Length - off
			}
			chunk := buf[:readLen]
			base := run.PhysStart + off
			if err := img.ReadPhysical(chunk, base); err != nil {
				h.Advance(n)
				continue
			}
			for i := 0; ; {
				j := bytes.Index(chunk[i:], tag)
				if j < 0 {
					break
				}
				i += j
				if uint64(i) < n { // owned by this chunk, not the overlap
					s.probe(img, base+uint64(i), h)
				}
				i++
			}
			h.Advance(n)
			if h.Cancelled() {
				return h.Err()
			}
		}
	}
	return nil
}

// probe validates the EPROCESS candidate whose pool tag sits at tagAddr and
// emits a finding when enough fields are plausible.
func (s *psScanner) probe(img *dump.Image, tagAddr uint64, h *scan.Handle) {
	p := &s.profile
	base := tagAddr + p.HeaderDelta

	pid, err := img.Uint32At(base + p.PidOff)
	if err != nil {
		return
	}
	ppid, err := img.Uint32At(base + p.PpidOff)
	if err != nil {
		return
	}
	name, err := img.ASCIIAt(base+p.NameOff, 15)
	if err != nil {
		return
	}
	dtb, err := img.Uint64At(base + p.DTBOff)
	if err != nil {
		return
	}
	threads, err := img.Uint32At(base + p.ThreadCountOff)
	if err != nil {
		return
	}

	// Hard requirements: Windows PIDs are multiples of 4, the image name
	// must be a plausible short name.
	if pid == 0 || pid >= 0x10000 || pid%4 != 0 {
		return
	}
	if !plausibleImageName(name) {
		return
	}

	// Soft checks tighten confidence but do not reject: terminated
	// processes legitimately have zeroed thread counts and freed DTBs.
	score := 0
	if ppid < 0x10000 && ppid%4 == 0 {
		score++
	}
	if dtb != 0 && dtb%0x1000 == 0 {
		score++
	}
	if threads > 0 && threads < 0x1000 {
		score++
	}

	h.Emit(scan.Finding{
		Kind:        "process",
		Addr:        base,
		Space:       scan.Physical,
		Length:      p.Size,
		Description: fmt.Sprintf("%s (pid %d, ppid %d)", name, pid, ppid),
		Confidence:  60 + 10*score,
		Details: map[string]string{
			"pid":     fmt.Sprintf("%d", pid),
			"ppid":    fmt.Sprintf("%d", ppid),
			"dtb":     fmt.Sprintf("%#x", dtb),
			"threads": fmt.Sprintf("%d", threads),
			"profile": p.Name,
		},
	})
}

func plausibleImageName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !printableASCII(name[i]) {
			return false
		}
	}
	return true
}

package plugins

import (
	"bytes"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// codeWindow is how many bytes past a prologue match are disassembled.
const codeWindow = 96

// minDecodedInsts is the number of consecutive valid instructions a
// prologue match must decode into before it is reported.
const minDecodedInsts = 6

type prologue struct {
	bytes []byte
	mode  int // x86asm decode mode, 32 or 64
	desc  string
}

var prologues = []prologue{
	{[]byte{0x55, 0x48, 0x89, 0xe5}, 64, "push rbp; mov rbp, rsp"},
	{[]byte{0x48, 0x89, 0x5c, 0x24}, 64, "mov [rsp+disp], rbx"},
	{[]byte{0xfc, 0x48, 0x83, 0xe4, 0xf0}, 64, "cld; and rsp, ~0xf"},
	{[]byte{0x55, 0x8b, 0xec}, 32, "push ebp; mov ebp, esp"},
}

type codeCarver struct{}

// NewCodeCarver returns the "codecarve" plugin: it looks for x86/x64
// function prologues in physical memory and confirms candidates by
// disassembling forward, which separates real code from coincidental byte
// patterns. Useful for locating injected or unmapped code.
func NewCodeCarver() scan.Plugin { return codeCarver{} }

func (codeCarver) Name() string { return "codecarve" }

func (codeCarver) Description() string {
	return "finds x86/x64 function prologues and confirms them by disassembly"
}

func (codeCarver) Scan(img *dump.Image, h *scan.Handle) error {
	h.SetTotal(img.PhysicalSize())
	buf := make([]byte, scanChunk+codeWindow)
	for _, run := range img.Runs() {
		for off := uint64(0); off < run.Length; off += scanChunk {
			n := run.Length - off
			if n > scanChunk {
				n = scanChunk
			}
			readLen := n + codeWindow
			if off+readLen > run.Length {
				readLen = run.Length - off
			}
			chunk := buf[:readLen]
			base := run.PhysStart + off
			if err := img.ReadPhysical(chunk, base); err != nil {
				h.Advance(n)
				continue
			}
			for pi := range prologues {
				p := &prologues[pi]
				for i := 0; ; {
					j := bytes.Index(chunk[i:], p.bytes)
					if j < 0 {
						break
					}
					i += j
					if uint64(i) < n {
						if f, ok := confirmCode(chunk[i:], base+uint64(i), p); ok {
							h.Emit(f)
						}
					}
					i += len(p.bytes)
				}
			}
			h.Advance(n)
			if h.Cancelled() {
				return h.Err()
			}
		}
	}
	return nil
}

// confirmCode disassembles forward from a prologue match. The match is
// accepted only if it decodes into a run of valid instructions that
// includes at least one control transfer; straight-line "instructions"
// decoded out of random data rarely manage both.
func confirmCode(window []byte, addr uint64, p *prologue) (scan.Finding, bool) {
	if len(window) > codeWindow {
		window = window[:codeWindow]
	}
	count := 0
	extent := 0
	controlFlow := false
	for extent < len(window) && count < 16 {
		inst, err := x86asm.Decode(window[extent:], p.mode)
		if err != nil {
			break
		}
		switch inst.Op {
		case x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP, x86asm.RET, x86asm.LRET:
			controlFlow = true
		}
		extent += inst.Len
		count++
	}
	if count < minDecodedInsts || !controlFlow {
		return scan.Finding{}, false
	}
	confidence := 40 + 3*count
	if confidence > 85 {
		confidence = 85
	}
	return scan.Finding{
		Kind:        "code",
		Addr:        addr,
		Space:       scan.Physical,
		Length:      uint64(extent),
		Description: fmt.Sprintf("%d-bit code, prologue %s, %d instructions", p.mode, p.desc, count),
		Confidence:  confidence,
		Details: map[string]string{
			"mode":         fmt.Sprintf("%d", p.mode),
			"prologue":     p.desc,
			"instructions": fmt.Sprintf("%d", count),
		},
	}, true
}

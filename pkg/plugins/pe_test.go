package plugins

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildPE writes a minimal valid PE32+ image header at off in data.
func buildPE(data []byte, off int, machine uint16, sections uint16, characteristics uint16, sizeOfImage uint32) {
	const lfanew = 0x80
	data[off] = 'M'
	data[off+1] = 'Z'
	binary.LittleEndian.PutUint32(data[off+0x3c:], lfanew)

	pe := off + lfanew
	copy(data[pe:], []byte{'P', 'E', 0, 0})
	binary.LittleEndian.PutUint16(data[pe+4:], machine)
	binary.LittleEndian.PutUint16(data[pe+6:], sections)
	binary.LittleEndian.PutUint16(data[pe+20:], 0xf0) // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(data[pe+22:], characteristics)

	opt := pe + 24
	binary.LittleEndian.PutUint16(data[opt:], peOptMagic64)
	binary.LittleEndian.PutUint32(data[opt+56:], sizeOfImage)
}

func TestPEScanner(t *testing.T) {
	data := make([]byte, 0x4000)
	buildPE(data, 0x1000, 0x8664, 5, 0x2002, 0x5000) // DLL
	// A bare MZ with no PE signature must not be reported.
	data[0x3000] = 'M'
	data[0x3001] = 'Z'
	binary.LittleEndian.PutUint32(data[0x3000+0x3c:], 0x80)

	findings := runOne(t, NewPEScanner(), data)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d: %v", len(findings), findings)
	}
	f := findings[0]
	if f.Kind != "pe-dll" {
		t.Errorf("kind = %s, want pe-dll", f.Kind)
	}
	if f.Addr != 0x1000 {
		t.Errorf("addr = %#x, want 0x1000", f.Addr)
	}
	if f.Confidence != 95 {
		t.Errorf("confidence = %d, want 95", f.Confidence)
	}
	if f.Length != 0x5000 {
		t.Errorf("length = %#x, want 0x5000", f.Length)
	}
	if f.Details["machine"] != "x64" || f.Details["sections"] != "5" {
		t.Errorf("details = %v", f.Details)
	}
}

func TestPEScannerIgnoresMidPageHeaders(t *testing.T) {
	data := make([]byte, 0x2000)
	buildPE(data, 0x800, 0x8664, 3, 0x0002, 0x2000) // not page aligned
	if findings := runOne(t, NewPEScanner(), data); len(findings) != 0 {
		t.Fatalf("mid-page header must be skipped, got %v", findings)
	}
}

func TestPEScannerRejectsBadSectionCounts(t *testing.T) {
	data := make([]byte, 0x2000)
	buildPE(data, 0x1000, 0x8664, 0, 0x0002, 0x2000)
	if findings := runOne(t, NewPEScanner(), data); len(findings) != 0 {
		t.Fatalf("zero sections must be rejected, got %v", findings)
	}
}

func TestExtractModules(t *testing.T) {
	data := make([]byte, 0x8000)
	buildPE(data, 0x2000, 0x8664, 2, 0x0002, 0x2000)
	copy(data[0x3000:], "section data")
	img := mustTestImage(t, data)

	dir := t.TempDir()
	mods, err := ExtractModules(context.Background(), img, dir, "")
	if err != nil {
		t.Fatalf("ExtractModules: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("expected 1 module, got %d", len(mods))
	}
	mod := mods[0]
	if mod.Base != 0x2000 || mod.Arch != "x64" || mod.Size != 0x2000 {
		t.Errorf("module = %+v", mod)
	}

	out, err := os.ReadFile(mod.Path)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(out)) != mod.Size {
		t.Errorf("wrote %d bytes, want %d", len(out), mod.Size)
	}
	if out[0] != 'M' || out[1] != 'Z' {
		t.Error("extracted module does not start with the MZ header")
	}
	if string(out[0x1000:0x100c]) != "section data" {
		t.Error("extracted module is missing section bytes")
	}
	if filepath.Dir(mod.Path) != dir {
		t.Errorf("module written to %s, want %s", mod.Path, dir)
	}
}

func TestExtractModulesPattern(t *testing.T) {
	data := make([]byte, 0x8000)
	buildPE(data, 0x1000, 0x8664, 2, 0x0002, 0x1000)
	buildPE(data, 0x4000, 0x014c, 2, 0x0002, 0x1000)
	img := mustTestImage(t, data)

	mods, err := ExtractModules(context.Background(), img, t.TempDir(), "*_x86.bin")
	if err != nil {
		t.Fatalf("ExtractModules: %v", err)
	}
	if len(mods) != 1 || mods[0].Arch != "x86" {
		t.Fatalf("pattern should select only the x86 module, got %+v", mods)
	}
}

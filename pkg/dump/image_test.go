package dump

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func mustImage(t *testing.T, data []byte, runs []Run) *Image {
	t.Helper()
	img, err := NewImage(NewBufferStore(data), runs)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return img
}

func TestNewImageRejectsOverlap(t *testing.T) {
	_, err := NewImage(NewBufferStore(make([]byte, 0x3000)), []Run{
		{PhysStart: 0x1000, FileOff: 0, Length: 0x2000},
		{PhysStart: 0x2000, FileOff: 0x2000, Length: 0x1000},
	})
	var overlap *OverlappingRunsError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected OverlappingRunsError, got %v", err)
	}
}

func TestNewImageSortsAndDropsEmptyRuns(t *testing.T) {
	img := mustImage(t, make([]byte, 0x3000), []Run{
		{PhysStart: 0x5000, FileOff: 0x1000, Length: 0x1000},
		{PhysStart: 0x9000, FileOff: 0x2000, Length: 0},
		{PhysStart: 0x1000, FileOff: 0, Length: 0x1000},
	})
	runs := img.Runs()
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].PhysStart != 0x1000 || runs[1].PhysStart != 0x5000 {
		t.Errorf("runs not sorted: %#v", runs)
	}
}

func TestReadPhysical(t *testing.T) {
	data := make([]byte, 0x3000)
	for i := range data {
		data[i] = byte(i)
	}
	img := mustImage(t, data, []Run{
		{PhysStart: 0x1000, FileOff: 0, Length: 0x1000},
		{PhysStart: 0x5000, FileOff: 0x1000, Length: 0x2000},
	})

	for _, tc := range []struct {
		name     string
		addr     uint64
		n        int
		wantOff  int  // file offset of the first expected byte
		unmapped bool // want UnmappedError
		at       uint64
	}{
		{name: "first run", addr: 0x1000, n: 16, wantOff: 0},
		{name: "second run interior", addr: 0x5100, n: 16, wantOff: 0x1100},
		{name: "end of run", addr: 0x6ff0, n: 16, wantOff: 0x2ff0},
		{name: "gap", addr: 0x3000, n: 1, unmapped: true, at: 0x3000},
		{name: "before first run", addr: 0x500, n: 1, unmapped: true, at: 0x500},
		{name: "past last run", addr: 0x8000, n: 1, unmapped: true, at: 0x8000},
		{name: "crossing run end", addr: 0x1ff0, n: 32, unmapped: true, at: 0x2000},
	} {
		buf := make([]byte, tc.n)
		err := img.ReadPhysical(buf, tc.addr)
		if tc.unmapped {
			var um *UnmappedError
			if !errors.As(err, &um) {
				t.Errorf("%s: expected UnmappedError, got %v", tc.name, err)
			} else if um.Addr != tc.at {
				t.Errorf("%s: unmapped address %#x, want %#x", tc.name, um.Addr, tc.at)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if !bytes.Equal(buf, data[tc.wantOff:tc.wantOff+tc.n]) {
			t.Errorf("%s: wrong bytes at %#x", tc.name, tc.addr)
		}
	}
}

func TestScalarReads(t *testing.T) {
	data := []byte{0x78, 0x56, 0x34, 0x12, 0xef, 0xcd, 0xab, 0x89}
	img := mustImage(t, data, []Run{{PhysStart: 0x1000, FileOff: 0, Length: 8}})

	if v, err := img.Uint64At(0x1000); err != nil || v != 0x89abcdef12345678 {
		t.Errorf("Uint64At = %#x, %v", v, err)
	}
	if v, err := img.Uint32At(0x1000); err != nil || v != 0x12345678 {
		t.Errorf("Uint32At = %#x, %v", v, err)
	}
	if v, err := img.Uint16At(0x1000); err != nil || v != 0x5678 {
		t.Errorf("Uint16At = %#x, %v", v, err)
	}
	if _, err := img.Uint64At(0x1004); err == nil {
		t.Errorf("Uint64At crossing the run end should fail")
	}
}

func TestStringReads(t *testing.T) {
	data := append([]byte("cmd.exe\x00junk"), 'A', 0, 'B', 0, 0, 0)
	img := mustImage(t, data, []Run{{PhysStart: 0, FileOff: 0, Length: uint64(len(data))}})

	if s, err := img.ASCIIAt(0, 15); err != nil || s != "cmd.exe" {
		t.Errorf("ASCIIAt = %q, %v", s, err)
	}
	// Unterminated string clipped at the run end.
	if s, err := img.ASCIIAt(8, 64); err != nil || s != "junkA" {
		t.Errorf("ASCIIAt clipped = %q, %v", s, err)
	}
	if s, err := img.UTF16At(12, 8); err != nil || s != "AB" {
		t.Errorf("UTF16At = %q, %v", s, err)
	}
}

func TestBufferStoreBounds(t *testing.T) {
	s := NewBufferStore(make([]byte, 16))
	buf := make([]byte, 8)
	if _, err := s.ReadAt(buf, 8); err != nil {
		t.Fatalf("in-bounds read: %v", err)
	}
	_, err := s.ReadAt(buf, 12)
	var oor *OutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected OutOfRangeError, got %v", err)
	}
	if _, err := s.ReadAt(buf, -1); err == nil {
		t.Fatalf("negative offset should fail")
	}
}

func TestOpenRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.raw")
	data := []byte("0123456789abcdef")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	img, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	runs := img.Runs()
	if len(runs) != 1 || runs[0].PhysStart != 0 || runs[0].Length != uint64(len(data)) {
		t.Fatalf("unexpected runs: %#v", runs)
	}
	buf := make([]byte, 4)
	if err := img.ReadPhysical(buf, 10); err != nil || string(buf) != "abcd" {
		t.Fatalf("ReadPhysical = %q, %v", buf, err)
	}
}

func TestOpenLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparse.raw")
	data := make([]byte, 0x2000)
	copy(data[0x1000:], "second run")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	layout := `runs:
  - {phys: 0x0, off: 0x0, length: 0x1000}
  - {phys: 0x100000, off: 0x1000, length: 0x1000}
`
	if err := os.WriteFile(path+".layout", []byte(layout), 0644); err != nil {
		t.Fatal(err)
	}

	img, err := Open(path, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer img.Close()

	if n := len(img.Runs()); n != 2 {
		t.Fatalf("expected 2 runs, got %d", n)
	}
	buf := make([]byte, 10)
	if err := img.ReadPhysical(buf, 0x100000); err != nil || string(buf) != "second run" {
		t.Fatalf("ReadPhysical = %q, %v", buf, err)
	}
	var um *UnmappedError
	if err := img.ReadPhysical(buf, 0x2000); !errors.As(err, &um) {
		t.Fatalf("gap read should be unmapped, got %v", err)
	}
}

func TestOpenLayoutRejectsOversizedRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.raw")
	if err := os.WriteFile(path, make([]byte, 0x100), 0644); err != nil {
		t.Fatal(err)
	}
	layout := "runs:\n  - {phys: 0, off: 0, length: 0x1000}\n"
	layoutPath := filepath.Join(dir, "short.layout")
	if err := os.WriteFile(layoutPath, []byte(layout), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, layoutPath); err == nil {
		t.Fatal("expected an error for a run extending past the file end")
	}
}

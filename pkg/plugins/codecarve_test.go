package plugins

import "testing"

// x64Func is a complete little function: prologue, some arithmetic, an
// epilogue and a ret.
var x64Func = []byte{
	0x55,                   // push rbp
	0x48, 0x89, 0xe5,       // mov rbp, rsp
	0x48, 0x83, 0xec, 0x10, // sub rsp, 0x10
	0x89, 0x7d, 0xfc,       // mov [rbp-4], edi
	0x8b, 0x45, 0xfc,       // mov eax, [rbp-4]
	0x83, 0xc0, 0x01,       // add eax, 1
	0x48, 0x83, 0xc4, 0x10, // add rsp, 0x10
	0x5d,                   // pop rbp
	0xc3,                   // ret
}

func TestCodeCarver(t *testing.T) {
	data := make([]byte, 0x2000)
	// Fill with 0xcc so stray bytes do not decode as valid instructions
	// beyond the planted function.
	for i := range data {
		data[i] = 0xcc
	}
	copy(data[0x500:], x64Func)

	findings := runOne(t, NewCodeCarver(), data)
	f := findByKind(findings, "code")
	if f == nil {
		t.Fatalf("no code finding in %v", findings)
	}
	if f.Addr != 0x500 {
		t.Errorf("addr = %#x, want 0x500", f.Addr)
	}
	if f.Length < uint64(len(x64Func)) {
		t.Errorf("length = %d, want at least %d", f.Length, len(x64Func))
	}
	if f.Details["mode"] != "64" {
		t.Errorf("details = %v", f.Details)
	}
}

func TestCodeCarverRejectsShortDecodes(t *testing.T) {
	data := make([]byte, 0x1000)
	for i := range data {
		data[i] = 0xcc
	}
	// A prologue followed by garbage that stops decoding immediately.
	copy(data[0x100:], []byte{0x55, 0x48, 0x89, 0xe5, 0x0f, 0xff, 0xff, 0xff})

	findings := runOne(t, NewCodeCarver(), data)
	if f := findByKind(findings, "code"); f != nil {
		t.Fatalf("garbage after the prologue must not be reported, got %+v", f)
	}
}

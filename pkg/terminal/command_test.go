package terminal

import "testing"

func TestParseAddr(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		err  bool
	}{
		{in: "0x1000", want: 0x1000},
		{in: "4096", want: 4096},
		{in: "1ab000", want: 0x1ab000},
		{in: "0xfffff78000000000", want: 0xfffff78000000000},
		{in: "zzz", err: true},
		{in: "", err: true},
	} {
		got, err := parseAddr(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("parseAddr(%q): expected error, got %#x", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseAddr(%q) = %#x, %v; want %#x", tc.in, got, err, tc.want)
		}
	}
}

func TestParseReadArgs(t *testing.T) {
	addr, n, err := parseReadArgs([]string{"0x2000"})
	if err != nil || addr != 0x2000 || n != defaultReadLen {
		t.Errorf("defaulted length: %#x %d %v", addr, n, err)
	}
	if _, _, err := parseReadArgs([]string{"0x2000", "0"}); err == nil {
		t.Error("zero length should be rejected")
	}
	if _, _, err := parseReadArgs(nil); err == nil {
		t.Error("missing address should be rejected")
	}
	if _, _, err := parseReadArgs([]string{"0x1000", "0x200001"}); err == nil {
		t.Error("oversized length should be rejected")
	}
}

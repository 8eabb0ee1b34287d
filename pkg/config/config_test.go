package config

import "testing"

func TestDefaults(t *testing.T) {
	var c Config
	if got := c.MinStringLen(); got != 8 {
		t.Errorf("MinStringLen = %d, want 8", got)
	}
	if !c.UTF16Enabled() {
		t.Error("UTF16Enabled should default to true")
	}

	n := 12
	off := false
	c.MinStringLength = &n
	c.ScanUTF16 = &off
	if got := c.MinStringLen(); got != 12 {
		t.Errorf("MinStringLen = %d, want 12", got)
	}
	if c.UTF16Enabled() {
		t.Error("UTF16Enabled should honor the configured value")
	}

	bad := -3
	c.MinStringLength = &bad
	if got := c.MinStringLen(); got != 8 {
		t.Errorf("MinStringLen with a non-positive value = %d, want the default", got)
	}
}

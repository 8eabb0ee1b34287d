package starbind

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

func writeScript(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testImage(t *testing.T, data []byte) *dump.Image {
	t.Helper()
	img, err := dump.NewImage(dump.NewBufferStore(data), []dump.Run{{PhysStart: 0x1000, FileOff: 0, Length: uint64(len(data))}})
	if err != nil {
		t.Fatal(err)
	}
	return img
}

const magicScript = `
PLUGIN_NAME = "magicfinder"
PLUGIN_DESCRIPTION = "finds a marker byte sequence"

def scan(img, h):
    h.set_total(img.size())
    for run in img.runs():
        data = img.read_physical(run["phys"], run["length"])
        if data == None:
            continue
        idx = data.find("MAGIC")
        if idx >= 0:
            h.emit(addr = run["phys"] + idx, description = "marker found",
                   kind = "marker", confidence = 80,
                   details = {"run": str(run["phys"])})
        h.advance(run["length"])
`

func TestScriptPluginScan(t *testing.T) {
	data := make([]byte, 0x100)
	copy(data[0x40:], "MAGIC")
	img := testImage(t, data)

	path := writeScript(t, t.TempDir(), "magic.star", magicScript)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name() != "magicfinder" {
		t.Errorf("name = %q", p.Name())
	}
	if p.Description() != "finds a marker byte sequence" {
		t.Errorf("description = %q", p.Description())
	}

	r := scan.NewRegistry()
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}
	report, err := scan.NewEngine(r).Run(context.Background(), img, nil, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if st := report.Status["magicfinder"]; st.Status != scan.Success {
		t.Fatalf("status %v, err %v", st.Status, st.Err)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(report.Findings))
	}
	f := report.Findings[0]
	if f.Plugin != "magicfinder" || f.Kind != "marker" || f.Addr != 0x1040 || f.Confidence != 80 {
		t.Errorf("finding = %+v", f)
	}
	if f.Details["run"] != "4096" {
		t.Errorf("details = %v", f.Details)
	}
}

func TestScriptErrorsBecomeFailures(t *testing.T) {
	source := `
PLUGIN_NAME = "broken"

def scan(img, h):
    fail("deliberately broken")
`
	path := writeScript(t, t.TempDir(), "broken.star", source)
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	r := scan.NewRegistry()
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}
	img := testImage(t, make([]byte, 0x10))
	report, err := scan.NewEngine(r).Run(context.Background(), img, nil, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	st := report.Status["broken"]
	if st.Status != scan.Failed || st.Err == nil {
		t.Fatalf("status = %v, err %v; want failed", st.Status, st.Err)
	}
	if !strings.Contains(st.Err.Error(), "deliberately broken") {
		t.Errorf("error %v should carry the script failure message", st.Err)
	}
}

func TestLoadRejectsIncompleteScripts(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		name   string
		source string
	}{
		{"noname.star", "def scan(img, h):\n    pass\n"},
		{"noscan.star", "PLUGIN_NAME = \"x\"\n"},
		{"notcallable.star", "PLUGIN_NAME = \"y\"\nscan = 42\n"},
		{"syntax.star", "def scan(:\n"},
	} {
		path := writeScript(t, dir, tc.name, tc.source)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load should fail", tc.name)
		}
	}
}

func TestLoadDirReportsEveryFailure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ok.star", "PLUGIN_NAME = \"ok\"\ndef scan(img, h):\n    pass\n")
	writeScript(t, dir, "bad.star", "PLUGIN_NAME = 7\n")

	r := scan.NewRegistry()
	err := LoadDir(r, dir)
	if err == nil {
		t.Fatal("LoadDir should report the broken script")
	}
	if !strings.Contains(err.Error(), "bad.star") {
		t.Errorf("error %v should name the broken script", err)
	}
	if _, ok := r.Lookup("ok"); !ok {
		t.Error("the valid script should be registered despite the broken one")
	}
}

package plugins

import (
	"context"
	"testing"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// runOne runs a single plugin over data mapped at physical address 0 and
// returns its findings.
func runOne(t *testing.T, p scan.Plugin, data []byte) []scan.Finding {
	t.Helper()
	img, err := dump.NewImage(dump.NewBufferStore(data), []dump.Run{{PhysStart: 0, FileOff: 0, Length: uint64(len(data))}})
	if err != nil {
		t.Fatal(err)
	}
	r := scan.NewRegistry()
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}
	report, err := scan.NewEngine(r).Run(context.Background(), img, nil, scan.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if st := report.Status[p.Name()]; st.Status != scan.Success {
		t.Fatalf("%s: status %v, err %v", p.Name(), st.Status, st.Err)
	}
	return report.Findings
}

func mustTestImage(t *testing.T, data []byte) *dump.Image {
	t.Helper()
	img, err := dump.NewImage(dump.NewBufferStore(data), []dump.Run{{PhysStart: 0, FileOff: 0, Length: uint64(len(data))}})
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func findByKind(findings []scan.Finding, kind string) *scan.Finding {
	for i := range findings {
		if findings[i].Kind == kind {
			return &findings[i]
		}
	}
	return nil
}

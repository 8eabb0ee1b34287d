package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/rigor-forensics/rigor/pkg/dump"
)

type fakePlugin struct {
	name   string
	scanFn func(img *dump.Image, h *Handle) error
}

func (p *fakePlugin) Name() string        { return p.name }
func (p *fakePlugin) Description() string { return "test plugin " + p.name }
func (p *fakePlugin) Scan(img *dump.Image, h *Handle) error {
	return p.scanFn(img, h)
}

func testImage(t *testing.T) *dump.Image {
	t.Helper()
	img, err := dump.NewImage(dump.NewBufferStore(make([]byte, 0x1000)), []dump.Run{{PhysStart: 0, FileOff: 0, Length: 0x1000}})
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func emitter(name string, n int) *fakePlugin {
	return &fakePlugin{name: name, scanFn: func(img *dump.Image, h *Handle) error {
		for i := 0; i < n; i++ {
			h.Emit(Finding{Kind: "test", Addr: uint64(i), Description: name})
		}
		return nil
	}}
}

func newTestRegistry(t *testing.T, plugins ...Plugin) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestEngineRunsAllByDefault(t *testing.T) {
	r := newTestRegistry(t, emitter("alpha", 2), emitter("beta", 1))
	report, err := NewEngine(r).Run(context.Background(), testImage(t), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) != 3 {
		t.Errorf("expected 3 findings, got %d", len(report.Findings))
	}
	for _, name := range []string{"alpha", "beta"} {
		if st := report.Status[name]; st.Status != Success {
			t.Errorf("%s: status %v, want success", name, st.Status)
		}
	}
	for _, f := range report.Findings {
		if f.Plugin != f.Description {
			t.Errorf("finding attributed to %q, emitted by %q", f.Plugin, f.Description)
		}
	}
}

func TestEngineGroupsFindingsByRequestOrder(t *testing.T) {
	r := newTestRegistry(t, emitter("alpha", 2), emitter("beta", 2))
	report, err := NewEngine(r).Run(context.Background(), testImage(t), []string{"beta", "alpha", "beta"}, Options{Parallel: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"beta", "beta", "alpha", "alpha"}
	if len(report.Findings) != len(want) {
		t.Fatalf("expected %d findings, got %d", len(want), len(report.Findings))
	}
	for i, f := range report.Findings {
		if f.Plugin != want[i] {
			t.Errorf("finding %d from %q, want %q", i, f.Plugin, want[i])
		}
	}
}

func TestEngineUnknownPluginFailsBeforeScanning(t *testing.T) {
	ran := false
	r := newTestRegistry(t, &fakePlugin{name: "pescan", scanFn: func(img *dump.Image, h *Handle) error {
		ran = true
		return nil
	}})
	_, err := NewEngine(r).Run(context.Background(), testImage(t), []string{"pescan", "pscan"}, Options{})
	var unknown *UnknownPluginError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPluginError, got %v", err)
	}
	if unknown.Name != "pscan" {
		t.Errorf("unknown plugin %q, want pscan", unknown.Name)
	}
	if ran {
		t.Error("no plugin should run when a requested name is unknown")
	}
}

func TestEngineIsolatesFailures(t *testing.T) {
	errBroken := errors.New("unreadable structure")
	r := newTestRegistry(t,
		emitter("good", 1),
		&fakePlugin{name: "bad", scanFn: func(img *dump.Image, h *Handle) error {
			h.Emit(Finding{Kind: "partial", Description: "bad"})
			return errBroken
		}},
		&fakePlugin{name: "panicky", scanFn: func(img *dump.Image, h *Handle) error {
			h.Emit(Finding{Kind: "partial", Description: "panicky"})
			panic("boom")
		}},
	)
	report, err := NewEngine(r).Run(context.Background(), testImage(t), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if st := report.Status["good"]; st.Status != Success {
		t.Errorf("good: %v, want success", st.Status)
	}
	if st := report.Status["bad"]; st.Status != Failed || !errors.Is(st.Err, errBroken) {
		t.Errorf("bad: %v err %v", st.Status, st.Err)
	}
	if st := report.Status["panicky"]; st.Status != Failed || st.Err == nil {
		t.Errorf("panicky: %v err %v, want failed with recovered panic", st.Status, st.Err)
	}
	// Findings emitted before the failure survive.
	if len(report.Findings) != 3 {
		t.Errorf("expected 3 findings including partial ones, got %d", len(report.Findings))
	}
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRegistry(t, &fakePlugin{name: "slow", scanFn: func(img *dump.Image, h *Handle) error {
		h.Emit(Finding{Kind: "early", Description: "slow"})
		cancel()
		<-h.Context().Done()
		return h.Err()
	}})
	report, err := NewEngine(r).Run(ctx, testImage(t), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Cancelled() {
		t.Error("report should be cancelled")
	}
	if st := report.Status["slow"]; st.Status != Cancelled {
		t.Errorf("slow: %v, want cancelled", st.Status)
	}
	if len(report.Findings) != 1 {
		t.Errorf("findings gathered before cancellation should survive, got %d", len(report.Findings))
	}
}

func TestRegistryFreeze(t *testing.T) {
	r := newTestRegistry(t, emitter("alpha", 0))
	NewEngine(r)
	err := r.Register(emitter("late", 0))
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
}

func TestRegistryDuplicateAndEmptyNames(t *testing.T) {
	r := newTestRegistry(t, emitter("alpha", 0))
	if err := r.Register(emitter("alpha", 0)); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register(emitter("", 0)); err == nil {
		t.Error("empty name registration should fail")
	}
}

func TestRegistrySuggestions(t *testing.T) {
	r := newTestRegistry(t, emitter("pescan", 0), emitter("psscan", 0), emitter("strings", 0))
	_, err := NewEngine(r).Run(context.Background(), testImage(t), []string{"pssca"}, Options{})
	var unknown *UnknownPluginError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownPluginError, got %v", err)
	}
	found := false
	for _, s := range unknown.Suggestions {
		if s == "psscan" {
			found = true
		}
	}
	if !found {
		t.Errorf("suggestions %v should include psscan", unknown.Suggestions)
	}
}

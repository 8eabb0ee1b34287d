package scan

import (
	"context"
	"sync"

	"github.com/rigor-forensics/rigor/pkg/dump"
)

// Plugin is a named, independently implemented unit of analysis. Scan reads
// the image through its read-only interface, emits findings through h and
// returns when the image has been covered, an unrecoverable error occurred,
// or h reports cancellation. Plugins must tolerate unmapped and failed
// reads by skipping the affected region; the engine additionally recovers
// panics at the plugin boundary, so a misbehaving plugin cannot abort a
// run.
//
// Multiple plugins may scan the same image concurrently; the image is
// immutable, so no coordination is needed beyond emitting through the
// plugin's own Handle.
type Plugin interface {
	Name() string
	Description() string
	Scan(img *dump.Image, h *Handle) error
}

// ProgressFunc receives advisory progress updates. done and total are in
// bytes of image covered; total may be 0 if the plugin never declared one.
// Calls may come from multiple goroutines.
type ProgressFunc func(plugin string, done, total uint64)

// Handle is the per-plugin connection to a running engine: a finding sink,
// an advisory progress reporter, and a cancellation signal. Handles are
// safe for concurrent use by a plugin's internal goroutines.
type Handle struct {
	ctx      context.Context
	plugin   string
	progress ProgressFunc

	mu       sync.Mutex
	findings []Finding
	done     uint64
	total    uint64
}

func newHandle(ctx context.Context, plugin string, progress ProgressFunc) *Handle {
	return &Handle{ctx: ctx, plugin: plugin, progress: progress}
}

// Emit records a finding. The finding's Plugin field is set to the emitting
// plugin's name; emission order is preserved in the report.
func (h *Handle) Emit(f Finding) {
	f.Plugin = h.plugin
	h.mu.Lock()
	h.findings = append(h.findings, f)
	h.mu.Unlock()
}

// SetTotal declares the number of bytes the plugin intends to cover.
// Purely advisory.
func (h *Handle) SetTotal(total uint64) {
	h.mu.Lock()
	h.total = total
	done := h.done
	h.mu.Unlock()
	h.report(done, total)
}

// Advance adds n bytes to the covered count. Purely advisory.
func (h *Handle) Advance(n uint64) {
	h.mu.Lock()
	h.done += n
	done, total := h.done, h.total
	h.mu.Unlock()
	h.report(done, total)
}

func (h *Handle) report(done, total uint64) {
	if h.progress != nil {
		h.progress(h.plugin, done, total)
	}
}

// Cancelled reports whether the scan has been cancelled. Long running
// plugins should check it at a bounded granularity (the built-in scanners
// check once per chunk) and return Err when it is set.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// Err returns the cancellation cause, or nil if the scan is still live.
func (h *Handle) Err() error { return h.ctx.Err() }

// Context returns the scan's context, for plugins that drive their own
// blocking operations.
func (h *Handle) Context() context.Context { return h.ctx }

// take returns the findings emitted so far, transferring ownership.
func (h *Handle) take() []Finding {
	h.mu.Lock()
	defer h.mu.Unlock()
	fs := h.findings
	h.findings = nil
	return fs
}

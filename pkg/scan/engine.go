package scan

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/logflags"
)

// Status classifies the outcome of one plugin within a run.
type Status int

const (
	Success Status = iota
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// PluginStatus is the per-plugin outcome recorded in a Report. Err is set
// only for Failed.
type PluginStatus struct {
	Status Status
	Err    error
}

// Report is the aggregated result of one engine run. Findings are grouped
// by plugin in the order the plugins were requested; within one plugin the
// emission order is preserved. Status lists every requested plugin exactly
// once.
type Report struct {
	Findings []Finding
	Status   map[string]PluginStatus
}

// Cancelled reports whether any plugin in the run was cut short by
// cancellation.
func (r *Report) Cancelled() bool {
	for _, st := range r.Status {
		if st.Status == Cancelled {
			return true
		}
	}
	return false
}

// Options configures an engine run.
type Options struct {
	// Parallel bounds the number of plugins scanning concurrently.
	// Zero or negative means one worker per CPU.
	Parallel int
	// Progress, if set, receives advisory progress updates.
	Progress ProgressFunc
}

// Engine runs plugins from a registry against a memory image. Creating an
// engine freezes the registry.
type Engine struct {
	registry *Registry
	log      logflags.Logger
}

// NewEngine returns an Engine over registry and freezes it.
func NewEngine(registry *Registry) *Engine {
	registry.Freeze()
	return &Engine{registry: registry, log: logflags.ScanLogger()}
}

// Run executes the named plugins against img. An empty names slice runs
// every registered plugin. All names are validated before any plugin
// starts: an unknown name fails the whole call with *UnknownPluginError and
// no partial findings. Plugin failures (errors or panics) never fail the
// run; they are recorded in the report and the remaining plugins proceed.
// Cancelling ctx stops the run at the next check point and yields the
// findings gathered so far with Cancelled statuses, not an error.
func (e *Engine) Run(ctx context.Context, img *dump.Image, names []string, opts Options) (*Report, error) {
	if len(names) == 0 {
		names = e.registry.Names()
	}

	// Validate everything up front; a typo must not trigger a partial scan.
	plugins := make([]Plugin, 0, len(names))
	requested := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, ok := e.registry.Lookup(name)
		if !ok {
			return nil, &UnknownPluginError{Name: name, Suggestions: e.registry.suggest(name)}
		}
		plugins = append(plugins, p)
		requested = append(requested, name)
	}

	workers := opts.Parallel
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(plugins) {
		workers = len(plugins)
	}

	type result struct {
		findings []Finding
		status   PluginStatus
	}
	results := make([]result, len(plugins))

	var wg sync.WaitGroup
	next := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				p := plugins[i]
				// Cancellation is checked between plugin invocations;
				// plugins that were never started still get a status.
				if ctx.Err() != nil {
					results[i].status = PluginStatus{Status: Cancelled}
					continue
				}
				h := newHandle(ctx, p.Name(), opts.Progress)
				e.log.Debugf("running plugin %s", p.Name())
				err := runPlugin(p, img, h)
				results[i].findings = h.take()
				switch {
				case err == nil && ctx.Err() == nil:
					results[i].status = PluginStatus{Status: Success}
				case ctx.Err() != nil:
					results[i].status = PluginStatus{Status: Cancelled}
				default:
					e.log.WithError(err).Errorf("plugin %s failed", p.Name())
					results[i].status = PluginStatus{Status: Failed, Err: err}
				}
			}
		}()
	}
	for i := range plugins {
		next <- i
	}
	close(next)
	wg.Wait()

	report := &Report{Status: make(map[string]PluginStatus, len(plugins))}
	for i, name := range requested {
		report.Findings = append(report.Findings, results[i].findings...)
		report.Status[name] = results[i].status
	}
	return report, nil
}

// runPlugin invokes p.Scan, converting a panic into an error so one
// misbehaving plugin cannot take down the whole run.
func runPlugin(p Plugin, img *dump.Image, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v\n%s", p.Name(), r, debug.Stack())
		}
	}()
	return p.Scan(img, h)
}

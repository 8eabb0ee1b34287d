// Package starbind loads scan plugins written in Starlark. A plugin script
// declares PLUGIN_NAME and PLUGIN_DESCRIPTION globals and a scan(img, h)
// function; once loaded it participates in scans exactly like a built-in
// plugin.
package starbind

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/logflags"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

const (
	nameGlobal = "PLUGIN_NAME"
	descGlobal = "PLUGIN_DESCRIPTION"
	scanGlobal = "scan"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// scriptPlugin adapts a loaded Starlark script to the scan.Plugin interface.
type scriptPlugin struct {
	path   string
	name   string
	desc   string
	scanFn starlark.Callable
}

// Load parses and executes the script at path and returns it as a plugin.
// The script must define a non-empty PLUGIN_NAME string and a scan
// callable; PLUGIN_DESCRIPTION is optional.
func Load(path string) (scan.Plugin, error) {
	thread := &starlark.Thread{Name: "load " + path, Print: starlarkPrint}
	globals, err := starlark.ExecFile(thread, path, nil, starlark.StringDict{})
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("loading %s: %s", path, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("loading %s: %v", path, err)
	}

	name, ok := globals[nameGlobal].(starlark.String)
	if !ok || name == "" {
		return nil, fmt.Errorf("%s: %s must be a non-empty string", path, nameGlobal)
	}
	desc, _ := globals[descGlobal].(starlark.String)
	fn, ok := globals[scanGlobal].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %s must be a function taking (img, h)", path, scanGlobal)
	}

	return &scriptPlugin{path: path, name: string(name), desc: string(desc), scanFn: fn}, nil
}

// LoadDir loads every *.star script in dir and registers it with r. All
// scripts are attempted; the returned error lists every script that failed
// to load or register, so one broken script never hides another.
func LoadDir(r *scan.Registry, dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	var errs []string
	for _, path := range paths {
		p, err := Load(path)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if err := r.Register(p); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("loading scripts from %s:\n\t%s", dir, strings.Join(errs, "\n\t"))
	}
	return nil
}

func (p *scriptPlugin) Name() string { return p.name }

func (p *scriptPlugin) Description() string {
	if p.desc == "" {
		return fmt.Sprintf("starlark plugin loaded from %s", p.path)
	}
	return p.desc
}

func (p *scriptPlugin) Scan(img *dump.Image, h *scan.Handle) error {
	thread := &starlark.Thread{Name: p.name, Print: starlarkPrint}

	// Starlark has no builtin way to observe the scan context; a watcher
	// cancels the thread so runaway scripts still stop with the run.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-h.Context().Done():
			thread.Cancel("scan cancelled")
		case <-watchDone:
		}
	}()

	_, err := starlark.Call(thread, p.scanFn, starlark.Tuple{imageValue{img: img}, handleValue{h: h}}, nil)
	if err != nil {
		if cerr := h.Err(); cerr != nil {
			return cerr
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return fmt.Errorf("script %s: %s", p.path, evalErr.Backtrace())
		}
		return fmt.Errorf("script %s: %v", p.path, err)
	}
	return nil
}

func starlarkPrint(_ *starlark.Thread, msg string) {
	logflags.StarlarkLogger().Info(msg)
}

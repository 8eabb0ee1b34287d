// Package plugins implements the built-in memory scanners: string carving,
// PE image discovery and extraction, EPROCESS pool scanning and code
// prologue carving.
package plugins

import (
	"github.com/rigor-forensics/rigor/pkg/config"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// RegisterBuiltins registers every built-in plugin with r, configured from
// conf.
func RegisterBuiltins(r *scan.Registry, conf *config.Config) error {
	builtins := []scan.Plugin{
		NewStringCarver(conf.MinStringLen(), conf.UTF16Enabled()),
		NewPEScanner(),
		NewPsScanner(Win10x64Profile()),
		NewCodeCarver(),
	}
	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

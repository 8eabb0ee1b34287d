// Package scan defines the plugin capability contract and the engine that
// runs plugins against a memory image, aggregating their findings while
// isolating per-plugin failures.
package scan

import "fmt"

// Space says whether a finding's address is physical (an offset into the
// image's physical address space) or virtual (meaningful only under some
// paging context).
type Space int

const (
	Physical Space = iota
	Virtual
)

func (s Space) String() string {
	if s == Virtual {
		return "virtual"
	}
	return "physical"
}

// Finding is a single artifact discovered by a plugin. Findings are value
// objects: once emitted through a Handle they are owned by the engine's
// report and must not be modified by the plugin (in particular the Details
// map must not be reused across emissions).
type Finding struct {
	// Plugin is the name of the emitting plugin; the Handle fills it in.
	Plugin string
	// Kind is a short tag classifying the artifact ("string", "pe-header",
	// "process", ...).
	Kind string
	// Addr is where the artifact was found, interpreted per Space.
	Addr  uint64
	Space Space
	// Length is the artifact's extent in bytes, 0 if unknown.
	Length uint64
	// Description is a one-line human readable summary.
	Description string
	// Confidence is 0-100.
	Confidence int
	// Details holds optional structured attributes.
	Details map[string]string
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s %s:%#x %s (%d%%)", f.Plugin, f.Kind, f.Space, f.Addr, f.Description, f.Confidence)
}

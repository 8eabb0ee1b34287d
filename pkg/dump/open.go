// Package dump provides read-only access to physical-memory snapshots.
// A dump file is opened as a Store (a bounds-checked, random-access byte
// view, memory mapped when possible) and wrapped by an Image, which maps
// physical addresses onto file offsets through a table of runs and hosts
// the virtual-address read path.
package dump

import (
	"fmt"
	"os"

	"github.com/rigor-forensics/rigor/pkg/logflags"
	"gopkg.in/yaml.v2"
)

type openFn func(path, layoutPath string) (*Image, error)

// Container formats (crash dumps, VMware snapshots, ...) are handled by
// external tools that emit a layout sidecar; rigor itself only understands
// raw images and pre-parsed run lists.
var openFns = []openFn{openLayout, openRaw}

// Open opens the dump file at path, trying each known opener in turn.
// layoutPath optionally names a yaml run-list sidecar describing the
// physical layout of a sparse dump; when empty, a sidecar named
// "<path>.layout" is used if it exists, otherwise the file is treated as a
// raw image with physical base 0.
func Open(path, layoutPath string) (*Image, error) {
	var img *Image
	var err error
	for _, fn := range openFns {
		img, err = fn(path, layoutPath)
		if err != ErrUnrecognizedFormat {
			break
		}
	}
	return img, err
}

// OpenRaw opens path as a raw physical-memory image: a single run starting
// at physical address 0 covering the whole file.
func OpenRaw(path string) (*Image, error) {
	return openRaw(path, "")
}

func openRaw(path, _ string) (*Image, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	img, err := NewImage(store, []Run{{PhysStart: 0, FileOff: 0, Length: uint64(store.Size())}})
	if err != nil {
		store.Close()
		return nil, err
	}
	logflags.ImageLogger().Debugf("opened raw image %s (%d bytes)", path, store.Size())
	return img, nil
}

// layoutFile is the yaml schema of a run-list sidecar. Offsets and lengths
// are bytes; yaml hex literals (0x...) are accepted.
type layoutFile struct {
	Runs []struct {
		Phys   uint64 `yaml:"phys"`
		Off    uint64 `yaml:"off"`
		Length uint64 `yaml:"length"`
	} `yaml:"runs"`
}

func openLayout(path, layoutPath string) (*Image, error) {
	if layoutPath == "" {
		layoutPath = path + ".layout"
		if _, err := os.Stat(layoutPath); err != nil {
			return nil, ErrUnrecognizedFormat
		}
	}
	data, err := os.ReadFile(layoutPath)
	if err != nil {
		return nil, err
	}
	var layout layoutFile
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("malformed layout file %s: %v", layoutPath, err)
	}
	if len(layout.Runs) == 0 {
		return nil, fmt.Errorf("layout file %s describes no runs", layoutPath)
	}
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, len(layout.Runs))
	for i, r := range layout.Runs {
		if r.Off+r.Length > uint64(store.Size()) {
			store.Close()
			return nil, fmt.Errorf("layout file %s: run %d extends past the end of %s", layoutPath, i, path)
		}
		runs[i] = Run{PhysStart: r.Phys, FileOff: r.Off, Length: r.Length}
	}
	img, err := NewImage(store, runs)
	if err != nil {
		store.Close()
		return nil, err
	}
	logflags.ImageLogger().Debugf("opened %s with layout %s (%d runs)", path, layoutPath, len(runs))
	return img, nil
}

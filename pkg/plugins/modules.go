package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/logflags"
)

// maxModuleSize caps how many bytes one extracted module may claim,
// whatever its header says.
const maxModuleSize = 64 << 20

// ExtractedModule describes one PE image written to disk by
// ExtractModules.
type ExtractedModule struct {
	Path string
	Base uint64 // physical address of the image base
	Size uint64 // bytes written
	Arch string
}

// ExtractModules carves every validated PE image out of img into outDir,
// one file per image, named module_<base>_<arch>.bin. The carved size is
// the header's SizeOfImage clamped to [one page, 64MiB]; pages that cannot
// be read are zero-filled so section offsets stay meaningful. A non-empty
// pattern restricts extraction to file names matching it (filepath.Match
// syntax). Cancelling ctx stops extraction between images and returns the
// modules written so far along with ctx's error.
func ExtractModules(ctx context.Context, img *dump.Image, outDir, pattern string) ([]ExtractedModule, error) {
	log := logflags.PluginLogger().WithField("plugin", "extract-modules")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	var out []ExtractedModule
	buf := make([]byte, scanChunk)
	for _, run := range img.Runs() {
		start := (run.PhysStart + 0xfff) &^ uint64(0xfff)
		end := run.PhysStart + run.Length
		for chunkBase := start; chunkBase < end; chunkBase += scanChunk {
			n := end - chunkBase
			if n > scanChunk {
				n = scanChunk
			}
			chunk := buf[:n]
			if err := img.ReadPhysical(chunk, chunkBase); err != nil {
				continue
			}
			for pageOff := uint64(0); pageOff+2 <= n; pageOff += 0x1000 {
				if chunk[pageOff] != 'M' || chunk[pageOff+1] != 'Z' {
					continue
				}
				pe := peInfoAt(img, chunkBase+pageOff)
				if pe == nil || pe.optMagic == 0 {
					continue
				}
				name := fmt.Sprintf("module_0x%08x_%s.bin", pe.base, pe.arch())
				if pattern != "" {
					ok, err := filepath.Match(pattern, name)
					if err != nil {
						return out, fmt.Errorf("bad pattern %q: %v", pattern, err)
					}
					if !ok {
						continue
					}
				}
				mod, err := carveModule(img, pe, filepath.Join(outDir, name))
				if err != nil {
					log.WithError(err).Errorf("extracting %s", name)
					continue
				}
				log.Debugf("wrote %s (%#x bytes)", mod.Path, mod.Size)
				out = append(out, mod)
				if err := ctx.Err(); err != nil {
					return out, err
				}
			}
		}
	}
	return out, nil
}

// carveModule writes the image rooted at pe.base to path, page by page.
// Unreadable pages become zero pages rather than holes.
func carveModule(img *dump.Image, pe *peInfo, path string) (ExtractedModule, error) {
	size := uint64(pe.sizeOfImage)
	if size == 0 || size > maxModuleSize {
		size = maxModuleSize
	}
	if size < 0x1000 {
		size = 0x1000
	}
	size = (size + 0xfff) &^ uint64(0xfff)

	f, err := os.Create(path)
	if err != nil {
		return ExtractedModule{}, err
	}
	defer f.Close()

	page := make([]byte, 0x1000)
	zero := make([]byte, 0x1000)
	for off := uint64(0); off < size; off += 0x1000 {
		src := page
		if err := img.ReadPhysical(page, pe.base+off); err != nil {
			src = zero
		}
		if _, err := f.Write(src); err != nil {
			return ExtractedModule{}, err
		}
	}
	return ExtractedModule{Path: path, Base: pe.base, Size: size, Arch: pe.arch()}, nil
}

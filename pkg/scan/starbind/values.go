package starbind

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/rigor-forensics/rigor/pkg/dump"
	"github.com/rigor-forensics/rigor/pkg/paging"
	"github.com/rigor-forensics/rigor/pkg/scan"
)

// maxScriptRead bounds a single read issued from a script.
const maxScriptRead = 16 << 20

// imageValue exposes a memory image to scripts as a read-only object with
// size(), runs(), read_physical(addr, len) and
// read_virtual(addr, len, dtb, mode) methods. Reads return the raw bytes as
// a Starlark string (strings are byte sequences, so the whole string method
// set works on them), or None where the address is unmapped.
type imageValue struct {
	img *dump.Image
}

var _ starlark.HasAttrs = imageValue{}

func (v imageValue) String() string        { return "image" }
func (v imageValue) Type() string          { return "image" }
func (v imageValue) Freeze()               {}
func (v imageValue) Truth() starlark.Bool  { return true }
func (v imageValue) Hash() (uint32, error) { return 0, fmt.Errorf("image is not hashable") }

func (v imageValue) AttrNames() []string {
	return []string{"read_physical", "read_virtual", "runs", "size"}
}

func (v imageValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "size":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs("size", args, kwargs); err != nil {
				return nil, err
			}
			return starlark.MakeUint64(v.img.PhysicalSize()), nil
		}), nil
	case "runs":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs("runs", args, kwargs); err != nil {
				return nil, err
			}
			runs := v.img.Runs()
			list := make([]starlark.Value, len(runs))
			for i, run := range runs {
				d := starlark.NewDict(2)
				d.SetKey(starlark.String("phys"), starlark.MakeUint64(run.PhysStart))
				d.SetKey(starlark.String("length"), starlark.MakeUint64(run.Length))
				list[i] = d
			}
			return starlark.NewList(list), nil
		}), nil
	case "read_physical":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var addrV, lenV starlark.Value
			if err := starlark.UnpackArgs("read_physical", args, kwargs, "addr", &addrV, "len", &lenV); err != nil {
				return nil, err
			}
			addr, n, err := readArgs(addrV, lenV)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, n)
			if err := v.img.ReadPhysical(buf, addr); err != nil {
				var unmapped *dump.UnmappedError
				if errors.As(err, &unmapped) {
					return starlark.None, nil
				}
				return nil, err
			}
			return starlark.String(buf), nil
		}), nil
	case "read_virtual":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var addrV, lenV, dtbV starlark.Value
			mode := "amd64"
			if err := starlark.UnpackArgs("read_virtual", args, kwargs, "addr", &addrV, "len", &lenV, "dtb", &dtbV, "mode?", &mode); err != nil {
				return nil, err
			}
			addr, n, err := readArgs(addrV, lenV)
			if err != nil {
				return nil, err
			}
			dtb, err := asUint64(dtbV, "dtb")
			if err != nil {
				return nil, err
			}
			pm, err := paging.ModeByName(mode)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, n)
			if err := v.img.ReadVirtual(buf, paging.Context{DTB: dtb, Mode: pm}, addr); err != nil {
				// Translation failures and holes read as None; scripts
				// probing address spaces expect both constantly.
				var unmapped *dump.UnmappedError
				var invalid *paging.InvalidEntryError
				var malformed *paging.MalformedEntryError
				if errors.As(err, &unmapped) || errors.As(err, &invalid) || errors.As(err, &malformed) {
					return starlark.None, nil
				}
				return nil, err
			}
			return starlark.String(buf), nil
		}), nil
	}
	return nil, nil
}

// handleValue exposes a plugin's scan handle to scripts: emit(...),
// set_total(n), advance(n) and cancelled().
type handleValue struct {
	h *scan.Handle
}

var _ starlark.HasAttrs = handleValue{}

func (v handleValue) String() string        { return "handle" }
func (v handleValue) Type() string          { return "handle" }
func (v handleValue) Freeze()               {}
func (v handleValue) Truth() starlark.Bool  { return true }
func (v handleValue) Hash() (uint32, error) { return 0, fmt.Errorf("handle is not hashable") }

func (v handleValue) AttrNames() []string {
	return []string{"advance", "cancelled", "emit", "set_total"}
}

func (v handleValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "emit":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var addrV starlark.Value
			var description string
			kind := "artifact"
			confidence := 50
			space := "physical"
			var lengthV starlark.Value
			var details *starlark.Dict
			err := starlark.UnpackArgs("emit", args, kwargs,
				"addr", &addrV, "description", &description,
				"kind?", &kind, "confidence?", &confidence,
				"space?", &space, "length?", &lengthV, "details?", &details)
			if err != nil {
				return nil, err
			}
			addr, err := asUint64(addrV, "addr")
			if err != nil {
				return nil, err
			}
			var length uint64
			if lengthV != nil {
				if length, err = asUint64(lengthV, "length"); err != nil {
					return nil, err
				}
			}
			f := scan.Finding{
				Kind:        kind,
				Addr:        addr,
				Length:      length,
				Description: description,
				Confidence:  clampConfidence(confidence),
			}
			switch space {
			case "physical":
				f.Space = scan.Physical
			case "virtual":
				f.Space = scan.Virtual
			default:
				return nil, fmt.Errorf("emit: space must be \"physical\" or \"virtual\", got %q", space)
			}
			if details != nil {
				f.Details = make(map[string]string, details.Len())
				for _, item := range details.Items() {
					key, ok := item[0].(starlark.String)
					if !ok {
						return nil, fmt.Errorf("emit: details keys must be strings")
					}
					if val, ok := item[1].(starlark.String); ok {
						f.Details[string(key)] = string(val)
					} else {
						f.Details[string(key)] = item[1].String()
					}
				}
			}
			v.h.Emit(f)
			return starlark.None, nil
		}), nil
	case "set_total":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var nV starlark.Value
			if err := starlark.UnpackArgs("set_total", args, kwargs, "n", &nV); err != nil {
				return nil, err
			}
			n, err := asUint64(nV, "n")
			if err != nil {
				return nil, err
			}
			v.h.SetTotal(n)
			return starlark.None, nil
		}), nil
	case "advance":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var nV starlark.Value
			if err := starlark.UnpackArgs("advance", args, kwargs, "n", &nV); err != nil {
				return nil, err
			}
			n, err := asUint64(nV, "n")
			if err != nil {
				return nil, err
			}
			v.h.Advance(n)
			return starlark.None, nil
		}), nil
	case "cancelled":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs("cancelled", args, kwargs); err != nil {
				return nil, err
			}
			return starlark.Bool(v.h.Cancelled()), nil
		}), nil
	}
	return nil, nil
}

func asUint64(v starlark.Value, what string) (uint64, error) {
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("%s must be an int, got %s", what, v.Type())
	}
	u, ok := i.Uint64()
	if !ok {
		return 0, fmt.Errorf("%s out of range: %s", what, i.String())
	}
	return u, nil
}

func readArgs(addrV, lenV starlark.Value) (addr, n uint64, err error) {
	if addr, err = asUint64(addrV, "addr"); err != nil {
		return 0, 0, err
	}
	if n, err = asUint64(lenV, "len"); err != nil {
		return 0, 0, err
	}
	if n > maxScriptRead {
		return 0, 0, fmt.Errorf("len %d exceeds the %d byte read limit", n, maxScriptRead)
	}
	return addr, n, nil
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

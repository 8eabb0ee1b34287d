//go:build windows

package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
)

// getColorableWriter returns an ANSI escape code interpreting writer over
// stdout, so colored output works on legacy Windows consoles too.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// Package logflags turns logging on or off for the components of rigor
// based on command line flags. Logging is off for every component by
// default; the returned loggers are still usable, they just discard
// everything below panic level.
package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var image = false
var paging = false
var scan = false
var plugin = false
var starlark = false

var textFormatter = &logrus.TextFormatter{
	DisableColors:   true,
	TimestampFormat: "2006-01-02T15:04:05Z07:00",
}

func makeLogger(flag bool, fields Fields) Logger {
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{logger}
}

// Image returns true if the dump image layer should log.
func Image() bool {
	return image
}

// ImageLogger returns a logger for the dump image layer.
func ImageLogger() Logger {
	return makeLogger(image, Fields{"layer": "dump", "kind": "image"})
}

// Paging returns true if address translation should log.
func Paging() bool {
	return paging
}

// PagingLogger returns a logger for the page table walker.
func PagingLogger() Logger {
	return makeLogger(paging, Fields{"layer": "paging"})
}

// Scan returns true if the scan engine should log.
func Scan() bool {
	return scan
}

// ScanLogger returns a logger for the scan engine.
func ScanLogger() Logger {
	return makeLogger(scan, Fields{"layer": "scan"})
}

// Plugin returns true if the built-in plugins should log their recoverable
// errors (skipped regions, unreadable structures).
func Plugin() bool {
	return plugin
}

// PluginLogger returns a logger for plugin implementations.
func PluginLogger() Logger {
	return makeLogger(plugin, Fields{"layer": "plugin"})
}

// Starlark returns true if the starlark plugin loader should log.
func Starlark() bool {
	return starlark
}

// StarlarkLogger returns a logger for the starlark plugin loader.
func StarlarkLogger() Logger {
	return makeLogger(starlark, Fields{"layer": "plugin", "kind": "starlark"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component logging based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "scan"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "image":
			image = true
		case "paging":
			paging = true
		case "scan":
			scan = true
		case "plugin":
			plugin = true
		case "starlark":
			starlark = true
		}
	}
	return nil
}

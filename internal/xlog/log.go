// Package xlog is the leveled logging façade used throughout the core.
// It is the "logging sink" collaborator spec.md treats as external: the
// core only ever calls through this package, never pterm directly.
package xlog

import (
	"sync/atomic"

	"github.com/pterm/pterm"
)

// debugEnabled gates Debugf. pterm.Debug ignores pterm.DefaultLogger.Level
// and prints only while pterm's own debug-message switch is on, so
// EnableDebug sets that switch and this flag together.
var debugEnabled atomic.Bool

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 2006 15:04:05"
}

// Infof, Successf, Warnf and Errorf always print; Debugf is silent until
// EnableDebug has been called.
func Infof(format string, args ...interface{}) {
	pterm.Info.Printfln(format, args...)
}

func Successf(format string, args ...interface{}) {
	pterm.Success.Printfln(format, args...)
}

func Warnf(format string, args ...interface{}) {
	pterm.Warning.Printfln(format, args...)
}

func Errorf(format string, args ...interface{}) {
	pterm.Error.Printfln(format, args...)
}

func Debugf(format string, args ...interface{}) {
	if debugEnabled.Load() {
		pterm.Debug.Printfln(format, args...)
	}
}

// EnableDebug turns on Debugf output for the rest of the process lifetime.
func EnableDebug() {
	debugEnabled.Store(true)
	pterm.EnableDebugMessages()
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

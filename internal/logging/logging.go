// Package logging is the daemon's log sink: a rotating error log plus
// a verbosity-gated debug printf, mirroring the C source's always-
// compiled, runtime-gated debug_printf.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type manager struct {
	errorLog *RotatingFile
}

var (
	globalMu sync.RWMutex
	global   = manager{}
	verbose  atomic.Bool
)

// Configure points the error log at path, rotating at maxSize bytes.
func Configure(errorPath string, maxSize int64) {
	globalMu.Lock()
	global.errorLog = NewRotatingFile(errorPath, maxSize)
	globalMu.Unlock()
	if maxSize > 0 {
		Printf("log rotation at %s", humanize.Bytes(uint64(maxSize)))
	}
}

// SetVerbose enables or disables Debugf output, controlled by the
// -d/--debug/-v command-line flags (spec.md §6).
func SetVerbose(v bool) { verbose.Store(v) }

// Verbose reports whether debug logging is currently enabled.
func Verbose() bool { return verbose.Load() }

// ErrorWriter returns the writer backing the error log, or os.Stderr
// if logging has not been configured.
func ErrorWriter() io.Writer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global.errorLog != nil && global.errorLog.Enabled() {
		return global.errorLog
	}
	return os.Stderr
}

// Printf writes an always-on log line.
func Printf(format string, args ...any) {
	fmt.Fprintf(ErrorWriter(), "cups-browsed: "+format+"\n", args...)
}

// Debugf writes a log line only when verbose logging is enabled.
func Debugf(format string, args ...any) {
	if !Verbose() {
		return
	}
	Printf("DEBUG: "+format, args...)
}

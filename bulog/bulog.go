// Package bulog provides the rotating log sink used by the block device,
// cache, and CLI tooling. It follows the same log.Logger-plus-lumberjack
// wiring the rest of the storage-tool ecosystem uses instead of a bespoke
// logging framework.
package bulog

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the shared sink type: a *log.Logger writing to either stderr
// or a rotating file, depending on configuration.
type Logger = log.Logger

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// SetOutput redirects the package logger, e.g. to a lumberjack.Logger
// for file rotation.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

// UseRotatingFile points the package logger at a size/age rotated file,
// mirroring the lumberjack wiring used by the rest of the stack's CLI
// tools.
func UseRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	std.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
}

// Printf logs a formatted informational message.
func Printf(format string, args ...interface{}) {
	std.Printf(format, args...)
}

// Default returns the underlying *log.Logger for callers that need to
// pass a *log.Logger into a third-party constructor.
func Default() *log.Logger {
	return std
}

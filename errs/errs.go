// Package errs defines the error vocabulary shared by every layer of the
// storage and VM core. User-visible failures are ordinary Go errors;
// invariant breaches and unrecoverable device failures panic instead of
// returning, matching the all-errors-are-fatal discipline of the block
// device and cache layers.
package errs

import (
	"fmt"

	"ulfs/bulog"
)

// Kind enumerates the recoverable, user-visible error categories.
type Kind int

const (
	NotFound Kind = iota
	AlreadyExists
	InvalidName
	IsDir
	NotDir
	NoSpace
	OutOfMemory
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case InvalidName:
		return "invalid name"
	case IsDir:
		return "is a directory"
	case NotDir:
		return "not a directory"
	case NoSpace:
		return "no space left"
	case OutOfMemory:
		return "out of memory"
	default:
		return "unknown error"
	}
}

// E is a recoverable error carrying a Kind and the path it concerns.
type E struct {
	Kind Kind
	Path string
}

func (e *E) Error() string {
	if e.Path == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Kind.String())
}

// New builds a recoverable error of the given kind.
func New(k Kind, path string) error {
	return &E{Kind: k, Path: path}
}

// Is reports whether err is an *E of kind k.
func Is(err error, k Kind) bool {
	e, ok := err.(*E)
	return ok && e.Kind == k
}

// FatalKind enumerates conditions that are never recoverable.
type FatalKind int

const (
	Corrupt FatalKind = iota
	InvariantViolation
	SwapExhausted
)

func (k FatalKind) String() string {
	switch k {
	case Corrupt:
		return "corrupt on-disk structure"
	case InvariantViolation:
		return "invariant violation"
	case SwapExhausted:
		return "swap space exhausted"
	default:
		return "fatal error"
	}
}

// Fatal is the panic value carried by unrecoverable conditions: magic
// mismatches, freeing unallocated ranges, I/O failures on the block
// device, and similar assertion breaches.
type Fatal struct {
	Kind FatalKind
	Msg  string
}

func (f *Fatal) Error() string {
	if f.Msg == "" {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// Fatalf logs the failure through bulog, then panics with a *Fatal built
// from the given kind and formatted message. Callers of the core never
// catch this; the process is expected to terminate, and the log line is
// what survives the panic for postmortem inspection.
func Fatalf(k FatalKind, format string, args ...interface{}) {
	f := &Fatal{Kind: k, Msg: fmt.Sprintf(format, args...)}
	bulog.Printf("fatal: %s", f.Error())
	panic(f)
}

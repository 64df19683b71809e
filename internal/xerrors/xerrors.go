// Package xerrors implements the engine's typed error taxonomy. Each
// variant carries an internal trace of (file, line, function, message)
// frames appended as the error propagates.
package xerrors

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind string

const (
	Config     Kind = "ConfigError"
	Reference  Kind = "ReferenceError"
	Repository Kind = "RepositoryError"
	Extraction Kind = "ExtractionError"
	Mount      Kind = "MountError"
	Identity   Kind = "IdentityError"
	Subprocess Kind = "SubprocessError"
	Network    Kind = "NetworkError"
	Auth       Kind = "AuthError"
	Hook       Kind = "HookError"
	Security   Kind = "SecurityError"
)

// frame is one (file, line, function, message) trace entry.
type frame struct {
	file, function, msg string
	line                int
}

// Error is the concrete type behind every taxonomy variant.
type Error struct {
	kind  Kind
	msg   string
	cause error
	trace []frame
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the taxonomy variant of err, or "" if err is not one of
// ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

// New creates a new typed error of the given kind, with the call site as
// the first trace frame.
func New(kind Kind, format string, a ...interface{}) *Error {
	msg := fmt.Sprintf(format, a...)
	e := &Error{kind: kind, msg: msg}
	e.addFrame(msg)
	return e
}

// Wrap attaches kind/msg to an existing error, appending a trace frame.
// If cause is already an *Error its trace is preserved and extended.
func Wrap(kind Kind, cause error, format string, a ...interface{}) *Error {
	msg := fmt.Sprintf(format, a...)
	var existing *Error
	if errors.As(cause, &existing) {
		e := &Error{kind: kind, msg: msg, cause: cause, trace: append([]frame{}, existing.trace...)}
		e.addFrame(msg)
		return e
	}
	e := &Error{kind: kind, msg: msg, cause: cause}
	e.addFrame(msg)
	return e
}

func (e *Error) addFrame(msg string) {
	pc, file, line, ok := runtime.Caller(2)
	funcName := "?"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
		}
	}
	e.trace = append(e.trace, frame{file: file, line: line, function: funcName, msg: msg})
}

// Trace renders the internal (file, line, function, message) frames. Only
// the outermost frame of the run pipeline should call this, and only when
// the logger is at debug level.
func (e *Error) Trace() string {
	out := ""
	for _, f := range e.trace {
		out += fmt.Sprintf("%s:%d %s: %s\n", f.file, f.line, f.function, f.msg)
	}
	return out
}

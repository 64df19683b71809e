// Package sylog provides the process-wide leveled logger used throughout
// the engine. It intentionally has no external dependency: every component
// that can fail logs through here instead of fmt.Println/log.Printf.
package sylog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
)

// Level is a logger verbosity level, ordered least to most verbose.
type Level int32

const (
	FatalLevel Level = iota - 3
	ErrorLevel
	WarnLevel
	InfoLevel
	VerboseLevel
	DebugLevel
)

func (l Level) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "LOG"
	}
}

var messageColors = map[Level]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

var level int32 = int32(InfoLevel)

var writer io.Writer = os.Stderr

// SetLevel sets the process-wide logger level. Called once at startup from
// the --debug/--verbose/--quiet command-line flags.
func SetLevel(l Level) {
	atomic.StoreInt32(&level, int32(l))
}

// GetLevel returns the current process-wide logger level.
func GetLevel() Level {
	return Level(atomic.LoadInt32(&level))
}

// SetWriter overrides the destination for log output. Used by tests.
func SetWriter(w io.Writer) {
	writer = w
}

func prefix(msgLevel Level) string {
	color, ok := messageColors[msgLevel]
	reset := "\x1b[0m"
	if !ok {
		color, reset = "", ""
	}

	if GetLevel() < DebugLevel {
		return fmt.Sprintf("%s%-8s%s ", color, msgLevel.String()+":", reset)
	}

	pc, _, _, ok := runtime.Caller(3)
	funcName := "????()"
	if ok {
		if details := runtime.FuncForPC(pc); details != nil {
			parts := strings.Split(details.Name(), ".")
			funcName = parts[len(parts)-1] + "()"
		}
	}
	return fmt.Sprintf("%s%-8s%s[P=%d]%-30s", color, msgLevel.String()+":", reset, os.Getpid(), funcName)
}

func writef(msgLevel Level, format string, a ...interface{}) {
	if GetLevel() < msgLevel {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(writer, "%s%s\n", prefix(msgLevel), msg)
}

// Fatalf logs at FatalLevel and terminates the process. Library code
// invoked by other callers should not use this; reserved for cmd/.
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(255)
}

func Errorf(format string, a ...interface{})   { writef(ErrorLevel, format, a...) }
func Warningf(format string, a ...interface{}) { writef(WarnLevel, format, a...) }
func Infof(format string, a ...interface{})    { writef(InfoLevel, format, a...) }
func Verbosef(format string, a ...interface{}) { writef(VerboseLevel, format, a...) }
func Debugf(format string, a ...interface{})   { writef(DebugLevel, format, a...) }

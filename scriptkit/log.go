package scriptkit

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Prefix template placeholders. They are substituted from the Clock each time
// a message is emitted, so a long-running script always logs current stamps.
const (
	PlaceholderStamp = "{stamp}"
	PlaceholderDate  = "{date}"
)

// OutputIndent is the indent marker the Runner puts in front of streamed
// command output so it reads apart from the script's own messages.
const OutputIndent = "  > "

// abortHeader starts the block that Abort writes before the message lines.
const abortHeader = "Aborting:"

// Logger writes prefixed messages to two destination streams: info messages
// go to the primary stream, warnings and errors to the secondary one. A
// zero-value Logger is not usable; construct one with NewLogger.
type Logger struct {
	// InfoPrefix, WarnPrefix and ErrorPrefix are the per-channel prefix
	// templates. They may contain PlaceholderStamp and PlaceholderDate.
	InfoPrefix  string
	WarnPrefix  string
	ErrorPrefix string

	// Clock supplies placeholder substitutions. Defaults to SystemClock.
	Clock Clock

	out io.Writer
	err io.Writer

	// exit is called by Abort. It is a field so tests can intercept
	// termination; everything else in the package returns errors instead.
	exit func(code int)
}

// NewLogger creates a logger writing info to out and warnings, errors and
// abort blocks to err.
func NewLogger(out, err io.Writer) *Logger {
	return &Logger{
		InfoPrefix:  "[" + PlaceholderStamp + "] ",
		WarnPrefix:  "[" + PlaceholderStamp + "] warning: ",
		ErrorPrefix: "[" + PlaceholderStamp + "] error: ",
		Clock:       SystemClock{},
		out:         out,
		err:         err,
		exit:        os.Exit,
	}
}

// Info writes the message to the primary stream, one prefixed line per
// newline-separated segment. indent goes between the prefix and the segment.
func (l *Logger) Info(message, indent string) {
	l.emit(l.out, l.InfoPrefix, message, indent)
}

// Warning writes the message to the secondary stream with the warning prefix.
func (l *Logger) Warning(message, indent string) {
	l.emit(l.err, l.WarnPrefix, message, indent)
}

// Error writes the message to the secondary stream with the error prefix.
func (l *Logger) Error(message, indent string) {
	l.emit(l.err, l.ErrorPrefix, message, indent)
}

// Infof is Info with a format string and no indent.
func (l *Logger) Infof(f string, v ...interface{}) {
	l.Info(fmt.Sprintf(f, v...), "")
}

// Warningf is Warning with a format string and no indent.
func (l *Logger) Warningf(f string, v ...interface{}) {
	l.Warning(fmt.Sprintf(f, v...), "")
}

// Errorf is Error with a format string and no indent.
func (l *Logger) Errorf(f string, v ...interface{}) {
	l.Error(fmt.Sprintf(f, v...), "")
}

// Abort writes the abort header and the message to the secondary stream, each
// message line indented under the header, then terminates the process with
// the given code. It never returns. Only top-level callers should use it;
// library code in this package reports failures as values.
func (l *Logger) Abort(message string, code int) {
	fmt.Fprintf(l.err, "%s\n", abortHeader)
	for _, line := range strings.Split(message, "\n") {
		fmt.Fprintf(l.err, "  %s\n", line)
	}

	l.exit(code)
}

func (l *Logger) emit(w io.Writer, prefix, message, indent string) {
	prefix = l.expand(prefix)

	for _, line := range strings.Split(message, "\n") {
		fmt.Fprintf(w, "%s%s%s\n", prefix, indent, line)
	}
}

// expand substitutes the stamp placeholders at emit time.
func (l *Logger) expand(prefix string) string {
	if !strings.Contains(prefix, "{") {
		return prefix
	}

	clock := l.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	prefix = strings.ReplaceAll(prefix, PlaceholderStamp, clock.Stamp())
	prefix = strings.ReplaceAll(prefix, PlaceholderDate, clock.Date())

	return prefix
}

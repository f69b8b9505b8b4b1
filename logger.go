package vigil

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// Default is FmtLogger which writes to stdout/stderr using fmt.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to stdout; Warn/Error go to stderr.
type FmtLogger struct{}

// NewFmtLogger creates a new FmtLogger.
func NewFmtLogger() *FmtLogger { return &FmtLogger{} }

func (FmtLogger) Debugf(format string, args ...any) { fmt.Printf("[DEBUG] "+format+"\n", args...) }
func (FmtLogger) Infof(format string, args ...any)  { fmt.Printf("[INFO]  "+format+"\n", args...) }
func (FmtLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN]  "+format+"\n", args...)
}
func (FmtLogger) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}

// LogrusLogger adapts a logrus entry to Logger. Binaries use it so library
// output shares the process formatter and level.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l, tagging every line with component=<component> when set.
func NewLogrusLogger(l *logrus.Logger, component string) *LogrusLogger {
	entry := logrus.NewEntry(l)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &LogrusLogger{entry: entry}
}

func (l *LogrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func orNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

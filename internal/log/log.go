package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.Mutex
	logger *logrus.Logger
)

func init() {
	logger = logrus.New()
	logger.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// ParseLevel maps LOG_LEVEL style names to logrus levels. Unknown or empty
// values yield info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE":
		return logrus.DebugLevel
	case "WARN", "WARNING":
		return logrus.WarnLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Configure applies level, format ("text" or "json") and an optional log
// file to the shared logger. The returned closer releases the file.
func Configure(level, format, file string) (io.Closer, error) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetLevel(ParseLevel(level))
	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if file == "" {
		logger.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

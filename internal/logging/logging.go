// Package logging builds the logrus logger shared by the binaries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Level  string
	Format string
}

// New returns a logger writing to stdout. Unknown levels fall back to info,
// unknown formats to JSON.
func New(cfg Config) *logrus.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg Config, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
	return logger
}

// Discard is a logger for tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// Component tags every entry with the emitting component.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

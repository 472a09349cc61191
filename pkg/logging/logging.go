// Package logging builds the logrus logger shared by the database, cache and unit-of-work layers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ammar0144/repokit/pkg/db"
)

// New creates a logger writing to stderr with the configured level and format
func New(config db.LoggingConfig) *logrus.Logger {
	return NewWithWriter(config, os.Stderr)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(config db.LoggingConfig, w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(ParseLevel(config.Level))

	if strings.EqualFold(strings.TrimSpace(config.Format), "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// ParseLevel maps a config level to logrus, defaulting to warn
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.WarnLevel
	}
}

// Package logger builds the process-wide logrus logger.
package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing human-readable lines to stdout. The level
// comes from ROOMDROP_LOG_LEVEL, defaulting to info.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.TimeOnly,
	})

	level := logrus.InfoLevel
	if raw := os.Getenv("ROOMDROP_LOG_LEVEL"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
	return log
}

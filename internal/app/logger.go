package app

import (
	"os"

	"github.com/sirupsen/logrus"
)

// newLogger configures the process-wide logrus logger. JSON in production,
// human-readable otherwise, level from LOG_LEVEL.
func newLogger() *logrus.Logger {
	logger := logrus.StandardLogger()

	if os.Getenv("GIN_MODE") == "release" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

package arsa

import (
	"io"

	"github.com/sirupsen/logrus"
)

// log is the entry every file in the package writes through.  It carries
// a component field so that output mixed with a caller's logs can be told apart
var log = logrus.WithField("component", "arsa")

// SetLogger redirects package logging to the given logger
func SetLogger(logger *logrus.Logger) {
	if logger == nil {
		return
	}
	log = logger.WithField("component", "arsa")
}

// InitLogging builds a logger writing to out. verbose selects debug level output,
// console selects the human readable text format instead of json.
func InitLogging(out io.Writer, verbose, console bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if console {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	SetLogger(logger)
	return logger
}

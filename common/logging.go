// Package common provides the shared logging infrastructure for the reporting
// pipeline services. It implements log output routing that directs error
// messages to stderr while sending other levels to stdout, enabling proper
// stream separation for containerized deployments.
//
// The logging system is built on logrus for structured logging. All pipeline
// components obtain a component-scoped entry from the global logger so that
// every line carries a "component" field for filtering and aggregation.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output based on severity.
// Error-level messages (containing "level=error", or "level":"error" in
// JSON output) are written to stderr so
// orchestrators and log aggregators can treat them with higher priority;
// everything else goes to stdout.
//
// The splitter operates on the final formatted output and therefore works
// with both the text and JSON logrus formatters. It is safe for concurrent
// use: it performs no mutation and writes to thread-safe OS streams.
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter, inspecting each log
// line for the error-level marker and selecting the output stream.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the reporting pipeline.
// It is pre-configured with the OutputSplitter and a full-timestamp text
// formatter. Services should derive component entries from it rather than
// instantiating their own loggers.
var Logger = newLogger()

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// ComponentLogger returns a logger entry scoped to a pipeline component.
// The returned entry carries a "component" field so log lines from the
// scheduler, source adapters, loader, and invalidator can be told apart.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// SetLevel adjusts the global log level from its textual representation.
// Unknown values fall back to info.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}

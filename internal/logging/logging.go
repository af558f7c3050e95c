// Package logging configures the process-wide logrus logger. The archiver
// writes JSON lines to a file under the log root (tailed by /api/logs) and
// mirrors them to stderr.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const logFileName = "tapedeck.log"

// Setup builds the shared logger. If the log directory cannot be created the
// logger falls back to stderr only.
func Setup(logDir, level string) (*logrus.Logger, string) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	logPath := ""
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err == nil {
			logPath = filepath.Join(logDir, logFileName)
			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				logger.SetOutput(io.MultiWriter(os.Stderr, file))
				return logger, logPath
			}
			logPath = ""
		}
	}
	logger.SetOutput(os.Stderr)
	return logger, logPath
}

// JobFields returns the standard field set carried by every log record in a
// job's lifecycle.
func JobFields(traceID, jobID, source, event string) logrus.Fields {
	return logrus.Fields{
		"trace_id": traceID,
		"job_id":   jobID,
		"source":   source,
		"event":    event,
	}
}

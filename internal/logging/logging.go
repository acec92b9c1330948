// Package logging holds the process-wide logger shared by every other
// package. The daemon always logs to standard error; level and format
// come from the configuration.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger. Packages log through it directly or derive
// field-scoped entries with WithField / WithFields.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// Setup applies the configured level and format. Unknown values are an
// error so a typo in the environment fails the daemon at startup instead
// of silently logging at the wrong level.
func Setup(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	Logger.SetLevel(lvl)

	switch format {
	case "", "text":
		// default text formatter from init
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// WithField returns a single-field entry on the shared logger.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a field-scoped entry on the shared logger.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

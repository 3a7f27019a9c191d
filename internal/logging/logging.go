// Package logging wraps logrus behind the Init/GetLogger shape the teacher's
// internal/log package uses, without the multi-appender machinery that
// package carried for its own Kafka/Loki log-shipping (no SPEC_FULL.md
// component needs log shipping).
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	logger *logrus.Logger
)

// Config controls the process-wide logger.
type Config struct {
	Level     string // trace|debug|info|warn|error
	Verbosity int    // repeated -v count; each level bumps verbosity by one step
	JSON      bool
}

// Init configures the global logger. Safe to call once; later calls are no-ops.
func Init(cfg Config) {
	once.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		if cfg.JSON {
			logger.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		logger.SetLevel(level(cfg))
	})
}

func level(cfg Config) logrus.Level {
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		return lvl
	}
	switch {
	case cfg.Verbosity >= 2:
		return logrus.TraceLevel
	case cfg.Verbosity == 1:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Get returns the process-wide logger, initializing it with defaults if Init
// was never called.
func Get() *logrus.Logger {
	if logger == nil {
		Init(Config{})
	}
	return logger
}

// With returns a field-scoped entry, the idiom every component uses to tag
// its log lines with a component name.
func With(component string) *logrus.Entry {
	return Get().WithField("component", component)
}

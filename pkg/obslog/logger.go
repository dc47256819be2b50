// Package obslog wires up the daemon's single zerolog sink and adapts it to
// the two foreign logging interfaces the domain stack needs: badger's
// internal compaction/GC logger and go-logr/logr's LogSink, used by any
// logr-expecting dependency. Every component gets a child logger carrying
// a "component" field; request-scoped loggers additionally carry
// "correlation_id" (SPEC_FULL §9 Logging).
package obslog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/rs/zerolog"

	"github.com/orneryd/nornicmem/pkg/config"
)

// New builds the daemon's root zerolog.Logger from a LoggingConfig. Output
// is stdout, stderr, or a file path (append mode, falling back to stderr
// if the file can't be opened); format is "console" for human-readable
// output or anything else for zerolog's default JSON.
func New(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "obslog: opening log file %q: %v, falling back to stderr\n", cfg.Output, err)
			w = os.Stderr
		} else {
			w = f
		}
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	logger = logger.Level(parseLevel(cfg.Level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		return lvl
	}
	return zerolog.InfoLevel
}

// Component returns a child logger tagged with the given component name,
// following SPEC_FULL §9's "log.With().Str("component", ...).Logger()"
// convention.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithCorrelationID returns a child logger carrying a request-scoped
// correlation id.
func WithCorrelationID(base zerolog.Logger, correlationID string) zerolog.Logger {
	if correlationID == "" {
		return base
	}
	return base.With().Str("correlation_id", correlationID).Logger()
}

// BadgerLogger adapts a zerolog.Logger to badger's own Logger interface
// (Errorf/Warningf/Infof/Debugf), so badger's internal compaction/GC
// messages land in the same sink as everything else.
type BadgerLogger struct {
	log zerolog.Logger
}

// NewBadgerLogger wraps base for use as a badger.Options.Logger.
func NewBadgerLogger(base zerolog.Logger) *BadgerLogger {
	return &BadgerLogger{log: Component(base, "badger")}
}

func (b *BadgerLogger) Errorf(format string, args ...interface{})   { b.log.Error().Msgf(format, args...) }
func (b *BadgerLogger) Warningf(format string, args ...interface{}) { b.log.Warn().Msgf(format, args...) }
func (b *BadgerLogger) Infof(format string, args ...interface{})    { b.log.Info().Msgf(format, args...) }
func (b *BadgerLogger) Debugf(format string, args ...interface{})   { b.log.Debug().Msgf(format, args...) }

// logrSink adapts a zerolog.Logger to logr.LogSink.
type logrSink struct {
	log   zerolog.Logger
	name  string
	depth int
}

// NewLogr wraps base as a logr.Logger, for any dependency that expects one.
func NewLogr(base zerolog.Logger) logr.Logger {
	return logr.New(&logrSink{log: Component(base, "logr")})
}

func (s *logrSink) Init(info logr.RuntimeInfo) { s.depth = info.CallDepth }

func (s *logrSink) Enabled(level int) bool {
	return s.log.GetLevel() <= levelFromV(level)
}

func (s *logrSink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.event(s.log.WithLevel(levelFromV(level)), msg, keysAndValues)
}

func (s *logrSink) Error(err error, msg string, keysAndValues ...interface{}) {
	s.event(s.log.Error().Err(err), msg, keysAndValues)
}

func (s *logrSink) event(ev *zerolog.Event, msg string, keysAndValues []interface{}) {
	if s.name != "" {
		ev = ev.Str("logger", s.name)
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}

func (s *logrSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	log := s.log.With().Logger()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		log = log.With().Interface(key, keysAndValues[i+1]).Logger()
	}
	return &logrSink{log: log, name: s.name, depth: s.depth}
}

func (s *logrSink) WithName(name string) logr.LogSink {
	next := s.name
	if next != "" {
		next += "."
	}
	next += name
	return &logrSink{log: s.log, name: next, depth: s.depth}
}

// levelFromV maps logr's increasing-verbosity V-levels (0 = always logged)
// onto zerolog's severity scale; V(0) is Info, anything deeper is Debug.
func levelFromV(v int) zerolog.Level {
	if v <= 0 {
		return zerolog.InfoLevel
	}
	return zerolog.DebugLevel
}

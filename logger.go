package elbus

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger discards every record. It still tracks a level so callers that
// consult Level before building expensive fields behave consistently.
type NoOpLogger struct {
	level atomic.Int32
}

// NewNoOpLogger creates a logger at LogLevelNone.
func NewNoOpLogger() *NoOpLogger {
	n := &NoOpLogger{}
	n.level.Store(int32(LogLevelNone))
	return n
}

func (n *NoOpLogger) Debug(string, LogFields) {}
func (n *NoOpLogger) Info(string, LogFields)  {}
func (n *NoOpLogger) Warn(string, LogFields)  {}
func (n *NoOpLogger) Error(string, LogFields) {}

// WithFields returns n.
func (n *NoOpLogger) WithFields(LogFields) Logger { return n }

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel { return LogLevel(n.level.Load()) }

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) { n.level.Store(int32(level)) }

// StdLogger writes "[LEVEL] msg key=value ..." lines through a log.Logger.
// Loggers derived with WithFields share the level of their parent, so the
// daemon can change verbosity for every connection at once.
type StdLogger struct {
	out    *log.Logger
	level  *atomic.Int32
	fields []any
}

// NewStdLogger creates a logger writing to w, or stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	lv := new(atomic.Int32)
	lv.Store(int32(level))
	return &StdLogger{out: log.New(w, "", log.LstdFlags), level: lv}
}

func (s *StdLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }
func (s *StdLogger) Info(msg string, fields LogFields)  { s.log(LogLevelInfo, msg, fields) }
func (s *StdLogger) Warn(msg string, fields LogFields)  { s.log(LogLevelWarn, msg, fields) }
func (s *StdLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

// WithFields returns a child logger that prefixes fields to every record.
func (s *StdLogger) WithFields(fields LogFields) Logger {
	child := *s
	child.fields = append(append([]any(nil), s.fields...), fieldArgs(fields)...)
	return &child
}

// Level returns the current log level.
func (s *StdLogger) Level() LogLevel { return LogLevel(s.level.Load()) }

// SetLevel sets the log level for s and every logger derived from it.
func (s *StdLogger) SetLevel(level LogLevel) { s.level.Store(int32(level)) }

func (s *StdLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}

	var sb strings.Builder
	sb.WriteString("[" + level.String() + "] " + msg)
	writePairs(&sb, s.fields)
	writePairs(&sb, fieldArgs(fields))
	s.out.Print(sb.String())
}

func writePairs(sb *strings.Builder, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(sb, " %v=%v", kv[i], kv[i+1])
	}
}

// ParseLogLevel parses a level name such as "debug" or "warn".
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none", "off":
		return LogLevelNone, nil
	default:
		return LogLevelInfo, fmt.Errorf("elbus: unknown log level: %s", s)
	}
}

// SlogLogger adapts a log/slog logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlogLogger wraps l. A nil l writes text records to stderr.
func NewSlogLogger(l *slog.Logger, level LogLevel) *SlogLogger {
	lv := &slog.LevelVar{}
	lv.Set(slogLevel(level))
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	}
	return &SlogLogger{logger: l, level: lv}
}

// Debug logs a debug message.
func (s *SlogLogger) Debug(msg string, fields LogFields) {
	s.log(slog.LevelDebug, msg, fields)
}

// Info logs an info message.
func (s *SlogLogger) Info(msg string, fields LogFields) {
	s.log(slog.LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (s *SlogLogger) Warn(msg string, fields LogFields) {
	s.log(slog.LevelWarn, msg, fields)
}

// Error logs an error message.
func (s *SlogLogger) Error(msg string, fields LogFields) {
	s.log(slog.LevelError, msg, fields)
}

// WithFields returns a new logger with the given fields added.
func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{
		logger: s.logger.With(fieldArgs(fields)...),
		level:  s.level,
	}
}

// Level returns the current log level.
func (s *SlogLogger) Level() LogLevel {
	switch l := s.level.Level(); {
	case l <= slog.LevelDebug:
		return LogLevelDebug
	case l <= slog.LevelInfo:
		return LogLevelInfo
	case l <= slog.LevelWarn:
		return LogLevelWarn
	case l <= slog.LevelError:
		return LogLevelError
	default:
		return LogLevelNone
	}
}

// SetLevel sets the log level.
func (s *SlogLogger) SetLevel(level LogLevel) {
	s.level.Set(slogLevel(level))
}

func (s *SlogLogger) log(level slog.Level, msg string, fields LogFields) {
	if level < s.level.Level() {
		return
	}
	s.logger.Log(context.Background(), level, msg, fieldArgs(fields)...)
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

// fieldArgs flattens fields into sorted key/value pairs for slog.
func fieldArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

// Standard field names for broker logging.
const (
	// LogFieldClient is the client name field.
	LogFieldClient = "client"

	// LogFieldTarget is the unicast target or broadcast mask field.
	LogFieldTarget = "target"

	// LogFieldTopic is the topic field.
	LogFieldTopic = "topic"

	// LogFieldOp is the wire operation field.
	LogFieldOp = "op"

	// LogFieldQoS is the QoS field.
	LogFieldQoS = "qos"

	// LogFieldKind is the client kind field.
	LogFieldKind = "kind"

	// LogFieldError is the error field.
	LogFieldError = "error"

	// LogFieldRemoteAddr is the remote address field.
	LogFieldRemoteAddr = "remote_addr"

	// LogFieldListener is the listener address field.
	LogFieldListener = "listener"

	// LogFieldCount is the delivery count field.
	LogFieldCount = "count"

	// LogFieldMethod is the RPC method field.
	LogFieldMethod = "method"
)

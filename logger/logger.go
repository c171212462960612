// Package logger provides the logging facade used by every go-gdbmon package.
//
// The Logger interface decouples the protocol engine and the update scheduler from a concrete
// logging framework. Two backends are bundled: a log/slog backend (JSON, or a colored console
// handler when ENV=development) and a zerolog backend.
//
// Log Levels:
//
//   - DebugLevel: packet traces and cycle-rate reports, typically disabled in production.
//   - InfoLevel: connection lifecycle messages.
//   - WarnLevel: recoverable problems such as a failed target identification.
//   - ErrorLevel: failed exchanges and torn-down connections.
//   - FatalLevel: critical errors that cause program termination.
package logger

// LogLevel indicates the logging severity level.
type LogLevel = int8

// Level is an alias of LogLevel.
type Level = LogLevel

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel LogLevel = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual
	// human review.
	WarnLevel
	// ErrorLevel logs are high-priority. If an application is running smoothly,
	// it shouldn't generate any error-level logs.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// Logger defines a common interface for logging.
type Logger interface {
	// Debug logs a message at DebugLevel with optional key/value pairs.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel with optional key/value pairs.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel with optional key/value pairs.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel with optional key/value pairs.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel, then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() LogLevel
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level LogLevel)
}

// ParseLevel converts a level name (debug, info, warn, error, fatal) to a LogLevel.
// Unknown names map to InfoLevel and ok=false.
func ParseLevel(name string) (level LogLevel, ok bool) {
	switch name {
	case "debug":
		return DebugLevel, true
	case "info":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	case "fatal":
		return FatalLevel, true
	default:
		return InfoLevel, false
	}
}

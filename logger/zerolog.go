package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger is a Logger backed by github.com/rs/zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerolog creates a zerolog backed logger writing JSON records to w.
// A nil writer defaults to stdout.
func NewZerolog(w io.Writer, level Level) Logger {
	if w == nil {
		w = os.Stdout
	}

	zl := zerolog.New(w).
		Level(toZerologLevel(level)).
		With().
		Timestamp().
		Logger()

	return &ZerologLogger{logger: zl}
}

// NewZerologConsole creates a zerolog backed logger using zerolog's console writer.
func NewZerologConsole(w io.Writer, level Level) Logger {
	if w == nil {
		w = os.Stdout
	}

	return NewZerolog(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}, level)
}

func (l *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	l.write(l.logger.Debug(), msg, keysAndValues)
}

func (l *ZerologLogger) Info(msg string, keysAndValues ...any) {
	l.write(l.logger.Info(), msg, keysAndValues)
}

func (l *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	l.write(l.logger.Warn(), msg, keysAndValues)
}

func (l *ZerologLogger) Error(msg string, keysAndValues ...any) {
	l.write(l.logger.Error(), msg, keysAndValues)
}

// Fatal logs at fatal level; zerolog calls os.Exit(1) once the event is written.
func (l *ZerologLogger) Fatal(msg string, keysAndValues ...any) {
	l.write(l.logger.Fatal(), msg, keysAndValues)
}

func (l *ZerologLogger) With(keyValues ...any) Logger {
	return &ZerologLogger{logger: l.logger.With().Fields(pairsToFields(keyValues)).Logger()}
}

func (l *ZerologLogger) Level() Level {
	switch l.logger.GetLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return DebugLevel
	case zerolog.InfoLevel:
		return InfoLevel
	case zerolog.WarnLevel:
		return WarnLevel
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return FatalLevel
	default:
		return ErrorLevel
	}
}

// SetLevel changes the level of this logger. Children created earlier keep their level.
func (l *ZerologLogger) SetLevel(level Level) {
	l.logger = l.logger.Level(toZerologLevel(level))
}

func (l *ZerologLogger) write(ev *zerolog.Event, msg string, keysAndValues []any) {
	if ev == nil {
		return
	}
	ev.Fields(pairsToFields(keysAndValues)).Msg(msg)
}

// pairsToFields converts slog style alternating key/value pairs to a zerolog field map.
// A dangling key is recorded under "!BADKEY", the same way slog reports it.
func pairsToFields(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 >= len(keysAndValues) {
			fields["!BADKEY"] = keysAndValues[i]
			break
		}

		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}

		if err, isErr := keysAndValues[i+1].(error); isErr {
			fields[key] = err.Error()
			continue
		}
		fields[key] = keysAndValues[i+1]
	}

	return fields
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

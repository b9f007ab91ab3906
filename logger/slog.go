package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/phsym/console-slog"
)

// devEnv is the ENV value that switches output from JSON records to the
// human-readable console handler.
const devEnv = "development"

// SlogLogger is a Logger backed by the standard library's log/slog.
type SlogLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlog creates a slog-backed Logger with the given minimum level.
// Records go to stdout, through console-slog when ENV=development and as
// JSON otherwise.
func NewSlog(level Level, addSource bool) Logger {
	return newSlog(level, addSource)
}

func newSlog(level Level, addSource bool) *SlogLogger {
	lv := &slog.LevelVar{}
	lv.Set(slogLevel(level))

	return &SlogLogger{
		logger: slog.New(newHandler(lv, addSource)),
		level:  lv,
	}
}

// newHandler picks the output handler. Development gets the colorized
// console handler with source locations always on; everything else emits
// JSON with the time key shortened to "ts".
func newHandler(lv *slog.LevelVar, addSource bool) slog.Handler {
	if os.Getenv("ENV") == devEnv {
		return console.NewHandler(os.Stdout, &console.HandlerOptions{
			AddSource: true,
			Level:     lv,
		})
	}

	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   addSource,
		Level:       lv,
		ReplaceAttr: renameTimeKey,
	})
}

func renameTimeKey(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "ts"
	}

	return a
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.log(slog.LevelDebug, msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.log(slog.LevelInfo, msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.log(slog.LevelWarn, msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues...)
}

// Fatal logs at error level and terminates the process. slog has no fatal
// level of its own.
func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(slog.LevelError, msg, keysAndValues...)
	os.Exit(1)
}

func (l *SlogLogger) With(keyValues ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(keyValues...),
		level:  l.level,
	}
}

func (l *SlogLogger) Level() Level {
	return facadeLevel(l.level.Level())
}

func (l *SlogLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level.Set(slogLevel(level))
}

// log builds the record by hand so the pc points at the exported caller
// rather than this file. The skip depth assumes exactly one exported method
// between the call site and here.
func (l *SlogLogger) log(level slog.Level, msg string, args ...any) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

// slogLevel and facadeLevel translate between the facade's Level and
// slog.Level. Fatal has no slog counterpart and maps to error.
func slogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel, FatalLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func facadeLevel(level slog.Level) Level {
	switch {
	case level <= slog.LevelDebug:
		return DebugLevel
	case level <= slog.LevelInfo:
		return InfoLevel
	case level <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

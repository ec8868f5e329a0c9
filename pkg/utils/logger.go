package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogLevel is the severity of a record.
type LogLevel int32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var zerologLevels = [...]zerolog.Level{zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLogLevel parses a level name in any case, "warning" included.
// Unknown names yield LevelInfo.
func ParseLogLevel(level string) LogLevel {
	zl, err := zerolog.ParseLevel(strings.ToLower(level))
	if strings.EqualFold(level, "warning") {
		zl, err = zerolog.WarnLevel, nil
	}
	if err != nil {
		return LevelInfo
	}
	for l, z := range zerologLevels {
		if z == zl {
			return LogLevel(l)
		}
	}
	return LevelInfo
}

// Logger is the printf-style logger the profilers and the service share.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
}

// LogFormat selects how records are rendered.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// DefaultLogger is a Logger backed by zerolog. Loggers derived with
// WithField share the level of their parent.
type DefaultLogger struct {
	zl    zerolog.Logger
	level *atomic.Int32
}

// NewDefaultLogger creates a text logger writing to output, stdout if nil.
func NewDefaultLogger(level LogLevel, output io.Writer) *DefaultLogger {
	return NewLogger(level, FormatText, output)
}

// NewLogger creates a logger rendering records in format. Text records
// look like "[2006-01-02 15:04:05.000] [INFO] message key=value".
func NewLogger(level LogLevel, format LogFormat, output io.Writer) *DefaultLogger {
	if output == nil {
		output = os.Stdout
	}
	// Records may come from many goroutines at once.
	output = zerolog.SyncWriter(output)
	if format != FormatJSON {
		output = zerolog.ConsoleWriter{
			Out:             output,
			NoColor:         true,
			TimeFormat:      "2006-01-02 15:04:05.000",
			FormatTimestamp: func(i any) string { return "[" + fmt.Sprint(i) + "]" },
			FormatLevel:     func(i any) string { return "[" + strings.ToUpper(fmt.Sprint(i)) + "]" },
		}
	}
	l := &DefaultLogger{
		zl:    zerolog.New(output).With().Timestamp().Logger(),
		level: new(atomic.Int32),
	}
	l.SetLevel(level)
	return l
}

func (l *DefaultLogger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

func (l *DefaultLogger) Level() LogLevel { return LogLevel(l.level.Load()) }

func (l *DefaultLogger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *DefaultLogger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *DefaultLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *DefaultLogger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }

func (l *DefaultLogger) WithField(key string, value any) Logger {
	return &DefaultLogger{zl: l.zl.With().Interface(key, value).Logger(), level: l.level}
}

func (l *DefaultLogger) WithFields(fields map[string]any) Logger {
	return &DefaultLogger{zl: l.zl.With().Fields(fields).Logger(), level: l.level}
}

// log formats msg only when args are given, so a literal "%" survives.
func (l *DefaultLogger) log(level LogLevel, msg string, args []any) {
	if level < l.Level() {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.zl.WithLevel(zerologLevels[level]).Msg(msg)
}

var globalLogger atomic.Pointer[Logger]

func init() {
	SetGlobalLogger(NewDefaultLogger(LevelInfo, os.Stderr))
}

// SetGlobalLogger replaces the process-wide logger.
func SetGlobalLogger(logger Logger) {
	globalLogger.Store(&logger)
}

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() Logger {
	return *globalLogger.Load()
}

// NullLogger discards everything.
type NullLogger struct{}

func (*NullLogger) Debug(string, ...any)               {}
func (*NullLogger) Info(string, ...any)                {}
func (*NullLogger) Warn(string, ...any)                {}
func (*NullLogger) Error(string, ...any)               {}
func (l *NullLogger) WithField(string, any) Logger     { return l }
func (l *NullLogger) WithFields(map[string]any) Logger { return l }

// Package logging provides structured logging for duosync.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging on top of zerolog.
type Logger struct {
	zl       zerolog.Logger
	minLevel LogLevel
	closer   io.Closer
}

var (
	// global logger instance
	global   *Logger
	globalMu sync.RWMutex
	once     sync.Once
)

// Options configures a Logger built by Configure.
type Options struct {
	// Out receives log lines. Defaults to os.Stderr.
	Out   io.Writer
	Level LogLevel

	// Console renders human-readable lines instead of JSON.
	Console bool

	// File, when set, additionally writes JSON lines to a rotating file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a Logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	zl := zerolog.New(out).With().Timestamp().Logger().Level(toZerolog(minLevel))
	return &Logger{zl: zl, minLevel: minLevel}
}

// NewWithOptions creates a Logger from Options.
func NewWithOptions(opts Options) *Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Level == "" {
		opts.Level = LevelInfo
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	var closer io.Closer
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 10),
			MaxBackups: defaultInt(opts.MaxBackups, 3),
			MaxAge:     defaultInt(opts.MaxAgeDays, 28),
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closer = rotator
	}

	l := New(out, opts.Level)
	l.closer = closer
	return l
}

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		globalMu.Lock()
		global = New(out, minLevel)
		globalMu.Unlock()
	})
}

// Configure replaces the global logger unconditionally and returns it.
func Configure(opts Options) *Logger {
	l := NewWithOptions(opts)
	once.Do(func() {})

	globalMu.Lock()
	prev := global
	global = l
	globalMu.Unlock()

	if prev != nil && prev.closer != nil {
		_ = prev.closer.Close()
	}
	return l
}

// Get returns the global logger instance.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	Init(os.Stderr, LevelInfo)
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// SetLevel changes the minimum level of the global logger, keeping its
// outputs.
func SetLevel(level LogLevel) {
	Get()
	globalMu.Lock()
	defer globalMu.Unlock()
	global = global.withLevel(level)
}

func (l *Logger) withLevel(level LogLevel) *Logger {
	return &Logger{zl: l.zl.Level(toZerolog(level)), minLevel: level, closer: l.closer}
}

// ParseLevel converts a config string such as "debug" into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Level returns the minimum level this logger emits.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}

// Zerolog exposes the underlying zerolog.Logger for components that build
// per-request child loggers.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// With returns a child logger that adds the given fields to every line.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger(), minLevel: l.minLevel}
}

// Close releases the rotating log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	var e *zerolog.Event
	switch level {
	case LevelDebug:
		e = l.zl.Debug()
	case LevelWarn:
		e = l.zl.Warn()
	case LevelError:
		e = l.zl.Error()
	default:
		e = l.zl.Info()
	}
	if e == nil {
		return
	}
	if err != nil {
		e = e.Err(err)
	}
	if len(context) > 0 {
		e = e.Fields(context)
	}
	e.Msg(message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, mergeContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	ctx := mergeContext(context...)
	if ctx == nil {
		ctx = make(map[string]interface{}, 1)
	}
	ctx["error_code"] = code
	l.log(LevelError, message, err, ctx)
}

// mergeContext merges multiple context maps into a fresh map.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}

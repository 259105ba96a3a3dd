package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var defaultLogger atomic.Pointer[Logger]

// Logger is a leveled logger instance backed by zerolog. Child loggers created
// with With share the parent's level so SetLogLevel applies everywhere.
type Logger struct {
	zl    zerolog.Logger
	level *levelHolder
}

type levelHolder struct {
	mu    sync.RWMutex
	level LogLevel
}

// Options configures the default logger.
type Options struct {
	Level   string    // DEBUG, INFO, WARN or ERROR
	Output  io.Writer // console destination, defaults to stdout
	LogFile string    // optional file that receives a plain JSON copy of every entry
}

// New creates a new Logger instance with the specified level writing to stdout
func New(level string) *Logger {
	return newLogger(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, level)
}

func newLogger(w io.Writer, level string) *Logger {
	return &Logger{
		zl:    zerolog.New(w).With().Timestamp().Logger(),
		level: &levelHolder{level: ParseLogLevel(level)},
	}
}

// Configure replaces the default logger. It returns the opened log file, if
// any, so the caller can close it on shutdown.
func Configure(opts Options) (*os.File, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}}

	var file *os.File
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	defaultLogger.Store(newLogger(zerolog.MultiLevelWriter(writers...), opts.Level))
	return file, nil
}

// getDefaultLogger returns the default logger, creating an INFO stdout
// logger on first use when Configure was never called
func getDefaultLogger() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLogger.CompareAndSwap(nil, New("INFO"))
	return defaultLogger.Load()
}

// Default returns the package-level logger.
func Default() *Logger {
	return getDefaultLogger()
}

// ParseLogLevel maps a level name to its LogLevel. Unknown names mean INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	}
	return INFO
}

var levelNames = map[LogLevel]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

// SetLogLevel changes the level of the default logger and every child
// created from it.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the default logger's level name.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// With returns a child logger of the default logger carrying the given
// key/value pairs as structured fields.
func With(kv ...string) *Logger {
	return getDefaultLogger().With(kv...)
}

// With returns a child logger carrying the given key/value pairs. A trailing
// key without a value is dropped.
func (l *Logger) With(kv ...string) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(kv); i += 2 {
		ctx = ctx.Str(kv[i], kv[i+1])
	}
	return &Logger{zl: ctx.Logger(), level: l.level}
}

// SetLevel changes the level shared by l and its children.
func (l *Logger) SetLevel(level string) {
	l.level.mu.Lock()
	l.level.level = ParseLogLevel(level)
	l.level.mu.Unlock()
}

func (l *Logger) GetLevel() string {
	l.level.mu.RLock()
	defer l.level.mu.RUnlock()
	if name, ok := levelNames[l.level.level]; ok {
		return name
	}
	return "INFO"
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.level.mu.RLock()
	defer l.level.mu.RUnlock()
	return level >= l.level.level
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.zl.Debug().Msgf(format, v...)
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		l.zl.Info().Msgf(format, v...)
	}
}

func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		l.zl.Warn().Msgf(format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		l.zl.Error().Msgf(format, v...)
	}
}

// Debug, Info, Warn and Error write through the default logger.

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }

func Info(format string, v ...interface{}) { getDefaultLogger().Info(format, v...) }

func Warn(format string, v ...interface{}) { getDefaultLogger().Warn(format, v...) }

func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }

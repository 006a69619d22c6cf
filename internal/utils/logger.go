package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch {
	case l >= Critical:
		return zapcore.DPanicLevel
	case l >= Error:
		return zapcore.ErrorLevel
	case l >= Warning:
		return zapcore.WarnLevel
	case l >= Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ParseLogLevel maps a level name (debug, info, warn, error, critical) to a LogLevel.
func ParseLogLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return Debug, nil
	case "", "info":
		return Info, nil
	case "warn", "warning":
		return Warning, nil
	case "error":
		return Error, nil
	case "critical", "fatal":
		return Critical, nil
	default:
		return NotSet, fmt.Errorf("invalid log level %q", name)
	}
}

var (
	logMu        sync.RWMutex
	logOutput    zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	defaultLevel                     = Warning
)

func newEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// ConfigureLogging sets the level used by loggers created afterwards and
// replaces the zap globals with a logger at that level.
func ConfigureLogging(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logMu.Lock()
	defaultLevel = lvl
	out := logOutput
	logMu.Unlock()

	zap.ReplaceGlobals(zap.New(zapcore.NewCore(newEncoder(), out, lvl.zapLevel())))
	return nil
}

// SetLogOutput redirects every logger created afterwards to w.
func SetLogOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logOutput = zapcore.Lock(zapcore.AddSync(w))
}

// Logger provides structured logging with context
type Logger struct {
	prefix string
	level  zap.AtomicLevel
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	logMu.RLock()
	lvl := defaultLevel
	out := logOutput
	logMu.RUnlock()

	if len(logLevel) > 0 {
		lvl = logLevel[0]
	}

	atomic := zap.NewAtomicLevelAt(lvl.zapLevel())
	core := zapcore.NewCore(newEncoder(), out, atomic)

	return &Logger{
		prefix: prefix,
		level:  atomic,
		sugar:  zap.New(core).Named(prefix).Sugar(),
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.level.SetLevel(logLevel.zapLevel())
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		level:  l.level,
		sugar:  l.sugar.With(keyvals...),
	}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.sugar.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

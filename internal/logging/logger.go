// Package logging provides the named structured logger used across faultline.
//
// Initialize at startup, then ask for a logger per component:
//
//	logging.Initialize("info", map[string]string{"dispatch": "debug"})
//	logger := logging.GetLogger("supervisor")
//	logger.Info("round %d started", round)
//	logger.InfoWithFields("batch complete",
//	    logging.Field("tasks", len(tasks)),
//	    logging.Field("failed", failed),
//	)
//
// Per-package levels match either exactly ("dispatch") or by prefix
// wildcard ("diagnosis.*"). Loggers are immutable; WithField, WithFields and
// WithContext return copies and are safe to share between goroutines.
//
// WithContext attaches a context from which trace_id, span_id (OpenTelemetry)
// and investigation_id are extracted for every subsequent line.
package logging

import (
	"context"
	"os"
	"strings"
	"sync"
)

const rootName = "faultline"

var (
	globalLevel = INFO
	globalMu    sync.RWMutex
	// exitFunc is swapped in tests so Fatal does not terminate the test binary.
	exitFunc = os.Exit
)

// LogField is a structured key/value attached to a single line.
type LogField struct {
	Key   string
	Value interface{}
}

// Field creates a structured logging field.
func Field(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

// Logger writes leveled, named log lines with optional persistent fields.
type Logger struct {
	level  LogLevel
	name   string
	fields map[string]interface{}
	ctx    context.Context
}

// Initialize sets the default level and optional per-package overrides.
// Unknown default levels fall back to INFO; invalid package levels are an error.
func Initialize(levelStr string, packageLevels ...map[string]string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		level = INFO
	}

	globalMu.Lock()
	globalLevel = level
	globalMu.Unlock()

	if len(packageLevels) > 0 && packageLevels[0] != nil {
		if err := SetPackageLogLevels(packageLevels[0]); err != nil {
			return err
		}
	}
	return nil
}

// GetLogger returns a logger with the given component name. Before
// Initialize runs, loggers use INFO.
func GetLogger(name string) *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if strings.TrimSpace(name) == "" {
		name = rootName
	}
	return &Logger{
		level:  globalLevel,
		name:   name,
		fields: make(map[string]interface{}),
	}
}

// Name returns the component name of the logger.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) shouldLog(level LogLevel) bool {
	if pkgLevel := GetPackageLogLevel(l.name); pkgLevel >= 0 {
		return level >= pkgLevel
	}
	return level >= l.level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logf(DEBUG, msg, args...)
	}
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	if l.shouldLog(INFO) {
		l.logf(INFO, msg, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.shouldLog(WARN) {
		l.logf(WARN, msg, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logf(ERROR, msg, args...)
	}
}

// ErrorWithErr logs msg followed by err.
func (l *Logger) ErrorWithErr(msg string, err error, args ...interface{}) {
	if l.shouldLog(ERROR) {
		args = append(args, err)
		l.logf(ERROR, msg+" - %v", args...)
	}
}

// Fatal logs and exits with code 1.
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if l.shouldLog(FATAL) {
		l.logf(FATAL, msg, args...)
		exitFunc(1)
	}
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.shouldLog(DEBUG) {
		l.logWithFields(DEBUG, msg, fields...)
	}
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.shouldLog(INFO) {
		l.logWithFields(INFO, msg, fields...)
	}
}

// WarnWithFields logs a warning message with structured fields
func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.shouldLog(WARN) {
		l.logWithFields(WARN, msg, fields...)
	}
}

// ErrorWithFields logs an error message with structured fields
func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.shouldLog(ERROR) {
		l.logWithFields(ERROR, msg, fields...)
	}
}

// WithName returns a copy of the logger under another component name.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		level:  l.level,
		name:   name,
		fields: cloneFields(l.fields),
		ctx:    l.ctx,
	}
}

// WithField returns a copy of the logger carrying key=value on every line.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	out := l.WithName(l.name)
	out.fields[key] = value
	return out
}

// WithFields returns a copy of the logger carrying all fields on every line.
func (l *Logger) WithFields(fields ...LogField) *Logger {
	out := l.WithName(l.name)
	for _, f := range fields {
		out.fields[f.Key] = f.Value
	}
	return out
}

// WithContext returns a copy of the logger that extracts correlation ids from ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	out := l.WithName(l.name)
	out.ctx = ctx
	return out
}

func cloneFields(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

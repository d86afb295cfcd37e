package services

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects the logger's output encoding
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LogField represents a structured log field
type LogField struct {
	Key   string
	Value interface{}
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...LogField)
	Info(msg string, fields ...LogField)
	Warn(msg string, fields ...LogField)
	Error(msg string, err error, fields ...LogField)
	With(fields ...LogField) Logger
}

// StructuredLogger implements Logger as line-delimited JSON or, for local
// development, a plain key=value text format
type StructuredLogger struct {
	level      LogLevel
	format     LogFormat
	output     io.Writer
	baseFields map[string]interface{}
}

// NewStructuredLogger creates a new JSON structured logger
func NewStructuredLogger(level LogLevel, output io.Writer) *StructuredLogger {
	return NewLogger(level, LogFormatJSON, output)
}

// NewLogger creates a logger with an explicit output format
func NewLogger(level LogLevel, format LogFormat, output io.Writer) *StructuredLogger {
	if output == nil {
		output = os.Stdout
	}
	if format != LogFormatText {
		format = LogFormatJSON
	}

	return &StructuredLogger{
		level:      level,
		format:     format,
		output:     output,
		baseFields: make(map[string]interface{}),
	}
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger() *StructuredLogger {
	return NewStructuredLogger(LogLevelInfo, os.Stdout)
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(msg string, fields ...LogField) {
	if l.shouldLog(LogLevelDebug) {
		l.log(LogLevelDebug, msg, nil, fields...)
	}
}

// Info logs an info message
func (l *StructuredLogger) Info(msg string, fields ...LogField) {
	if l.shouldLog(LogLevelInfo) {
		l.log(LogLevelInfo, msg, nil, fields...)
	}
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(msg string, fields ...LogField) {
	if l.shouldLog(LogLevelWarn) {
		l.log(LogLevelWarn, msg, nil, fields...)
	}
}

// Error logs an error message
func (l *StructuredLogger) Error(msg string, err error, fields ...LogField) {
	if l.shouldLog(LogLevelError) {
		l.log(LogLevelError, msg, err, fields...)
	}
}

// With creates a new logger with additional base fields
func (l *StructuredLogger) With(fields ...LogField) Logger {
	newFields := make(map[string]interface{}, len(l.baseFields)+len(fields))
	for k, v := range l.baseFields {
		newFields[k] = v
	}
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}

	return &StructuredLogger{
		level:      l.level,
		format:     l.format,
		output:     l.output,
		baseFields: newFields,
	}
}

// log writes a log entry
func (l *StructuredLogger) log(level LogLevel, msg string, err error, fields ...LogField) {
	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   msg,
		Fields:    make(map[string]interface{}),
	}

	for k, v := range l.baseFields {
		entry.Fields[k] = v
	}
	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	if l.format == LogFormatText {
		fmt.Fprintln(l.output, formatText(entry))
		return
	}

	data, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		log.Printf("Failed to marshal log entry: %v", marshalErr)
		log.Printf("[%s] %s: %v", level, msg, err)
		return
	}

	fmt.Fprintln(l.output, string(data))
}

// formatText renders one entry as "timestamp LEVEL message key=value ..."
// with fields in stable order
func formatText(entry LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", entry.Timestamp, strings.ToUpper(string(entry.Level)), entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}

	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%q", entry.Error)
	}
	return b.String()
}

// shouldLog determines if a message should be logged based on level
func (l *StructuredLogger) shouldLog(level LogLevel) bool {
	order := map[LogLevel]int{
		LogLevelDebug: 0,
		LogLevelInfo:  1,
		LogLevelWarn:  2,
		LogLevelError: 3,
	}

	current, ok := order[l.level]
	if !ok {
		current = order[LogLevelInfo]
	}
	message, ok := order[level]
	if !ok {
		message = order[LogLevelInfo]
	}

	return message >= current
}

// ParseLogFormat parses a log format string; anything but "text" means JSON
func ParseLogFormat(format string) LogFormat {
	if format == "text" {
		return LogFormatText
	}
	return LogFormatJSON
}

// ParseLogLevel parses a log level string
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// String field helper
func String(key, value string) LogField {
	return LogField{Key: key, Value: value}
}

// Int field helper
func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value}
}

// Int64 field helper
func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value}
}

// Float64 field helper
func Float64(key string, value float64) LogField {
	return LogField{Key: key, Value: value}
}

// Duration field helper
func Duration(key string, value time.Duration) LogField {
	return LogField{Key: key, Value: value.String()}
}

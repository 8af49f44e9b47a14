package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// ANSI color codes used when color output is enabled.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger provides formatted console logging with optional color output,
// a verbose tier, and JSON-RPC message tracing.
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a logger writing to stdout.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
// Used by tests to capture output.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
	}
}

// SetVerbose toggles verbose output at runtime.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// SetWriter changes the output destination.
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

func (l *Logger) logf(color, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.useColor && color != "" {
		fmt.Fprintf(l.writer, "%s%s%s%s\n", color, prefix, msg, colorReset)
	} else {
		fmt.Fprintf(l.writer, "%s%s\n", prefix, msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(colorBlue, "", format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.logf(colorGreen, "", format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.logf(colorYellow, "Warning: ", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(colorRed, "Error: ", format, args...)
}

// Debug logs a message only when verbose mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.logf(colorGray, "", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.logf(colorBlue, "", format, args...)
}

// WarningVerbose logs a warning message only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.logf(colorYellow, "Warning: ", format, args...)
}

// Request logs an outgoing JSON-RPC request when JSON-RPC tracing is enabled.
func (l *Logger) Request(method string, params interface{}) {
	if l == nil || !l.jsonRPCMode {
		return
	}
	l.logf(colorCyan, "--> ", "%s %s", method, compactJSON(params))
}

// Response logs an incoming JSON-RPC response when JSON-RPC tracing is enabled.
func (l *Logger) Response(method string, result interface{}) {
	if l == nil || !l.jsonRPCMode {
		return
	}
	l.logf(colorCyan, "<-- ", "%s %s", method, compactJSON(result))
}

// Notification logs an incoming JSON-RPC notification.
func (l *Logger) Notification(method string, params interface{}) {
	if l == nil {
		return
	}
	l.logf(colorCyan, "<-- (notification) ", "%s %s", method, compactJSON(params))
}

func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}

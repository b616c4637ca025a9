package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Logger provides basic diagnostic logging to the toolmux data folder.
//
// Output goes to logs/toolmux.log and is mirrored to stderr. Nothing is ever
// written to stdout: stdout is reserved for protocol frames to the upstream
// client.
type Logger struct {
	logFile *os.File
	logger  *log.Logger
	debug   bool
}

// NewLogger creates a new logger instance that writes to <data-dir>/logs/toolmux.log.
func NewLogger() (*Logger, error) {
	logsDir, err := LogsDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	// Open log file (create if doesn't exist, append if exists).
	logPath := filepath.Join(logsDir, "toolmux.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := log.New(io.MultiWriter(logFile, os.Stderr), "", log.LstdFlags)

	return &Logger{
		logFile: logFile,
		logger:  logger,
		debug:   os.Getenv(EnvDebug) != "",
	}, nil
}

// NewStderrLogger returns a logger that writes to stderr only. Used as a
// fallback when the data directory is not writable.
func NewStderrLogger() *Logger {
	return &Logger{
		logger: log.New(os.Stderr, "", log.LstdFlags),
		debug:  os.Getenv(EnvDebug) != "",
	}
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// Info logs an info message.
func (l *Logger) Info(message string, args ...interface{}) {
	l.logger.Printf("[INFO] "+message, args...)
}

// Error logs an error message.
func (l *Logger) Error(message string, args ...interface{}) {
	l.logger.Printf("[ERROR] "+message, args...)
}

// Debug logs a debug message. Suppressed unless TOOLMUX_DEBUG is set.
func (l *Logger) Debug(message string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.logger.Printf("[DEBUG] "+message, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, args ...interface{}) {
	l.logger.Printf("[WARN] "+message, args...)
}

// Global logger instance.
var globalLogger *Logger

// InitializeLogger initializes the global logger. Falls back to stderr-only
// logging when the data directory cannot be created.
func InitializeLogger() error {
	logger, err := NewLogger()
	if err != nil {
		globalLogger = NewStderrLogger()
		return err
	}
	globalLogger = logger
	return nil
}

// CloseLogger closes the global logger.
func CloseLogger() error {
	if globalLogger != nil {
		return globalLogger.Close()
	}
	return nil
}

// LogInfo logs an info message using the global logger.
func LogInfo(message string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Info(message, args...)
	}
}

// LogError logs an error message using the global logger.
func LogError(message string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Error(message, args...)
	}
}

// LogDebug logs a debug message using the global logger.
func LogDebug(message string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Debug(message, args...)
	}
}

// LogWarn logs a warning message using the global logger.
func LogWarn(message string, args ...interface{}) {
	if globalLogger != nil {
		globalLogger.Warn(message, args...)
	}
}

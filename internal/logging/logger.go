// Package logging provides categorized file-based logging for the CAG core.
// Each category writes to its own dated file under <dir>/logs. Logging is a
// silent no-op until Configure enables it, so library callers pay nothing in
// production mode.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and configuration
	CategoryCache       Category = "cache"       // Warm cache and cache warming
	CategoryContext     Category = "context"     // Context assembly and budgets
	CategoryClient      Category = "client"      // Knowledge client calls
	CategoryEngine      Category = "engine"      // Query orchestration
	CategoryPerformance Category = "performance" // Timings, slow operations
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Settings controls whether and how logs are written.
type Settings struct {
	Enabled    bool
	Dir        string          // Base directory; logs land in Dir/logs
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil means all categories enabled
	JSONFormat bool
}

// structuredEntry is the JSON line format when JSONFormat is set.
type structuredEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	settings   Settings
	settingsMu sync.RWMutex
	logsDir    string
	logLevel   int
)

// Configure applies logging settings. Call once at startup; safe to call
// again to reconfigure (open files are reused per category).
func Configure(s Settings) error {
	settingsMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	settingsMu.Unlock()

	if !s.Enabled {
		return nil
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	d := filepath.Join(dir, "logs")
	if err := os.MkdirAll(d, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	settingsMu.Lock()
	logsDir = d
	settingsMu.Unlock()

	Get(CategoryBoot).Info("=== CAG logging configured (level=%s json=%v) ===", s.Level, s.JSONFormat)
	return nil
}

// Enabled reports whether logging is enabled at all.
func Enabled() bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.Enabled
}

// categoryEnabled reports whether a specific category should be written.
func categoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if !settings.Enabled {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger when logging or the category is disabled.
func Get(category Category) *Logger {
	if !categoryEnabled(category) {
		return &Logger{category: category}
	}

	settingsMu.RLock()
	dir := logsDir
	settingsMu.RUnlock()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file for %s: %v\n", category, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// CloseAll closes all open log files.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
		delete(loggers, cat)
	}
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l.logger == nil || logLevel > level {
		return
	}
	msg := fmt.Sprintf(format, args...)

	settingsMu.RLock()
	jsonFormat := settings.JSONFormat
	settingsMu.RUnlock()

	if jsonFormat {
		entry := structuredEntry{
			Timestamp: time.Now().UnixMilli(),
			Category:  string(l.category),
			Level:     tag,
			Message:   msg,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s", tag, msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// =============================================================================
// Convenience helpers
// =============================================================================

func Cache(format string, args ...interface{})        { Get(CategoryCache).Info(format, args...) }
func CacheDebug(format string, args ...interface{})   { Get(CategoryCache).Debug(format, args...) }
func Context(format string, args ...interface{})      { Get(CategoryContext).Info(format, args...) }
func ContextDebug(format string, args ...interface{}) { Get(CategoryContext).Debug(format, args...) }
func Client(format string, args ...interface{})       { Get(CategoryClient).Info(format, args...) }
func ClientDebug(format string, args ...interface{})  { Get(CategoryClient).Debug(format, args...) }
func Engine(format string, args ...interface{})       { Get(CategoryEngine).Info(format, args...) }
func EngineDebug(format string, args ...interface{})  { Get(CategoryEngine).Debug(format, args...) }

// =============================================================================
// Operation timing
// =============================================================================

// Timer measures an operation's duration for the performance log.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// Package logging provides categorized file-based debug logging for the
// arena engine. Logs are written to <dir>/ with one file per category
// per day. When debug mode is off every call is a no-op; the zap logger
// at the server edge is the production log surface.
package logging

import (
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
	CategoryBoot     Category = "boot"     // startup and wiring
	CategoryBattle   Category = "battle"   // tournament state machine
	CategoryVote     Category = "vote"     // vote processing, CAS retries
	CategoryDispatch Category = "dispatch" // generation fan-out, prefetch
	CategoryStream   Category = "stream"   // frame multiplexing
	CategoryStore    Category = "store"    // shared store operations
	CategoryAPI      Category = "api"      // backend API calls
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Settings controls the logging subsystem. Zero value means disabled.
type Settings struct {
	Enabled bool
	Dir     string
	Level   string // debug|info|warn|error
}

// Logger writes to one category's file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	settings Settings
	logLevel = LevelInfo
)

// Configure installs the logging settings. Call once at startup, before
// any Get; safe to call again on config reload.
func Configure(s Settings) error {
	mu.Lock()
	defer mu.Unlock()

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

	if !s.Enabled {
		return nil
	}
	if s.Dir == "" {
		return fmt.Errorf("logging enabled but no directory configured")
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

// SetLevel adjusts the level at runtime (config hot-reload path).
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	settings.Level = level
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when debug mode is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if !settings.Enabled {
		mu.RUnlock()
		return &Logger{category: category}
	}
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(settings.Dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", logPath, err)
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

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error. Always written if the file is open.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions. No-ops when the subsystem is disabled.

func Boot(format string, args ...interface{})        { Get(CategoryBoot).Info(format, args...) }
func Battle(format string, args ...interface{})      { Get(CategoryBattle).Info(format, args...) }
func BattleDebug(format string, args ...interface{}) { Get(CategoryBattle).Debug(format, args...) }
func BattleError(format string, args ...interface{}) { Get(CategoryBattle).Error(format, args...) }
func Vote(format string, args ...interface{})        { Get(CategoryVote).Info(format, args...) }
func VoteDebug(format string, args ...interface{})   { Get(CategoryVote).Debug(format, args...) }
func VoteWarn(format string, args ...interface{})    { Get(CategoryVote).Warn(format, args...) }
func Dispatch(format string, args ...interface{})    { Get(CategoryDispatch).Info(format, args...) }
func DispatchDebug(format string, args ...interface{}) {
	Get(CategoryDispatch).Debug(format, args...)
}
func DispatchError(format string, args ...interface{}) {
	Get(CategoryDispatch).Error(format, args...)
}
func Stream(format string, args ...interface{})     { Get(CategoryStream).Debug(format, args...) }
func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreError(format string, args ...interface{}) { Get(CategoryStore).Error(format, args...) }
func API(format string, args ...interface{})        { Get(CategoryAPI).Info(format, args...) }
func APIError(format string, args ...interface{})   { Get(CategoryAPI).Error(format, args...) }

// Timer helps measure operation duration.
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

package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

// Logger provides level-based logging functionality
type Logger struct {
	debugEnabled bool
	infoLogger   *log.Logger
	debugLogger  *log.Logger
}

// Global logger instance. defaultOnce lazily installs a stderr logger with
// debug off so Info/Debug/Error never silently drop a message just because
// Initialize was never called — only the CLI entrypoint needs to call
// Initialize, and only to honor an explicit --debug flag.
var (
	globalLogger *Logger
	defaultOnce  sync.Once
)

// Initialize sets up the global logger with debug mode setting. All logging
// goes to stderr so it never interleaves with a workflow step's own
// stdout/stderr capture.
func Initialize(debugMode bool) {
	var output io.Writer = os.Stderr

	globalLogger = &Logger{
		debugEnabled: debugMode,
		infoLogger:   log.New(output, "", log.LstdFlags),
		debugLogger:  log.New(output, "", log.LstdFlags),
	}
}

func ensureInitialized() {
	defaultOnce.Do(func() {
		if globalLogger == nil {
			Initialize(false)
		}
	})
}

// Info logs informational messages (always shown)
func Info(format string, args ...interface{}) {
	ensureInitialized()
	globalLogger.infoLogger.Printf(format, args...)
}

// Debug logs debug messages (only shown when debug mode is enabled)
func Debug(format string, args ...interface{}) {
	ensureInitialized()
	if globalLogger.debugEnabled {
		globalLogger.debugLogger.Printf("DEBUG: "+format, args...)
	}
}

// Error logs error messages (always shown)
func Error(format string, args ...interface{}) {
	ensureInitialized()
	globalLogger.infoLogger.Printf("ERROR: "+format, args...)
}

// IsDebugEnabled returns true if debug logging is enabled
func IsDebugEnabled() bool {
	ensureInitialized()
	return globalLogger.debugEnabled
}

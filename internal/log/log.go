// Package log provides structured logging for report-agent.
// Lines carry a level, a category and key=value fields, and logging is
// conditionally enabled via --debug, REPORT_AGENT_DEBUG or log.path.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/MOMOJMOGG/report-agent/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelDebug, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups related log messages.
type Category string

const (
	CatBroker Category = "broker" // Message transport, delivery and cleanup loops
	CatCoord  Category = "coord"  // Pipeline state machine
	CatWorker Category = "worker" // Worker dispatch, retries, heartbeats
	CatConfig Category = "config" // Configuration loading/saving
	CatDB     Category = "db"     // Pipeline archive
	CatSched  Category = "sched"  // Cron-triggered pipeline starts
	CatTrace  Category = "trace"  // Tracing provider lifecycle
	CatCache  Category = "cache"  // cache operations
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string] // Pub/sub for log events
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

// InitWriter installs a logger that writes to w. Intended for tests and for
// piping log lines to stderr.
func InitWriter(w io.Writer) {
	defaultLogger = &Logger{
		writer:   w,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

// SafeGo runs fn in a new goroutine. A panic inside fn is logged with its
// stack under CatWorker instead of crashing the process.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatWorker, "goroutine panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if !defaultLogger.enabled || level < defaultLogger.minLevel {
		return
	}

	// Format: 2025-12-06T10:45:00 [ERROR] [broker] message key=value key2=value2
	timestamp := time.Now().Format("2006-01-02T15:04:05")
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", timestamp, level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	// Odd field count: orphan key with no value
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	entry := b.String()

	if defaultLogger.writer != nil {
		_, _ = defaultLogger.writer.Write([]byte(entry))
	}

	// Publish event to subscribers (non-blocking)
	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.Appended, entry)
	}
}

// LogEvent is a pubsub event containing a log entry.
type LogEvent = pubsub.Event[string]

// NewListener subscribes to log lines. The channel is closed when ctx is
// cancelled. Returns nil when logging has not been initialized.
func NewListener(ctx context.Context) <-chan LogEvent {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}

package logger

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/odeapay/vpos/infra/opensearch"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levelOrder = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// SystemLog represents a structured system log entry
type SystemLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Function  string         `json:"function,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	OrderID   string         `json:"order_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Service   string         `json:"service"`
}

// LogContext holds contextual information for logging
type LogContext struct {
	Provider string
	OrderID  string
	Fields   map[string]any
}

// SystemLogger handles structured logging to console and optionally OpenSearch
type SystemLogger struct {
	osClient *opensearch.Client
	minLevel LogLevel
	service  string
}

var (
	global   *SystemLogger
	globalMu sync.RWMutex
)

func init() {
	global = NewSystemLogger(nil, LevelInfo)
}

// NewSystemLogger creates a new system logger. A nil OpenSearch client keeps
// logging console-only.
func NewSystemLogger(osClient *opensearch.Client, minLevel LogLevel) *SystemLogger {
	if _, ok := levelOrder[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &SystemLogger{
		osClient: osClient,
		minLevel: minLevel,
		service:  "vpos",
	}
}

// SetGlobal replaces the process-wide logger used by the package-level funcs.
func SetGlobal(l *SystemLogger) {
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

func getGlobal() *SystemLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Debug logs a debug message through the global logger
func Debug(message string, ctx ...LogContext) { getGlobal().log(LevelDebug, message, nil, ctx...) }

// Info logs an info message through the global logger
func Info(message string, ctx ...LogContext) { getGlobal().log(LevelInfo, message, nil, ctx...) }

// Warn logs a warning message through the global logger
func Warn(message string, ctx ...LogContext) { getGlobal().log(LevelWarn, message, nil, ctx...) }

// Error logs an error message through the global logger
func Error(message string, err error, ctx ...LogContext) {
	getGlobal().log(LevelError, message, err, ctx...)
}

func (sl *SystemLogger) log(level LogLevel, message string, err error, ctx ...LogContext) {
	if levelOrder[level] < levelOrder[sl.minLevel] {
		return
	}

	entry := SystemLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Service:   sl.service,
	}

	if len(ctx) > 0 {
		entry.Provider = ctx[0].Provider
		entry.OrderID = ctx[0].OrderID
		entry.Fields = ctx[0].Fields
	}
	if err != nil {
		if entry.Fields == nil {
			entry.Fields = make(map[string]any)
		}
		entry.Fields["error"] = err.Error()
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		entry.Line = line
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			entry.File = file[idx+1:]
		} else {
			entry.File = file
		}
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if idx := strings.LastIndex(name, "."); idx >= 0 {
				entry.Function = name[idx+1:]
			}
		}
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("[%s] %s", strings.ToUpper(string(level)), message)
		return
	}
	log.SetOutput(os.Stdout)
	log.Println(string(data))

	if sl.osClient != nil {
		// Best-effort: losing a system log line must never fail the caller.
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sl.osClient.IndexDocument(ctxTimeout, "vpos-system-logs", "", string(data))
	}
}

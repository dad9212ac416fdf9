package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the severity of a log entry.
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel parses a level name, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatSelection Category = "selection"
	CatReader    Category = "reader"
	CatScenario  Category = "scenario"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single log entry kept in memory.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarizes the entries currently held.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a ring buffer and mirrors them to zap.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	zap      *zap.Logger
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init replaces the global logger. Entries below minLevel are dropped; the rest are kept in
// memory (up to maxEntries) and written as JSON to stderr.
func Init(maxEntries int, minLevel Level) {
	l := New(maxEntries, minLevel, os.Stderr)

	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// Get returns the global logger. Before Init it keeps entries in memory only.
func Get() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		global = New(1000, LevelDebug, nil)
	}
	return global
}

// New creates a logger. A nil writer disables the zap output.
func New(maxEntries int, minLevel Level, w io.Writer) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	zl := zap.NewNop()
	if w != nil {
		encoderConfig := zapcore.EncoderConfig{
			TimeKey:     "timestamp",
			LevelKey:    "level",
			MessageKey:  "message",
			NameKey:     "category",
			EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: zapcore.LowercaseLevelEncoder,
			EncodeName:  zapcore.FullNameEncoder,
		}
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig),
			zapcore.AddSync(w),
			minLevel.zapLevel(),
		)
		zl = zap.New(core)
	}

	return &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
		zap:      zl,
	}
}

// Log records an entry.
func (l *Logger) Log(level Level, category Category, message string, data map[string]any) {
	if level < l.minLevel {
		return
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: category,
		Message:  message,
		Data:     data,
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	named := l.zap.Named(string(category))
	switch level {
	case LevelDebug:
		named.Debug(message, fields...)
	case LevelInfo:
		named.Info(message, fields...)
	case LevelWarn:
		named.Warn(message, fields...)
	default:
		named.Error(message, fields...)
	}
}

// ordered returns the held entries, oldest first. Caller holds l.mu.
func (l *Logger) ordered() []Entry {
	if !l.full {
		return l.entries[:l.next]
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// GetEntries returns up to limit entries, newest first, filtered by minimum level and
// category when given.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.ordered()
	out := make([]Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats returns counts of the held entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.ordered()
	s := Stats{
		Total:      len(all),
		Capacity:   len(l.entries),
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all held entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

// Sync flushes the zap output.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Debug logs to the global logger.
func Debug(category Category, message string, data map[string]any) {
	Get().Log(LevelDebug, category, message, data)
}

// Info logs to the global logger.
func Info(category Category, message string, data map[string]any) {
	Get().Log(LevelInfo, category, message, data)
}

// Warn logs to the global logger.
func Warn(category Category, message string, data map[string]any) {
	Get().Log(LevelWarn, category, message, data)
}

// Error logs to the global logger.
func Error(category Category, message string, data map[string]any) {
	Get().Log(LevelError, category, message, data)
}

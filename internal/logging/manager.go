package logging

import (
	"container/ring"
	"fmt"
	"sync"
	"time"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000

	// LogLevelDebug represents debug-level logs
	LogLevelDebug = "debug"
	// LogLevelInfo represents info-level logs
	LogLevelInfo = "info"
	// LogLevelWarn represents warning-level logs
	LogLevelWarn = "warn"
	// LogLevelError represents error-level logs
	LogLevelError = "error"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Manager handles log collection and buffering. Entries live in a
// fixed-size ring buffer; handlers receive each entry for streaming.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	handlers []func(LogEntry)
}

// NewManager creates a new logging manager
func NewManager() *Manager {
	return &Manager{
		buffer:   ring.New(MaxBufferSize),
		handlers: make([]func(LogEntry), 0),
	}
}

// AddHandler registers a callback invoked for every new entry.
func (m *Manager) AddHandler(fn func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Log adds a log entry to the buffer and notifies handlers.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := LogEntry{
		ID:        fmt.Sprintf("log-%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	m.mu.Unlock()

	for _, handler := range handlers {
		go handler(entry)
	}
}

// Debugf logs a formatted debug entry.
func (m *Manager) Debugf(source, format string, args ...interface{}) {
	m.Log(LogLevelDebug, source, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted info entry.
func (m *Manager) Infof(source, format string, args ...interface{}) {
	m.Log(LogLevelInfo, source, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning entry.
func (m *Manager) Warnf(source, format string, args ...interface{}) {
	m.Log(LogLevelWarn, source, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error entry.
func (m *Manager) Errorf(source, format string, args ...interface{}) {
	m.Log(LogLevelError, source, fmt.Sprintf(format, args...), nil)
}

// GetRecent returns the most recent log entries from the buffer
func (m *Manager) GetRecent(limit int, levelFilter, sourceFilter, room, sessionID string, since, until time.Time) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	logs := make([]LogEntry, 0, limit)
	count := 0

	m.buffer.Do(func(v interface{}) {
		if count >= limit {
			return
		}
		if v == nil {
			return
		}

		entry, ok := v.(LogEntry)
		if !ok {
			return
		}

		// Apply filters
		if levelFilter != "" && entry.Level != levelFilter {
			return
		}
		if sourceFilter != "" && entry.Source != sourceFilter {
			return
		}
		if !since.IsZero() && entry.Timestamp.Before(since) {
			return
		}
		if !until.IsZero() && entry.Timestamp.After(until) {
			return
		}
		if room != "" && getMetaString(entry.Metadata, "room") != room {
			return
		}
		if sessionID != "" && getMetaString(entry.Metadata, "session_id") != sessionID {
			return
		}

		logs = append(logs, entry)
		count++
	})

	// Reverse to get newest first
	for i := 0; i < len(logs)/2; i++ {
		logs[i], logs[len(logs)-1-i] = logs[len(logs)-1-i], logs[i]
	}

	return logs
}

func getMetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

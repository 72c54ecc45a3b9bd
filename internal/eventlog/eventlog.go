// Package eventlog keeps a bounded in-memory log of notable server
// events. Management clients poll it through the query API, so every
// entry carries a monotonically increasing ID they can resume from.
package eventlog

import (
	"sync"
	"time"

	"github.com/sentinelfleet/sentinel/pkg/debug"
)

// Level classifies the severity of a log entry.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Entry is a single logged event.
type Entry struct {
	ID        int       `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultCapacity bounds the log; older entries are dropped first.
const DefaultCapacity = 1000

// Log is a fixed-capacity event log. Safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int
	cap     int
}

// New creates a log holding at most capacity entries. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{cap: capacity}
}

// Append records an event and returns its assigned ID.
func (l *Log) Append(level Level, message string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:        l.nextID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	l.nextID++

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}

	switch level {
	case LevelError:
		debug.Error("%s", message)
	case LevelWarning:
		debug.Warning("%s", message)
	default:
		debug.Info("%s", message)
	}

	return entry.ID
}

// Latest returns up to count entries, newest last. A non-positive count
// returns everything retained.
func (l *Log) Latest(count int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 || count > len(l.entries) {
		count = len(l.entries)
	}
	out := make([]Entry, count)
	copy(out, l.entries[len(l.entries)-count:])
	return out
}

// Since returns all retained entries with an ID strictly greater than
// afterID, oldest first.
func (l *Log) Since(afterID int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Entries are ordered by ID, so find the first one past afterID.
	idx := len(l.entries)
	for i, e := range l.entries {
		if e.ID > afterID {
			idx = i
			break
		}
	}

	out := make([]Entry, len(l.entries)-idx)
	copy(out, l.entries[idx:])
	return out
}

// LastID returns the highest ID assigned so far, or -1 if the log is
// still empty.
func (l *Log) LastID() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// Package joblog keeps the per-job conversion logs shown to the user.
package joblog

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ID identifies a registered log.
type ID int64

// Line is one entry of a job log.
type Line struct {
	Time time.Time
	Text string
}

type entry struct {
	label string
	lines []Line
}

// Logger stores log lines per registered job and mirrors them to slog.
type Logger struct {
	mu      sync.Mutex
	next    ID
	entries map[ID]*entry
	order   []ID
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Logger. Lines are mirrored to logger at debug level.
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		next:    1000,
		entries: make(map[ID]*entry),
		logger:  logger.With("component", "joblog"),
		now:     time.Now,
	}
}

// Register opens a new log with a human readable label.
func (l *Logger) Register(label string) ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	id := l.next
	l.entries[id] = &entry{label: label}
	l.order = append(l.order, id)
	return id
}

// Log appends text to log id. Multi-line text is split; trailing
// carriage returns from tool output are dropped. Unknown ids are ignored.
func (l *Logger) Log(id ID, text string) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	now := l.now()
	var added []string
	for _, s := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		s = strings.TrimRight(s, "\r")
		e.lines = append(e.lines, Line{Time: now, Text: s})
		added = append(added, s)
	}
	label := e.label
	l.mu.Unlock()

	for _, s := range added {
		l.logger.Debug(s, "log_id", int64(id), "label", label)
	}
}

// Lines returns a copy of the lines logged under id.
func (l *Logger) Lines(id ID) []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil
	}
	out := make([]Line, len(e.lines))
	copy(out, e.lines)
	return out
}

// Label returns the label id was registered with.
func (l *Logger) Label(id ID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return e.label
	}
	return ""
}

// IDs returns every registered id in registration order.
func (l *Logger) IDs() []ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ID, len(l.order))
	copy(out, l.order)
	return out
}

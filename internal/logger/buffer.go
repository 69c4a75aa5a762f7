package logger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a captured log entry.
type Entry struct {
	Time      time.Time     `json:"time"`
	Level     zerolog.Level `json:"-"`
	Component string        `json:"component,omitempty"`
	Message   string        `json:"message"`
	Error     string        `json:"error,omitempty"`
}

// Buffer is a fixed-size ring of recent log entries.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

// NewBuffer creates a buffer holding at most size entries.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Add appends an entry, overwriting the oldest one when full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Recent returns up to limit entries at or above minLevel, newest first, logged at
// or after since. A non-positive limit returns every match.
func (b *Buffer) Recent(limit int, minLevel zerolog.Level, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	var out []Entry
	for i := 0; i < b.count && len(out) < limit; i++ {
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if e.Level < minLevel || e.Time.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

var (
	captureMu sync.RWMutex
	capture   *Buffer
)

// Captured returns the buffer capturing log output, or nil when capture is
// disabled.
func Captured() *Buffer {
	captureMu.RLock()
	defer captureMu.RUnlock()
	return capture
}

// captureWriter decodes zerolog JSON lines into a Buffer.
type captureWriter struct {
	buf *Buffer
}

func newCapture(size int) *captureWriter {
	buf := NewBuffer(size)
	captureMu.Lock()
	capture = buf
	captureMu.Unlock()
	return &captureWriter{buf: buf}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *captureWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var line struct {
		Time      string `json:"time"`
		Component string `json:"component"`
		Message   string `json:"message"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		return len(p), nil
	}
	e := Entry{
		Time:      time.Now(),
		Level:     level,
		Component: line.Component,
		Message:   line.Message,
		Error:     line.Error,
	}
	if t, err := time.Parse(zerolog.TimeFieldFormat, line.Time); err == nil {
		e.Time = t
	}
	w.buf.Add(e)
	return len(p), nil
}

// Package console keeps a bounded in-memory history of a server's recent
// output lines so late subscribers can replay context.
package console

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the per-server line history when the config does
// not set one.
const DefaultCapacity = 10000

// Line is one captured console line.
type Line struct {
	Text   string    `json:"text"`
	Stream string    `json:"stream"`
	At     time.Time `json:"at"`
}

// Buffer is a fixed-capacity ring of lines. The zero value is not usable;
// construct with NewBuffer.
type Buffer struct {
	mu    sync.RWMutex
	lines []Line
	start int
	count int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]Line, capacity)}
}

// Append records a line, evicting the oldest once the ring is full.
func (b *Buffer) Append(l Line) {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < len(b.lines) {
		b.lines[(b.start+b.count)%len(b.lines)] = l
		b.count++
		return
	}
	b.lines[b.start] = l
	b.start = (b.start + 1) % len(b.lines)
}

// Tail returns the newest n lines in chronological order. n <= 0 or
// n >= Len returns everything retained.
func (b *Buffer) Tail(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]Line, n)
	first := (b.start + b.count - n) % len(b.lines)
	for i := 0; i < n; i++ {
		out[i] = b.lines[(first+i)%len(b.lines)]
	}
	return out
}

// Len reports the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear drops all retained lines.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
}

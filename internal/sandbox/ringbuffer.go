package sandbox

import (
	"strings"
	"sync"
)

// RingBuffer keeps the last N output lines of a session. When full, the
// oldest line is overwritten.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	head  int // where the next write goes
	size  int
	cap   int
}

// NewRingBuffer creates a ring buffer with the given capacity
// (default 2000 lines).
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &RingBuffer{lines: make([]string, capacity), cap: capacity}
}

// Write adds a line, overwriting the oldest one when full.
func (rb *RingBuffer) Write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.cap
	if rb.size < rb.cap {
		rb.size++
	}
}

// Lines returns the buffered lines, oldest first.
func (rb *RingBuffer) Lines() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	result := make([]string, rb.size)
	if rb.size < rb.cap {
		copy(result, rb.lines[:rb.size])
		return result
	}
	for i := 0; i < rb.size; i++ {
		result[i] = rb.lines[(rb.head+i)%rb.cap]
	}
	return result
}

// Tail returns at most n of the newest lines.
func (rb *RingBuffer) Tail(n int) []string {
	lines := rb.Lines()
	if n > 0 && len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

// Size returns the number of buffered lines.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum number of lines.
func (rb *RingBuffer) Capacity() int {
	return rb.cap
}

// Clear drops every line.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.size = 0
}

// lineSplitter turns arbitrary chunks into whole lines for a RingBuffer,
// carrying a partial line between chunks.
type lineSplitter struct {
	rb      *RingBuffer
	prefix  string
	pending strings.Builder
}

func (ls *lineSplitter) write(chunk string) {
	if ls.pending.Len() > 0 {
		chunk = ls.pending.String() + chunk
		ls.pending.Reset()
	}
	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx == -1 {
			ls.pending.WriteString(chunk)
			return
		}
		ls.rb.Write(ls.prefix + strings.TrimRight(chunk[:idx], "\r"))
		chunk = chunk[idx+1:]
	}
}

func (ls *lineSplitter) flush() {
	if ls.pending.Len() > 0 {
		ls.rb.Write(ls.prefix + strings.TrimRight(ls.pending.String(), "\r"))
		ls.pending.Reset()
	}
}

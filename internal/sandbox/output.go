package sandbox

import (
	"context"
	"io"
	"sync"
	"unicode/utf8"
)

// OutputStream is an ordered, append-only sequence of output chunks from one
// process. Any number of readers may follow it independently; each sees the
// chunks in write order. Only the newest maxChunks are retained, so a reader
// that falls far behind skips ahead.
type OutputStream struct {
	mu     sync.Mutex
	chunks []string
	base   int // sequence number of chunks[0]
	max    int
	closed bool
	notify chan struct{}
}

// NewOutputStream creates a stream retaining up to maxChunks chunks
// (default 4096).
func NewOutputStream(maxChunks int) *OutputStream {
	if maxChunks <= 0 {
		maxChunks = 4096
	}
	return &OutputStream{max: maxChunks, notify: make(chan struct{})}
}

// Write appends p as one chunk. Invalid UTF-8 is replaced so chunks can be
// sent as JSON.
func (s *OutputStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := sanitizeUTF8(string(p))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.chunks = append(s.chunks, chunk)
	if len(s.chunks) > s.max {
		drop := len(s.chunks) - s.max
		s.chunks = append([]string(nil), s.chunks[drop:]...)
		s.base += drop
	}
	close(s.notify)
	s.notify = make(chan struct{})
	return len(p), nil
}

// Close marks the end of output. Readers drain what is left and then get
// io.EOF.
func (s *OutputStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// String returns all retained output concatenated.
func (s *OutputStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	buf := make([]byte, 0, n)
	for _, c := range s.chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}

// Reader returns a reader positioned at the oldest retained chunk.
func (s *OutputStream) Reader() *OutputReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &OutputReader{s: s, next: s.base}
}

// OutputReader follows an OutputStream.
type OutputReader struct {
	s    *OutputStream
	next int
}

// Next returns the next chunk, waiting for one if necessary. It returns
// io.EOF once the stream is closed and drained, or ctx's error.
func (r *OutputReader) Next(ctx context.Context) (string, error) {
	for {
		r.s.mu.Lock()
		if r.next < r.s.base {
			r.next = r.s.base
		}
		if idx := r.next - r.s.base; idx < len(r.s.chunks) {
			chunk := r.s.chunks[idx]
			r.next++
			r.s.mu.Unlock()
			return chunk, nil
		}
		if r.s.closed {
			r.s.mu.Unlock()
			return "", io.EOF
		}
		wait := r.s.notify
		r.s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// sanitizeUTF8 replaces invalid bytes with U+FFFD.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	result := make([]rune, 0, len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		result = append(result, r)
		s = s[size:]
	}
	return string(result)
}

package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

// Stream identifies which pipe a chunk came from
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// maxLineBytes caps a single buffered line, same limit as the scanner buffers
// used for agent output elsewhere.
const maxLineBytes = 1024 * 1024

// Chunk is one line of process output
type Chunk struct {
	Seq    int       `json:"seq"`
	Stream Stream    `json:"stream"`
	Line   string    `json:"line"`
	At     time.Time `json:"at"`
}

// Buffer retains process output up to a byte limit, dropping the oldest
// chunks once the limit is exceeded.
type Buffer struct {
	mu        sync.Mutex
	chunks    []Chunk
	base      int
	bytes     int
	limit     int
	truncated bool
	closed    bool
	changed   chan struct{}
}

// NewBuffer creates a buffer retaining at most limit bytes of output.
// A limit <= 0 means unbounded.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit, changed: make(chan struct{})}
}

func (b *Buffer) append(stream Stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.chunks = append(b.chunks, Chunk{
		Seq:    b.base + len(b.chunks),
		Stream: stream,
		Line:   line,
		At:     time.Now(),
	})
	b.bytes += len(line)
	for b.limit > 0 && b.bytes > b.limit && len(b.chunks) > 1 {
		b.bytes -= len(b.chunks[0].Line)
		b.chunks = b.chunks[1:]
		b.base++
		b.truncated = true
	}
	close(b.changed)
	b.changed = make(chan struct{})
}

// Close marks the end of output. Cursors drain what is left and stop.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

// Closed reports whether the process finished writing
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Truncated reports whether earlier chunks were dropped
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Lines returns the retained lines of one stream, or of both when stream is empty
func (b *Buffer) Lines(stream Stream) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := make([]string, 0, len(b.chunks))
	for _, c := range b.chunks {
		if stream == "" || c.Stream == stream {
			lines = append(lines, c.Line)
		}
	}
	return lines
}

// Text joins the retained lines of a stream with newlines
func (b *Buffer) Text(stream Stream) string {
	return strings.Join(b.Lines(stream), "\n")
}

// Cursor returns a new reader positioned at the first retained chunk
func (b *Buffer) Cursor() *Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Cursor{buf: b, next: b.base}
}

// Cursor walks a Buffer from the start. It can only move forward; a fresh
// cursor is needed to read from the beginning again.
type Cursor struct {
	buf     *Buffer
	next    int
	skipped bool
}

// Next blocks until the next chunk is available. It returns false once the
// buffer is closed and drained, or when ctx is done.
func (c *Cursor) Next(ctx context.Context) (Chunk, bool) {
	for {
		b := c.buf
		b.mu.Lock()
		if c.next < b.base {
			c.next = b.base
			c.skipped = true
		}
		if idx := c.next - b.base; idx < len(b.chunks) {
			chunk := b.chunks[idx]
			c.next++
			b.mu.Unlock()
			return chunk, true
		}
		if b.closed {
			b.mu.Unlock()
			return Chunk{}, false
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Chunk{}, false
		}
	}
}

// Skipped reports whether chunks were dropped before this cursor reached them
func (c *Cursor) Skipped() bool {
	return c.skipped
}

// lineWriter splits written bytes into lines and appends them to a Buffer.
// It is used as cmd.Stdout / cmd.Stderr so exec owns the copy goroutines.
type lineWriter struct {
	mu      sync.Mutex
	buf     *Buffer
	stream  Stream
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) >= maxLineBytes {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.buf.append(w.stream, string(bytes.TrimRight(line, "\r")))
}

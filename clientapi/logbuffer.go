package clientapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const logBufferCapacity = 512

// ring is a fixed-size buffer of formatted log lines shared by every
// handler derived from the same LogBuffer.
type ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func (rb *ring) record(r slog.Record) {
	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	rb.mu.Lock()
	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.next == 0 {
		rb.full = true
	}
	rb.mu.Unlock()
}

func (rb *ring) recent() []string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		return append([]string(nil), rb.lines[:rb.next]...)
	}
	out := make([]string, 0, len(rb.lines))
	out = append(out, rb.lines[rb.next:]...)
	out = append(out, rb.lines[:rb.next]...)
	return out
}

// LogBuffer is a slog.Handler that tees records into a shared ring of
// formatted lines, served by the /get_logs/v1 endpoint. It wraps an inner
// handler so normal log output is unaffected.
type LogBuffer struct {
	inner slog.Handler
	ring  *ring
}

// NewLogBuffer wraps inner with ring-buffer capture.
func NewLogBuffer(inner slog.Handler) *LogBuffer {
	return &LogBuffer{inner: inner, ring: &ring{lines: make([]string, logBufferCapacity)}}
}

// Enabled implements slog.Handler.
func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return b.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (b *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	b.ring.record(r)
	return b.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler; derived handlers feed the same ring.
func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogBuffer{inner: b.inner.WithAttrs(attrs), ring: b.ring}
}

// WithGroup implements slog.Handler.
func (b *LogBuffer) WithGroup(name string) slog.Handler {
	return &LogBuffer{inner: b.inner.WithGroup(name), ring: b.ring}
}

// Recent returns the buffered lines, oldest first.
func (b *LogBuffer) Recent() []string {
	return b.ring.recent()
}

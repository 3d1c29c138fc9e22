// Package ring implements a bounded, single-writer/many-reader circular byte
// buffer that tracks a monotonically increasing absolute offset. Many
// readers can subscribe to the same stream and each resume from an
// arbitrary historical offset after a reconnect; a sync.Cond wakes every
// waiter whenever new bytes land or the stream closes.
package ring

import (
	"sync"
	"time"
)

// Buffer is a fixed-capacity circular byte store with offset tracking.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	storage  []byte

	// totalWritten is the number of bytes ever appended, i.e. the absolute
	// offset just past the last byte written so far.
	totalWritten uint64
	closed       bool
}

// New creates a Buffer with the given capacity in bytes. Capacity must be
// positive.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer{
		capacity: capacity,
		storage:  make([]byte, capacity),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append adds bytes to the buffer. If the incoming slice is larger than the
// buffer's capacity, only the last capacity bytes are retained. Append never
// blocks and never fails; it wakes every blocked reader.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		// Writers must not append after Close. Ignored defensively rather
		// than panicking: the supervisor's read loop and reaper run
		// concurrently and a last stray read could race a Close call.
		return
	}

	if len(p) >= b.capacity {
		// Only the last capacity bytes survive. They must still land at the
		// storage slots their absolute offsets map to (offset % capacity),
		// not at storage[0:capacity], or later copyRange reads (which index
		// by that same modulo) would return bytes in the wrong order.
		tail := p[len(p)-b.capacity:]
		newTotalWritten := b.totalWritten + uint64(len(p))
		start := int((newTotalWritten - uint64(b.capacity)) % uint64(b.capacity))
		n := copy(b.storage[start:], tail)
		if n < len(tail) {
			copy(b.storage, tail[n:])
		}
		b.totalWritten = newTotalWritten
		b.cond.Broadcast()
		return
	}

	start := int(b.totalWritten % uint64(b.capacity))
	n := copy(b.storage[start:], p)
	if n < len(p) {
		copy(b.storage, p[n:])
	}
	b.totalWritten += uint64(len(p))
	b.cond.Broadcast()
}

// Close marks the buffer closed: no further Append calls will have any
// effect and all blocked readers are released. Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// TotalWritten returns the number of bytes ever appended.
func (b *Buffer) TotalWritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalWritten
}

// lowWaterMark returns the oldest offset still available. Caller must hold mu.
func (b *Buffer) lowWaterMark() uint64 {
	if b.totalWritten <= uint64(b.capacity) {
		return 0
	}
	return b.totalWritten - uint64(b.capacity)
}

// copyRange copies up to maxBytes bytes starting at absolute offset begin.
// Caller must hold mu and begin must be within [lowWaterMark, totalWritten].
func (b *Buffer) copyRange(begin uint64, maxBytes int) []byte {
	avail := b.totalWritten - begin
	n := int(avail)
	if maxBytes > 0 && n > maxBytes {
		n = maxBytes
	}
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	start := int(begin % uint64(b.capacity))
	copied := copy(out, b.storage[start:])
	if copied < n {
		copy(out[copied:], b.storage[:n-copied])
	}
	return out
}

// ReadFrom blocks until there is data at or after begin, the buffer closes,
// or deadline fires, whichever happens first. deadline is typically the
// result of time.After; a nil deadline waits indefinitely.
//
// It returns the absolute offset the returned data actually starts at
// (always >= begin), the data itself, and whether the stream is now known
// to be permanently closed with no more data past what was requested.
func (b *Buffer) ReadFrom(begin uint64, maxBytes int, deadline <-chan time.Time) (startOffset uint64, data []byte, eof bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if begin >= b.totalWritten && !b.closed {
		if deadline == nil {
			for begin >= b.totalWritten && !b.closed {
				b.cond.Wait()
			}
		} else {
			done := make(chan struct{})
			timedOut := false
			go func() {
				select {
				case <-deadline:
					b.mu.Lock()
					timedOut = true
					b.cond.Broadcast()
					b.mu.Unlock()
				case <-done:
				}
			}()

			for begin >= b.totalWritten && !b.closed && !timedOut {
				b.cond.Wait()
			}
			close(done)

			if timedOut && begin >= b.totalWritten && !b.closed {
				return b.totalWritten, nil, false
			}
		}
	}

	if b.closed && begin >= b.totalWritten {
		return b.totalWritten, nil, true
	}

	effectiveBegin := begin
	if lwm := b.lowWaterMark(); effectiveBegin < lwm {
		effectiveBegin = lwm
	}
	data = b.copyRange(effectiveBegin, maxBytes)
	return effectiveBegin, data, false
}

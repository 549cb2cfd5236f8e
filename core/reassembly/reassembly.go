// Package reassembly rebuilds length-prefixed frames that arrive split
// across several notifications or serial reads.
//
// Each source (a peripheral address, or a serial port name) has its own
// byte buffer. Bytes are appended as they arrive and complete frames are
// cut from the front. Garbage before a frame magic is skipped, and a buffer
// that stays incomplete longer than the timeout is discarded so a lost
// chunk cannot wedge the stream.
package reassembly

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openmesh/meshchat-go/core/codec"
)

const (
	// DefaultTimeout is how long a partial frame may wait for its remaining
	// bytes before it is discarded.
	DefaultTimeout = 5 * time.Second

	// maxBuffered caps the bytes held per source.
	maxBuffered = 2 * (codec.MaxFramePayload + codec.FrameOverhead)
)

// Config configures a Reassembler.
type Config struct {
	// Timeout for incomplete frames. Default: 5 seconds.
	Timeout time.Duration

	// Logger for reassembly events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type buffer struct {
	data    []byte
	updated time.Time
}

// Reassembler collects chunks per source and emits complete frame payloads.
// It is safe for concurrent use.
type Reassembler struct {
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*buffer

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Reassembler.
func New(cfg Config) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{
		timeout: cfg.Timeout,
		log:     logger.WithGroup("reassembly"),
		pending: make(map[string]*buffer),
		nowFn:   time.Now,
	}
}

// Feed appends chunk to the buffer for source and returns the payloads of
// every frame completed by it, in order.
func (r *Reassembler) Feed(source string, chunk []byte) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	r.expire(now)

	buf, ok := r.pending[source]
	if !ok {
		buf = &buffer{}
		r.pending[source] = buf
	}
	buf.data = append(buf.data, chunk...)
	buf.updated = now

	var out [][]byte
	for len(buf.data) > 0 {
		payload, rest, err := codec.DecodeFrame(buf.data)
		switch {
		case err == nil:
			out = append(out, payload)
			buf.data = rest
			continue
		case errors.Is(err, codec.ErrFrameTooShort), errors.Is(err, codec.ErrIncompleteFrame):
			if len(buf.data) > maxBuffered {
				r.log.Warn("reassembly buffer overflow", "source", source, "bytes", len(buf.data))
				buf.data = nil
			}
		default:
			// Skip past the bad magic and resynchronize on the next one.
			next := codec.FindFrameStart(buf.data[1:])
			r.log.Debug("dropping bytes before next frame", "source", source, "error", err)
			if next < 0 {
				buf.data = keepTail(buf.data)
			} else {
				buf.data = buf.data[1+next:]
			}
			continue
		}
		break
	}

	if len(buf.data) == 0 {
		delete(r.pending, source)
	}
	return out
}

// keepTail keeps a trailing first magic byte, which may be completed by
// the next chunk.
func keepTail(data []byte) []byte {
	if last := data[len(data)-1]; last == byte(codec.FrameMagic>>8) {
		return []byte{last}
	}
	return nil
}

func (r *Reassembler) expire(now time.Time) {
	for source, buf := range r.pending {
		if now.Sub(buf.updated) > r.timeout {
			r.log.Debug("discarding stale partial frame", "source", source, "bytes", len(buf.data))
			delete(r.pending, source)
		}
	}
}

// Reset discards any partial frame held for source, e.g. after a disconnect.
func (r *Reassembler) Reset(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, source)
}

// PendingCount returns the number of sources with a partial frame buffered.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Clear discards all partial frames.
func (r *Reassembler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.pending)
}

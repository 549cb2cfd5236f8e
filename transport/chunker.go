package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/openmesh/meshchat-go/core/codec"
)

// FrameWriter performs one write-with-response of a single frame.
type FrameWriter func(ctx context.Context, frame []byte) error

// Chunker splits a payload into MTU-sized frames and writes them one at a
// time, pausing Delay between frames. Frame N+1 is written only after
// frame N's writer returns; a failed frame stops the write without
// rolling back earlier frames.
type Chunker struct {
	MTU   int
	Delay time.Duration
	// Sleep waits between frames. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewChunker returns a Chunker with the default MTU and frame delay.
func NewChunker() Chunker {
	return Chunker{MTU: DefaultMTU, Delay: DefaultFrameDelay}
}

// Write sends data through write and returns how many frames were written.
// Errors wrap ErrWriteFailed.
func (c Chunker) Write(ctx context.Context, data []byte, write FrameWriter) (int, error) {
	mtu := c.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	frames := codec.SplitFrames(data, mtu)
	for i, frame := range frames {
		if i > 0 && c.Delay > 0 {
			if err := sleep(ctx, c.Delay); err != nil {
				return i, fmt.Errorf("%w: frame %d/%d: %w", ErrWriteFailed, i+1, len(frames), err)
			}
		}
		if err := write(ctx, frame); err != nil {
			return i, fmt.Errorf("%w: frame %d/%d: %w", ErrWriteFailed, i+1, len(frames), err)
		}
	}
	return len(frames), nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithDefaultTimeout applies d to ctx unless ctx already ends sooner.
func WithDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

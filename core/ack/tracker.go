// Package ack tracks outbound chat messages awaiting a delivery ack from
// the mesh.
//
// The gateway answers a delivered text_message with {"type":"ack",
// "message_id":...}. A Tracker holds the ids still waiting, fires OnACK when
// the ack arrives and OnTimeout when it never does. An optional Resend hook
// retries the send before giving up.
package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultACKTimeout is how long to wait for an ack per attempt.
	DefaultACKTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of resends after the first attempt.
	DefaultMaxRetries = 0

	// checkInterval is the resolution of the timeout check loop.
	checkInterval = time.Second
)

// Pending is an outbound message awaiting its ack.
type Pending struct {
	// OnACK is called when the ack arrives. May be nil.
	OnACK func()

	// OnTimeout is called once every attempt has timed out. May be nil.
	OnTimeout func()

	// Resend is called for each retry. May be nil (no retries).
	Resend func() error

	sentAt  time.Time
	retries int
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// ACKTimeout per attempt. Default: 30 seconds.
	ACKTimeout time.Duration

	// MaxRetries after the initial send. Default: 0. Negative values are
	// treated as 0.
	MaxRetries int

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks pending acks by message id.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	mu      sync.Mutex
	pending map[string]*Pending
	cancel  context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTracker creates an ack tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ACKTimeout <= 0 {
		cfg.ACKTimeout = DefaultACKTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("ack"),
		pending: make(map[string]*Pending),
		nowFn:   time.Now,
	}
}

// Track registers id as awaiting an ack. An existing entry for the same id
// is replaced without calling its callbacks.
func (t *Tracker) Track(id string, p Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.sentAt = t.nowFn()
	p.retries = 0
	t.pending[id] = &p
}

// Resolve marks id as acknowledged and calls its OnACK. It reports whether
// id was pending; late or duplicate acks return false.
func (t *Tracker) Resolve(id string) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok && p.OnACK != nil {
		p.OnACK()
	}
	return ok
}

// Cancel forgets id without calling any callbacks.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// IsPending reports whether id is still waiting for an ack.
func (t *Tracker) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// PendingCount returns the number of messages waiting for an ack.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start runs the timeout check loop until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// Stop ends the timeout check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// checkTimeouts resends or expires entries whose attempt has timed out.
// Callbacks run outside the lock.
func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	var resend, expired map[string]*Pending
	for id, p := range t.pending {
		if now.Sub(p.sentAt) < t.cfg.ACKTimeout {
			continue
		}
		if p.retries < t.cfg.MaxRetries && p.Resend != nil {
			p.retries++
			p.sentAt = now
			if resend == nil {
				resend = make(map[string]*Pending)
			}
			resend[id] = p
			continue
		}
		if expired == nil {
			expired = make(map[string]*Pending)
		}
		expired[id] = p
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for id, p := range resend {
		if err := p.Resend(); err != nil {
			t.log.Warn("resend failed", "message_id", id, "attempt", p.retries, "error", err)
		} else {
			t.log.Debug("resent", "message_id", id, "attempt", p.retries)
		}
	}
	for id, p := range expired {
		t.log.Debug("ack timed out", "message_id", id, "retries", p.retries)
		if p.OnTimeout != nil {
			p.OnTimeout()
		}
	}
}

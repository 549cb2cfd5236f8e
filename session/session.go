// Package session drives a MeshChat client's connection to its gateway.
//
// A Session owns one transport.Link. It discovers and connects the gateway,
// asks it for device info, encodes outbound envelopes onto the link and
// decodes inbound notifications, dispatching them by message type to
// registered handlers on a single goroutine. Link drops move the session to
// Disconnected; reconnecting is an explicit call to Connect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmesh/meshchat-go/core/clock"
	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/reassembly"
	"github.com/openmesh/meshchat-go/transport"
)

var (
	// ErrAlreadyConnected is returned by Connect while a previous attempt
	// is scanning, connecting or connected.
	ErrAlreadyConnected = errors.New("session already connected or connecting")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
	// ErrNotConnected is transport.ErrNotConnected, re-exported for callers
	// that only import session.
	ErrNotConnected = transport.ErrNotConnected
)

// Handler receives one inbound envelope.
type Handler func(env codec.Envelope)

// StateHandler is called after every state change, outside the session lock.
type StateHandler func(from, to State)

// DropHandler is called when an established link is lost without a
// Disconnect call.
type DropHandler func(cause error)

// Config configures a Session.
type Config struct {
	// Service is the gateway's GATT layout. Default: transport.MeshChatService.
	Service transport.ServiceDescriptor

	// NameFilter selects advertisers whose name equals or starts with it.
	// Default: "MeshChat". Set AnyName to accept every advertiser of
	// Service instead.
	NameFilter string
	AnyName    bool

	// ScanTimeout, ConnectTimeout and WriteTimeout bound the link calls
	// when the caller's context has no earlier deadline.
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// Framing selects message delimiting. Default: FramingNone.
	Framing Framing

	// SkipHandshake disables the device_info request sent after connect.
	SkipHandshake bool

	// Clock stamps outbound envelopes and text fallbacks. Default: system clock.
	Clock *clock.Clock

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Session is a connection to one gateway over one Link.
type Session struct {
	link  transport.Link
	cfg   Config
	log   *slog.Logger
	clock *clock.Clock
	rx    *reassembly.Reassembler
	stats Counters

	mu            sync.Mutex
	state         State
	peer          transport.Peripheral
	onState       StateHandler
	onDrop        DropHandler
	cancelConnect context.CancelFunc
	closed        bool

	// linkConns counts link connections, reserved or established, whose
	// EventDisconnected has not been consumed yet. A disconnect event that
	// leaves it above zero belongs to an earlier connection.
	linkConns int

	// writeMu keeps one envelope's frames contiguous on the link.
	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[codec.MessageType][]handlerEntry
	catchAll []handlerEntry
	nextID   uint64

	done         chan struct{}
	dispatchDone chan struct{}
}

// New creates a Session over link and starts its dispatch goroutine.
// The session consumes link.Events() until Close.
func New(link transport.Link, cfg Config) *Session {
	if cfg.Service.IsZero() {
		cfg.Service = transport.MeshChatService
	}
	if cfg.NameFilter == "" && !cfg.AnyName {
		cfg.NameFilter = transport.DefaultNameFilter
	}
	if cfg.AnyName {
		cfg.NameFilter = ""
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = transport.DefaultScanTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = transport.DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		link:         link,
		cfg:          cfg,
		log:          logger.WithGroup("session"),
		clock:        cfg.Clock,
		rx:           reassembly.New(reassembly.Config{Logger: logger}),
		handlers:     make(map[codec.MessageType][]handlerEntry),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peripheral returns the connected gateway. The bool is false unless the
// session is Connected.
func (s *Session) Peripheral() (transport.Peripheral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.state == StateConnected
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// SetStateHandler sets the callback for state changes. Pass nil to clear.
func (s *Session) SetStateHandler(fn StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// SetDropHandler sets the callback for link losses the session did not
// ask for. A voluntary Disconnect does not invoke it. Pass nil to clear.
func (s *Session) SetDropHandler(fn DropHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// Connect scans for the gateway, connects, and requests device info. It
// fails with ErrAlreadyConnected unless the session is Idle or
// Disconnected. On failure the session returns to Idle.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.busy() {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	from := s.state
	s.state = StateScanning
	s.cancelConnect = cancel
	s.linkConns++
	cb := s.onState
	s.mu.Unlock()
	s.notifyState(cb, from, StateScanning)

	// The reservation stands only if the link connects, since a failed
	// link connect never emits EventDisconnected.
	linked := false
	defer func() {
		if !linked {
			s.mu.Lock()
			s.releaseConnLocked()
			s.mu.Unlock()
		}
	}()

	scanCtx, scanCancel := transport.WithDefaultTimeout(ctx, s.cfg.ScanTimeout)
	p, err := s.link.Scan(scanCtx, s.cfg.Service, s.cfg.NameFilter)
	scanCancel()
	if err != nil {
		s.abortConnect(StateScanning)
		s.log.Warn("scan failed", "error", err)
		return err
	}

	if !s.advance(StateScanning, StateConnecting) {
		return fmt.Errorf("%w: disconnected during scan", transport.ErrConnectionFailed)
	}

	connCtx, connCancel := transport.WithDefaultTimeout(ctx, s.cfg.ConnectTimeout)
	err = s.link.Connect(connCtx, p)
	connCancel()
	if err != nil {
		s.abortConnect(StateConnecting)
		s.log.Warn("connect failed", "peripheral", p.String(), "error", err)
		return err
	}
	linked = true
	s.rx.Reset(p.Address)

	s.mu.Lock()
	s.peer = p
	s.cancelConnect = nil
	s.mu.Unlock()
	if !s.advance(StateConnecting, StateConnected) {
		// Dropped or disconnected while the link was coming up.
		s.link.Disconnect()
		return fmt.Errorf("%w: link lost during setup", transport.ErrConnectionFailed)
	}
	s.log.Info("connected", "peripheral", p.String())

	if !s.cfg.SkipHandshake {
		req := codec.New(codec.Request{Action: codec.ActionDeviceInfo}, 0)
		if err := s.Send(ctx, req); err != nil {
			s.log.Warn("device info request failed", "error", err)
		}
	}
	return nil
}

// advance moves from -> to if the session is still in from.
func (s *Session) advance(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	cb := s.onState
	s.mu.Unlock()
	s.notifyState(cb, from, to)
	return true
}

// abortConnect returns a failed attempt to Idle unless Disconnect already
// moved the session on.
func (s *Session) abortConnect(at State) {
	s.mu.Lock()
	s.cancelConnect = nil
	s.mu.Unlock()
	s.advance(at, StateIdle)
}

// Send encodes env and writes it to the link. A zero Timestamp is set from
// the session clock. Send performs no link write unless the session is
// Connected.
func (s *Session) Send(ctx context.Context, env codec.Envelope) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if env.Timestamp == 0 {
		env.Timestamp = s.clock.Now()
	}
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if s.cfg.Framing == FramingLengthPrefixed {
		if data, err = codec.EncodeFrame(data); err != nil {
			return err
		}
	}

	ctx, cancel := transport.WithDefaultTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// The link may have dropped while waiting for the write lock.
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := s.link.Write(ctx, data); err != nil {
		s.stats.WriteErrors.Add(1)
		return err
	}
	s.stats.EnvelopesSent.Add(1)
	s.stats.BytesSent.Add(uint64(len(data)))
	s.log.Debug("sent", "type", env.Type, "bytes", len(data))
	return nil
}

// OnMessage registers h for envelopes of type t. Handlers for one type run
// in registration order. The returned func unregisters h.
func (s *Session) OnMessage(t codec.MessageType, h Handler) (unregister func()) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[t] = append(s.handlers[t], handlerEntry{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hmu.Lock()
			defer s.hmu.Unlock()
			s.handlers[t] = removeEntry(s.handlers[t], id)
			if len(s.handlers[t]) == 0 {
				delete(s.handlers, t)
			}
		})
	}
}

// OnAny registers h for every inbound envelope, after the typed handlers.
func (s *Session) OnAny(h Handler) (unregister func()) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.nextID++
	id := s.nextID
	s.catchAll = append(s.catchAll, handlerEntry{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.hmu.Lock()
			defer s.hmu.Unlock()
			s.catchAll = removeEntry(s.catchAll, id)
		})
	}
}

func removeEntry(entries []handlerEntry, id uint64) []handlerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Disconnect closes the link and leaves the session Disconnected. An
// in-flight Connect is cancelled. It is safe to call in any state.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	from := s.state
	s.state = StateDisconnected
	cancel := s.cancelConnect
	s.cancelConnect = nil
	cb := s.onState
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.link.Disconnect()
	if from != StateDisconnected {
		s.log.Info("disconnected", "from", from)
		s.notifyState(cb, from, StateDisconnected)
	}
	return err
}

// Close disconnects and stops the dispatch goroutine. The link itself is
// not closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Disconnect()
	close(s.done)
	<-s.dispatchDone
	return err
}

func (s *Session) notifyState(cb StateHandler, from, to State) {
	s.log.Debug("state", "from", from, "to", to)
	if cb != nil {
		cb(from, to)
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatchDone)
	events := s.link.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventNotification:
		s.stats.Notifications.Add(1)
		if s.cfg.Framing == FramingLengthPrefixed {
			for _, payload := range s.rx.Feed(ev.Source, ev.Data) {
				s.handlePayload(payload)
			}
			return
		}
		s.handlePayload(ev.Data)

	case transport.EventDisconnected:
		s.stats.Disconnects.Add(1)
		s.handleDrop(ev.Source, ev.Err)
	}
}

// releaseConnLocked consumes one link connection and reports whether it
// was the latest.
func (s *Session) releaseConnLocked() bool {
	if s.linkConns > 0 {
		s.linkConns--
	}
	return s.linkConns == 0
}

func (s *Session) handleDrop(source string, cause error) {
	s.mu.Lock()
	if !s.releaseConnLocked() {
		s.mu.Unlock()
		s.log.Debug("ignoring disconnect of a previous connection", "source", source)
		return
	}
	s.rx.Reset(source)
	from := s.state
	if from != StateConnected && from != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	cb, onDrop := s.onState, s.onDrop
	s.mu.Unlock()

	s.log.Warn("link lost", "from", from, "error", cause)
	s.notifyState(cb, from, StateDisconnected)
	// A drop while connecting is reported by Connect itself.
	if onDrop != nil && from == StateConnected {
		onDrop(cause)
	}
}

func (s *Session) handlePayload(data []byte) {
	res := codec.Decode(data, s.clock.Now())
	switch res.Outcome {
	case codec.OutcomeInvalidPayload:
		s.stats.InvalidPayloads.Add(1)
		s.log.Warn("dropping malformed envelope", "error", res.Err, "bytes", len(data))
		return
	case codec.OutcomeTextFallback:
		s.stats.TextFallbacks.Add(1)
		s.log.Debug("non-JSON notification", "text", string(data))
	case codec.OutcomeUnknownType:
		s.stats.UnknownTypes.Add(1)
	default:
		s.stats.Decoded.Add(1)
	}
	s.dispatch(res.Envelope)
}

func (s *Session) dispatch(env codec.Envelope) {
	s.hmu.RLock()
	typed := append([]handlerEntry(nil), s.handlers[env.Type]...)
	all := append([]handlerEntry(nil), s.catchAll...)
	s.hmu.RUnlock()

	if len(typed) == 0 {
		s.stats.Unhandled.Add(1)
		s.log.Debug("no handler", "type", env.Type)
	}
	for _, h := range typed {
		h.fn(env)
	}
	for _, h := range all {
		h.fn(env)
	}
}

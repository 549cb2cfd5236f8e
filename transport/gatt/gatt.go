// Package gatt implements transport.Link on top of a BLE central.
//
// The radio stack is abstracted as a Central that can scan, connect and
// report drops, and a Device that can subscribe to the inbound
// characteristic and write the outbound one. Backends (ble for tinygo
// bluetooth, bluez for BlueZ over D-Bus) provide those two pieces; this
// package owns scanning policy, timeouts, chunked writes and the event
// stream.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmesh/meshchat-go/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

// ErrConnectionLost is the disconnect cause when the radio reports a drop
// without one.
var ErrConnectionLost = errors.New("connection lost")

// Central is a BLE adapter in the central role.
type Central interface {
	// Scan reports advertisers of service to found until found returns
	// true or ctx is done. It returns ctx.Err() when ctx ends the scan.
	Scan(ctx context.Context, service string, found func(transport.Peripheral) bool) error
	// Connect opens a connection to p.
	Connect(ctx context.Context, p transport.Peripheral) (Device, error)
	// SetDropHandler registers a callback for connections lost without a
	// local Disconnect.
	SetDropHandler(fn func(address string, err error))
}

// Device is a connected peripheral.
type Device interface {
	// Subscribe resolves svc and enables notifications on svc.Inbound.
	// Missing UUIDs are reported as transport.ErrServiceNotFound.
	Subscribe(ctx context.Context, svc transport.ServiceDescriptor, notify func([]byte)) error
	// Write performs one write-with-response to svc.Outbound.
	Write(frame []byte) error
	// Disconnect closes the connection.
	Disconnect() error
}

// Config configures a Link.
type Config struct {
	// ScanTimeout bounds Scan. Default: 30 seconds.
	ScanTimeout time.Duration
	// ConnectTimeout bounds Connect. Default: 15 seconds.
	ConnectTimeout time.Duration
	// WriteTimeout bounds a whole Write. Default: 10 seconds.
	WriteTimeout time.Duration
	// MTU is the per-frame write budget. Default: 200 bytes.
	MTU int
	// FrameDelay separates frames of one Write. Default: 50ms. Negative
	// disables the delay.
	FrameDelay time.Duration
	// Sleep overrides the inter-frame wait (tests).
	Sleep func(ctx context.Context, d time.Duration) error
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Link is a transport.Link over a Central.
type Link struct {
	central Central
	cfg     Config
	log     *slog.Logger
	events  *transport.EventQueue
	drop    transport.DropGuard
	chunker transport.Chunker

	mu   sync.RWMutex
	dev  Device
	peer transport.Peripheral
	svc  transport.ServiceDescriptor
}

// New creates a Link over central.
func New(central Central, cfg Config) *Link {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = transport.DefaultScanTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = transport.DefaultWriteTimeout
	}
	if cfg.MTU <= 0 {
		cfg.MTU = transport.DefaultMTU
	}
	switch {
	case cfg.FrameDelay == 0:
		cfg.FrameDelay = transport.DefaultFrameDelay
	case cfg.FrameDelay < 0:
		cfg.FrameDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Link{
		central: central,
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("gatt"),
		events:  transport.NewEventQueue(),
		chunker: transport.Chunker{MTU: cfg.MTU, Delay: cfg.FrameDelay, Sleep: cfg.Sleep},
	}
	central.SetDropHandler(l.handleDrop)
	return l
}

// SetService sets the descriptor used by Connect. Scan records the
// descriptor it was given, so callers normally do not need this.
func (l *Link) SetService(svc transport.ServiceDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.svc = svc
}

// Scan returns the first advertiser of svc.Service whose name passes
// nameFilter. Later advertisements are ignored.
func (l *Link) Scan(ctx context.Context, svc transport.ServiceDescriptor, nameFilter string) (transport.Peripheral, error) {
	l.SetService(svc)

	ctx, cancel := transport.WithDefaultTimeout(ctx, l.cfg.ScanTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		match *transport.Peripheral
	)
	err := l.central.Scan(ctx, svc.Service, func(p transport.Peripheral) bool {
		mu.Lock()
		defer mu.Unlock()
		if match != nil {
			return true
		}
		if !transport.MatchName(p.Name, nameFilter) {
			l.log.Debug("ignoring advertiser", "name", p.Name, "address", p.Address)
			return false
		}
		match = &p
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	if match != nil {
		l.log.Info("found peripheral", "name", match.Name, "address", match.Address, "rssi", match.RSSI)
		return *match, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transport.Peripheral{}, fmt.Errorf("%w after %s", transport.ErrScanTimeout, l.cfg.ScanTimeout)
	case err != nil:
		return transport.Peripheral{}, err
	default:
		return transport.Peripheral{}, transport.ErrScanTimeout
	}
}

type connectResult struct {
	dev Device
	err error
}

// Connect opens p and subscribes to its inbound characteristic. On any
// failure the link is left disconnected.
func (l *Link) Connect(ctx context.Context, p transport.Peripheral) error {
	ctx, cancel := transport.WithDefaultTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	l.mu.RLock()
	svc := l.svc
	l.mu.RUnlock()
	if svc.IsZero() {
		svc = transport.MeshChatService
	}

	// Radio stacks may not honour ctx, so the connect runs aside and a
	// late success is torn down.
	ch := make(chan connectResult, 1)
	go func() {
		dev, err := l.central.Connect(ctx, p)
		ch <- connectResult{dev, err}
	}()

	var dev Device
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%w: %s: %w", transport.ErrConnectionFailed, p, res.err)
		}
		dev = res.dev
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				res.dev.Disconnect()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", transport.ErrConnectTimeout, p)
		}
		return ctx.Err()
	}

	l.mu.Lock()
	l.dev = dev
	l.peer = p
	l.mu.Unlock()
	l.drop.Arm()

	source := p.Address
	err := dev.Subscribe(ctx, svc, func(data []byte) {
		l.events.Push(transport.Event{
			Type:   transport.EventNotification,
			Data:   append([]byte(nil), data...),
			Source: source,
		})
	})
	if err != nil {
		l.release(dev)
		l.drop.Fire()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", transport.ErrConnectTimeout, p, err)
		}
		if errors.Is(err, transport.ErrServiceNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", transport.ErrConnectionFailed, p, err)
	}

	l.log.Info("connected", "peripheral", p.String())
	return nil
}

// Write sends data in MTU-sized frames with write-with-response.
func (l *Link) Write(ctx context.Context, data []byte) error {
	l.mu.RLock()
	dev := l.dev
	l.mu.RUnlock()
	if dev == nil {
		return transport.ErrNotConnected
	}

	ctx, cancel := transport.WithDefaultTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()

	n, err := l.chunker.Write(ctx, data, func(ctx context.Context, frame []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return dev.Write(frame)
	})
	if err != nil {
		l.log.Warn("write failed", "frames_written", n, "bytes", len(data), "error", err)
		return err
	}
	l.log.Debug("wrote", "frames", n, "bytes", len(data))
	return nil
}

// Events returns the link's event stream.
func (l *Link) Events() <-chan transport.Event {
	return l.events.C()
}

// Disconnect closes the connection, if any.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	dev := l.dev
	peer := l.peer
	l.dev = nil
	l.mu.Unlock()

	var err error
	if dev != nil {
		err = dev.Disconnect()
	}
	if l.drop.Fire() {
		l.events.Push(transport.Event{Type: transport.EventDisconnected, Source: peer.Address})
		l.log.Info("disconnected", "peripheral", peer.String())
	}
	return err
}

// IsConnected reports whether a peripheral is connected.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dev != nil
}

// Peripheral returns the connected peripheral, if any.
func (l *Link) Peripheral() (transport.Peripheral, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peer, l.dev != nil
}

// Close disconnects and stops the event stream.
func (l *Link) Close() error {
	err := l.Disconnect()
	l.events.Close()
	return err
}

// release clears dev if it is still current and disconnects it.
func (l *Link) release(dev Device) {
	l.mu.Lock()
	if l.dev == dev {
		l.dev = nil
	}
	l.mu.Unlock()
	if err := dev.Disconnect(); err != nil {
		l.log.Debug("disconnect after failed setup", "error", err)
	}
}

func (l *Link) handleDrop(address string, err error) {
	l.mu.Lock()
	if l.dev == nil || l.peer.Address != address {
		l.mu.Unlock()
		return
	}
	l.dev = nil
	l.mu.Unlock()

	if err == nil {
		err = ErrConnectionLost
	}
	if l.drop.Fire() {
		l.log.Warn("connection lost", "address", address, "error", err)
		l.events.Push(transport.Event{Type: transport.EventDisconnected, Source: address, Err: err})
	}
}

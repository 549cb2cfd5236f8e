// Package loopback provides an in-memory MeshChat gateway. It plays the
// peripheral side of the link: it advertises the MeshChat service, answers
// device_info requests and acknowledges text messages the way the gateway
// firmware does, and lets tests inject notifications and radio drops.
//
// The Gateway implements gatt.Central, so the Link returned by New runs the
// same scan, connect, chunking and event code as the radio backends.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/reassembly"
	"github.com/openmesh/meshchat-go/transport"
	"github.com/openmesh/meshchat-go/transport/gatt"
)

const (
	DefaultName    = "MeshChat-Loopback"
	DefaultAddress = "02:00:00:00:00:01"
	DefaultVersion = "1.0.0"
	// DefaultBatteryVoltage is reported in device_info, in millivolts.
	DefaultBatteryVoltage = 3900
)

// Config configures a Gateway.
type Config struct {
	// Name and Address are advertised during scans.
	Name    string
	Address string
	// Service is the layout the gateway exposes. Defaults to
	// transport.MeshChatService.
	Service transport.ServiceDescriptor
	// DeviceInfo answers device_info requests. Zero fields take defaults.
	DeviceInfo codec.DeviceInfo
	// Framed makes the gateway expect and emit length-prefixed frames.
	Framed bool
	// Silent disables automatic replies.
	Silent bool
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Gateway is a simulated peripheral.
type Gateway struct {
	cfg Config
	log *slog.Logger
	rx  *reassembly.Reassembler

	mu          sync.Mutex
	advertisers []transport.Peripheral
	reports     int
	connectErr  error
	connectWait time.Duration
	notify      func([]byte)
	drop        func(address string, err error)
	connected   bool
	frames      [][]byte
	pending     []byte
	received    []codec.Envelope
	nowFn       func() time.Time
}

// Compile-time interface check.
var _ gatt.Central = (*Gateway)(nil)

// NewGateway creates a simulated gateway.
func NewGateway(cfg Config) *Gateway {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Service.IsZero() {
		cfg.Service = transport.MeshChatService
	}
	if cfg.DeviceInfo.DeviceName == "" {
		cfg.DeviceInfo.DeviceName = cfg.Name
	}
	if cfg.DeviceInfo.BatteryVoltage == 0 {
		cfg.DeviceInfo.BatteryVoltage = DefaultBatteryVoltage
	}
	if cfg.DeviceInfo.Version == "" {
		cfg.DeviceInfo.Version = DefaultVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gateway{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("loopback"),
		rx:    reassembly.New(reassembly.Config{Logger: cfg.Logger}),
		nowFn: time.Now,
	}
	g.advertisers = []transport.Peripheral{{Address: cfg.Address, Name: cfg.Name, RSSI: -40}}
	return g
}

// New creates a gateway and a Link connected to it through the gatt layer.
func New(cfg Config, link gatt.Config) (*gatt.Link, *Gateway) {
	g := NewGateway(cfg)
	if link.Logger == nil {
		link.Logger = cfg.Logger
	}
	return gatt.New(g, link), g
}

// SetAdvertisers replaces the list of peripherals reported by Scan, in
// report order. The gateway itself only accepts connections to its own
// address.
func (g *Gateway) SetAdvertisers(ps ...transport.Peripheral) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advertisers = append([]transport.Peripheral(nil), ps...)
}

// Self returns the gateway's own advertisement.
func (g *Gateway) Self() transport.Peripheral {
	return transport.Peripheral{Address: g.cfg.Address, Name: g.cfg.Name, RSSI: -40}
}

// SetConnectError makes subsequent connects fail with err. Nil restores
// normal behavior.
func (g *Gateway) SetConnectError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectErr = err
}

// SetConnectDelay delays subsequent connects by d.
func (g *Gateway) SetConnectDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connectWait = d
}

// ScanReports returns how many advertisements Scan has delivered.
func (g *Gateway) ScanReports() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reports
}

// IsConnected reports whether a central is connected and subscribed.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected && g.notify != nil
}

// Frames returns copies of every frame written to the outbound
// characteristic.
func (g *Gateway) Frames() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]byte, len(g.frames))
	for i, f := range g.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Received returns the envelopes the gateway has decoded from writes.
func (g *Gateway) Received() []codec.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]codec.Envelope(nil), g.received...)
}

// Notify delivers raw bytes on the inbound characteristic.
func (g *Gateway) Notify(data []byte) error {
	g.mu.Lock()
	fn := g.notify
	g.mu.Unlock()
	if fn == nil {
		return transport.ErrNotConnected
	}
	fn(append([]byte(nil), data...))
	return nil
}

// Send encodes env and notifies it, framed when the gateway is framed.
func (g *Gateway) Send(env codec.Envelope) error {
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if g.cfg.Framed {
		if data, err = codec.EncodeFrame(data); err != nil {
			return err
		}
	}
	return g.Notify(data)
}

// Drop simulates a radio-side disconnect. A nil err is reported as a
// lost connection.
func (g *Gateway) Drop(err error) {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return
	}
	g.connected = false
	g.notify = nil
	drop := g.drop
	g.mu.Unlock()

	g.log.Debug("simulating drop", "error", err)
	if drop != nil {
		drop(g.cfg.Address, err)
	}
}

// SetDropHandler implements gatt.Central.
func (g *Gateway) SetDropHandler(fn func(address string, err error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drop = fn
}

// Scan implements gatt.Central. Advertisers not offering service are
// skipped. When no report is accepted, Scan waits for ctx.
func (g *Gateway) Scan(ctx context.Context, service string, found func(transport.Peripheral) bool) error {
	g.mu.Lock()
	ads := append([]transport.Peripheral(nil), g.advertisers...)
	g.mu.Unlock()

	if transport.SameUUID(service, g.cfg.Service.Service) {
		for _, p := range ads {
			if err := ctx.Err(); err != nil {
				return err
			}
			g.mu.Lock()
			g.reports++
			g.mu.Unlock()
			if found(p) {
				return nil
			}
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// Connect implements gatt.Central.
func (g *Gateway) Connect(ctx context.Context, p transport.Peripheral) (gatt.Device, error) {
	g.mu.Lock()
	err, wait := g.connectErr, g.connectWait
	g.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if p.Address != g.cfg.Address {
		return nil, errors.New("no such peripheral: " + p.Address)
	}

	g.mu.Lock()
	g.connected = true
	g.pending = nil
	g.mu.Unlock()
	g.rx.Reset(g.cfg.Address)
	return &conn{g: g}, nil
}

type conn struct {
	g *Gateway
}

func (c *conn) Subscribe(_ context.Context, svc transport.ServiceDescriptor, notify func([]byte)) error {
	if !svc.Equal(c.g.cfg.Service) {
		return transport.ErrServiceNotFound
	}
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	if !c.g.connected {
		return transport.ErrNotConnected
	}
	c.g.notify = notify
	return nil
}

func (c *conn) Write(frame []byte) error {
	c.g.mu.Lock()
	if !c.g.connected {
		c.g.mu.Unlock()
		return transport.ErrNotConnected
	}
	c.g.frames = append(c.g.frames, append([]byte(nil), frame...))
	c.g.mu.Unlock()

	for _, msg := range c.g.assemble(frame) {
		c.g.handle(msg)
	}
	return nil
}

func (c *conn) Disconnect() error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.g.connected = false
	c.g.notify = nil
	return nil
}

// assemble returns complete messages. Unframed writes are accumulated
// until they form a valid JSON document.
func (g *Gateway) assemble(frame []byte) [][]byte {
	if g.cfg.Framed {
		return g.rx.Feed(g.cfg.Address, frame)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, frame...)
	if !json.Valid(g.pending) {
		return nil
	}
	msg := g.pending
	g.pending = nil
	return [][]byte{msg}
}

func (g *Gateway) handle(msg []byte) {
	res := codec.Decode(msg, g.nowFn().UnixMilli())
	g.mu.Lock()
	g.received = append(g.received, res.Envelope)
	silent := g.cfg.Silent
	g.mu.Unlock()

	if silent || res.Outcome != codec.OutcomeDecoded {
		return
	}

	var reply codec.Payload
	switch p := res.Envelope.Payload.(type) {
	case codec.Request:
		if p.Action == codec.ActionDeviceInfo {
			reply = g.cfg.DeviceInfo
		}
	case codec.TextMessage:
		if p.MessageID != "" {
			reply = codec.Ack{MessageID: p.MessageID}
		}
	}
	if reply == nil {
		return
	}
	if err := g.Send(codec.New(reply, g.nowFn().UnixMilli())); err != nil {
		g.log.Warn("reply failed", "type", reply.MessageType(), "error", err)
	}
}

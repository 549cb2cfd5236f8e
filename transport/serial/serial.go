// Package serial provides a Link to a MeshChat gateway wired over a UART.
//
// A USB-attached gateway exposes the same JSON protocol as the BLE one, but
// a byte stream has no notification boundaries, so every envelope travels
// in a length-prefixed frame with a Fletcher-16 checksum. The read loop
// reassembles frames and emits one notification per payload.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/reassembly"
	"github.com/openmesh/meshchat-go/transport"
)

// Compile-time interface check.
var _ transport.Link = (*Link)(nil)

const (
	// DefaultBaudRate is the gateway firmware's UART speed.
	DefaultBaudRate = 115200

	// DefaultChunkSize bounds a single port write.
	DefaultChunkSize = 256

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024

	// scanInterval is how often the port list is polled while scanning.
	scanInterval = 500 * time.Millisecond
)

var ErrNoPort = errors.New("no serial port configured or found")

// Config holds the configuration for a serial Link.
type Config struct {
	// Port is the serial device (e.g. "/dev/ttyUSB0" or "COM3"). When
	// empty, Scan picks the first port whose path starts with PortPrefix.
	Port string
	// PortPrefix filters auto-detected ports. Default: any port.
	PortPrefix string
	// BaudRate defaults to 115200.
	BaudRate int
	// ChunkSize bounds a single port write. Defaults to 256.
	ChunkSize int
	// ScanTimeout bounds Scan. Defaults to transport.DefaultScanTimeout.
	ScanTimeout time.Duration
	// WriteTimeout bounds Write. Defaults to transport.DefaultWriteTimeout.
	WriteTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Link implements transport.Link over a serial port.
type Link struct {
	cfg    Config
	log    *slog.Logger
	events *transport.EventQueue
	asm    *reassembly.Reassembler
	drop   transport.DropGuard

	mu        sync.RWMutex
	port      io.ReadWriteCloser
	name      string
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	// overridable for testing
	listPorts func() ([]string, error)
	openPort  func(name string, baud int) (io.ReadWriteCloser, error)
}

// New creates a serial Link.
func New(cfg Config) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = transport.DefaultScanTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = transport.DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	log := cfg.Logger.WithGroup("serial")
	return &Link{
		cfg:       cfg,
		log:       log,
		events:    transport.NewEventQueue(),
		asm:       reassembly.New(reassembly.Config{Logger: log}),
		listPorts: serial.GetPortsList,
		openPort:  openSerial,
	}
}

func openSerial(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// Scan waits for the configured port to appear. Service UUIDs and
// advertised names do not exist on a UART; nameFilter is only logged.
func (l *Link) Scan(ctx context.Context, _ transport.ServiceDescriptor, nameFilter string) (transport.Peripheral, error) {
	ctx, cancel := transport.WithDefaultTimeout(ctx, l.cfg.ScanTimeout)
	defer cancel()

	l.log.Debug("scanning serial ports", "port", l.cfg.Port, "prefix", l.cfg.PortPrefix, "name_filter", nameFilter)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		ports, err := l.listPorts()
		if err != nil {
			l.log.Warn("listing serial ports", "error", err)
		}
		if name, ok := l.pick(ports); ok {
			return transport.Peripheral{Address: name, Name: name}, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return transport.Peripheral{}, fmt.Errorf("%w: %w", transport.ErrScanTimeout, ErrNoPort)
			}
			return transport.Peripheral{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Link) pick(ports []string) (string, bool) {
	for _, p := range ports {
		if l.cfg.Port != "" {
			if p == l.cfg.Port {
				return p, true
			}
			continue
		}
		if transport.MatchName(p, l.cfg.PortPrefix) {
			return p, true
		}
	}
	return "", false
}

// Connect opens the port and starts the read loop.
func (l *Link) Connect(ctx context.Context, p transport.Peripheral) error {
	if p.Address == "" {
		return fmt.Errorf("%w: %w", transport.ErrConnectionFailed, ErrNoPort)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := l.openPort(p.Address, l.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("%w: opening serial port: %w", transport.ErrConnectionFailed, err)
	}

	done := make(chan struct{})
	readCtx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.port = port
	l.name = p.Address
	l.connected = true
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	l.asm.Reset(p.Address)
	l.drop.Arm()
	go l.readLoop(readCtx, port, p.Address, done)

	l.log.Info("connected to serial port", "port", p.Address, "baud", l.cfg.BaudRate)
	return nil
}

// Write frames data and writes it to the port in ChunkSize pieces.
func (l *Link) Write(ctx context.Context, data []byte) error {
	l.mu.RLock()
	port := l.port
	connected := l.connected
	l.mu.RUnlock()

	if !connected || port == nil {
		return transport.ErrNotConnected
	}

	frame, err := codec.EncodeFrame(data)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrWriteFailed, err)
	}

	ctx, cancel := transport.WithDefaultTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()

	chunker := transport.Chunker{MTU: l.cfg.ChunkSize}
	_, err = chunker.Write(ctx, frame, func(ctx context.Context, chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := port.Write(chunk)
		return err
	})
	return err
}

// Events returns the link's event stream.
func (l *Link) Events() <-chan transport.Event {
	return l.events.C()
}

// Disconnect closes the port and waits for the read loop to stop.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	port := l.port
	name := l.name
	cancel := l.cancel
	done := l.done
	l.port = nil
	l.connected = false
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}

	if l.drop.Fire() {
		l.asm.Reset(name)
		l.events.Push(transport.Event{Type: transport.EventDisconnected, Source: name})
		l.log.Info("disconnected from serial port", "port", name)
	}
	return err
}

// IsConnected returns true if the serial port is open.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Close disconnects and stops the event stream.
func (l *Link) Close() error {
	err := l.Disconnect()
	l.events.Close()
	return err
}

// readLoop reads from the port and emits one notification per frame.
func (l *Link) readLoop(ctx context.Context, port io.Reader, name string, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufSize)
	for {
		n, err := port.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.handleDrop(name, err)
			return
		}
		if n == 0 {
			continue
		}
		for _, payload := range l.asm.Feed(name, buf[:n]) {
			l.events.Push(transport.Event{Type: transport.EventNotification, Data: payload, Source: name})
		}
	}
}

func (l *Link) handleDrop(name string, err error) {
	l.mu.Lock()
	port := l.port
	l.port = nil
	l.connected = false
	l.mu.Unlock()

	if port != nil {
		port.Close()
	}
	if !l.drop.Fire() {
		return
	}
	if errors.Is(err, io.EOF) {
		l.log.Warn("serial port closed by device", "port", name)
	} else {
		l.log.Error("serial read error", "port", name, "error", err)
	}
	l.asm.Reset(name)
	l.events.Push(transport.Event{Type: transport.EventDisconnected, Source: name, Err: err})
}

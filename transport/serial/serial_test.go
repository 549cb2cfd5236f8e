package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/transport"
)

// fakePort is an in-memory serial port. Bytes written to feed are read by
// the link; bytes the link writes are collected in written.
type fakePort struct {
	r    *io.PipeReader
	feed *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	writes  int
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, feed: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return p.written.Write(b)
}

func (p *fakePort) Close() error { return p.r.Close() }

func (p *fakePort) Written() ([]byte, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes()), p.writes
}

func newTestLink(t *testing.T, ports []string) (*Link, *fakePort) {
	t.Helper()
	port := newFakePort()
	l := New(Config{ScanTimeout: 200 * time.Millisecond})
	l.listPorts = func() ([]string, error) { return ports, nil }
	l.openPort = func(string, int) (io.ReadWriteCloser, error) { return port, nil }
	t.Cleanup(func() { l.Close() })
	return l, port
}

func nextEvent(t *testing.T, l *Link) transport.Event {
	t.Helper()
	select {
	case e := <-l.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestScan(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		ports   []string
		want    string
		wantErr error
	}{
		{"configured port", Config{Port: "/dev/ttyACM0"}, []string{"/dev/ttyS0", "/dev/ttyACM0"}, "/dev/ttyACM0", nil},
		{"prefix", Config{PortPrefix: "/dev/ttyUSB"}, []string{"/dev/ttyS0", "/dev/ttyUSB1"}, "/dev/ttyUSB1", nil},
		{"first port", Config{}, []string{"COM3"}, "COM3", nil},
		{"missing", Config{Port: "/dev/ttyACM0"}, []string{"/dev/ttyS0"}, "", transport.ErrScanTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ScanTimeout = 100 * time.Millisecond
			l := New(tt.cfg)
			defer l.Close()
			l.listPorts = func() ([]string, error) { return tt.ports, nil }

			p, err := l.Scan(context.Background(), transport.MeshChatService, "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Scan() error = %v, want %v", err, tt.wantErr)
			}
			if p.Address != tt.want {
				t.Errorf("Scan() address = %q, want %q", p.Address, tt.want)
			}
		})
	}
}

func TestWriteFramesPayload(t *testing.T) {
	l, port := newTestLink(t, nil)
	if err := l.Connect(context.Background(), transport.Peripheral{Address: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	payload := bytes.Repeat([]byte("a"), 300)
	if err := l.Write(context.Background(), payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	written, writes := port.Written()
	if writes != 2 {
		t.Errorf("port writes = %d, want 2", writes)
	}
	got, rest, err := codec.DecodeFrame(written)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) || len(rest) != 0 {
		t.Error("written bytes are not one frame carrying the payload")
	}
}

func TestWriteNotConnected(t *testing.T) {
	l, _ := newTestLink(t, nil)
	if err := l.Write(context.Background(), []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Write() error = %v, want %v", err, transport.ErrNotConnected)
	}
}

func TestReadLoopEmitsNotifications(t *testing.T) {
	l, port := newTestLink(t, nil)
	if err := l.Connect(context.Background(), transport.Peripheral{Address: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	f1, _ := codec.EncodeFrame([]byte(`{"type":"ack","message_id":"1"}`))
	f2, _ := codec.EncodeFrame([]byte(`{"type":"ack","message_id":"2"}`))
	stream := append(append([]byte("boot log\r\n"), f1...), f2...)
	go func() {
		// Split mid-frame to exercise reassembly.
		port.feed.Write(stream[:15])
		port.feed.Write(stream[15:])
	}()

	for _, want := range []string{`{"type":"ack","message_id":"1"}`, `{"type":"ack","message_id":"2"}`} {
		e := nextEvent(t, l)
		if e.Type != transport.EventNotification || string(e.Data) != want {
			t.Errorf("event = %v %q, want notification %q", e.Type, e.Data, want)
		}
		if e.Source != "/dev/ttyUSB0" {
			t.Errorf("event source = %q, want /dev/ttyUSB0", e.Source)
		}
	}
}

func TestDeviceUnplugged(t *testing.T) {
	l, port := newTestLink(t, nil)
	if err := l.Connect(context.Background(), transport.Peripheral{Address: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	port.feed.CloseWithError(io.EOF)

	e := nextEvent(t, l)
	if e.Type != transport.EventDisconnected || !errors.Is(e.Err, io.EOF) {
		t.Errorf("event = %v (%v), want disconnected with EOF", e.Type, e.Err)
	}
	if l.IsConnected() {
		t.Error("IsConnected() = true after drop")
	}

	// A later Disconnect must not emit a second event.
	l.Disconnect()
	select {
	case e := <-l.Events():
		t.Errorf("unexpected second event %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	l, _ := newTestLink(t, nil)
	if err := l.Connect(context.Background(), transport.Peripheral{Address: "/dev/ttyUSB0"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	l.Disconnect()
	l.Disconnect()

	e := nextEvent(t, l)
	if e.Type != transport.EventDisconnected || e.Err != nil {
		t.Errorf("event = %v (%v), want voluntary disconnect", e.Type, e.Err)
	}
	select {
	case e := <-l.Events():
		t.Errorf("unexpected second event %v", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectOpenFailure(t *testing.T) {
	l := New(Config{})
	defer l.Close()
	l.openPort = func(string, int) (io.ReadWriteCloser, error) { return nil, errors.New("permission denied") }

	err := l.Connect(context.Background(), transport.Peripheral{Address: "/dev/ttyUSB0"})
	if !errors.Is(err, transport.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want %v", err, transport.ErrConnectionFailed)
	}
}

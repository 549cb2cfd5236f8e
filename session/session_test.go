package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/meshchat-go/core/clock"
	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/transport"
	"github.com/openmesh/meshchat-go/transport/gatt"
	"github.com/openmesh/meshchat-go/transport/loopback"
)

const testNow = 1700000000000

// sleepRecorder counts inter-frame delays without waiting.
type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	return nil
}

func (r *sleepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// stateRecorder captures every transition.
type stateRecorder struct {
	mu    sync.Mutex
	trans []string
	ch    chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 32)}
}

func (r *stateRecorder) handle(from, to State) {
	r.mu.Lock()
	r.trans = append(r.trans, from.String()+"->"+to.String())
	r.mu.Unlock()
	r.ch <- to
}

func (r *stateRecorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.trans...)
}

func (r *stateRecorder) wait(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v; transitions %v", want, r.transitions())
		}
	}
}

type fixture struct {
	s     *Session
	link  *gatt.Link
	gw    *loopback.Gateway
	sleep *sleepRecorder
	state *stateRecorder
}

func newFixture(t *testing.T, gw loopback.Config, cfg Config) *fixture {
	t.Helper()
	rec := &sleepRecorder{}
	link, g := loopback.New(gw, gatt.Config{Sleep: rec.sleep, ScanTimeout: time.Second, ConnectTimeout: time.Second})
	if cfg.Clock == nil {
		cfg.Clock = clock.NewFunc(func() int64 { return testNow })
	}
	s := New(link, cfg)
	states := newStateRecorder()
	s.SetStateHandler(states.handle)
	t.Cleanup(func() {
		s.Close()
		link.Close()
	})
	return &fixture{s: s, link: link, gw: g, sleep: rec, state: states}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

// expect registers a handler for t that forwards envelopes to a channel.
func expect(s *Session, t codec.MessageType) <-chan codec.Envelope {
	ch := make(chan codec.Envelope, 16)
	s.OnMessage(t, func(env codec.Envelope) { ch <- env })
	return ch
}

func recv(t *testing.T, ch <-chan codec.Envelope) codec.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return codec.Envelope{}
	}
}

func TestConnectScenario(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{})
	infos := expect(f.s, codec.TypeDeviceInfo)

	if got := f.s.State(); got != StateIdle {
		t.Fatalf("initial State() = %v, want idle", got)
	}
	f.connect(t)

	want := []string{"idle->scanning", "scanning->connecting", "connecting->connected"}
	got := f.state.transitions()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	received := f.gw.Received()
	if len(received) != 1 {
		t.Fatalf("gateway received %d envelopes, want 1", len(received))
	}
	req, ok := received[0].Payload.(codec.Request)
	if !ok || req.Action != codec.ActionDeviceInfo {
		t.Errorf("handshake = %+v, want device_info request", received[0].Payload)
	}
	if received[0].Timestamp != testNow {
		t.Errorf("handshake timestamp = %d, want %d", received[0].Timestamp, testNow)
	}

	env := recv(t, infos)
	if info := env.Payload.(codec.DeviceInfo); info.BatteryVoltage != loopback.DefaultBatteryVoltage {
		t.Errorf("device info = %+v", info)
	}

	p, ok := f.s.Peripheral()
	if !ok || p.Address != loopback.DefaultAddress {
		t.Errorf("Peripheral() = %v, %v", p, ok)
	}
}

func TestSkipHandshake(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{SkipHandshake: true})
	f.connect(t)
	if n := len(f.gw.Frames()); n != 0 {
		t.Errorf("frames written = %d, want 0", n)
	}
}

func TestConnectWhileConnected(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{})
	f.connect(t)
	if err := f.s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v, want %v", err, ErrAlreadyConnected)
	}
	if got := f.s.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestSendNotConnected(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{})

	err := f.s.Send(context.Background(), codec.New(codec.Text{Text: "hello"}, 0))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want %v", err, ErrNotConnected)
	}
	if n := len(f.gw.Frames()); n != 0 {
		t.Errorf("frames written = %d, want 0", n)
	}
}

func TestServiceNotFound(t *testing.T) {
	other := transport.MeshChatService
	other.Inbound = "6e400009-b5a3-f393-e0a9-e50e24dcca9e"
	f := newFixture(t, loopback.Config{Service: other}, Config{})

	err := f.s.Connect(context.Background())
	if !errors.Is(err, transport.ErrServiceNotFound) {
		t.Fatalf("Connect() error = %v, want %v", err, transport.ErrServiceNotFound)
	}
	if got := f.s.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
	if f.link.IsConnected() {
		t.Error("link still connected")
	}
}

func TestScanTimeout(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{ScanTimeout: 20 * time.Millisecond})
	f.gw.SetAdvertisers()

	err := f.s.Connect(context.Background())
	if !errors.Is(err, transport.ErrScanTimeout) {
		t.Fatalf("Connect() error = %v, want %v", err, transport.ErrScanTimeout)
	}
	if got := f.s.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{ConnectTimeout: 20 * time.Millisecond})
	f.gw.SetConnectDelay(time.Second)

	err := f.s.Connect(context.Background())
	if !errors.Is(err, transport.ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want %v", err, transport.ErrConnectTimeout)
	}
	if !errors.Is(err, transport.ErrConnectionFailed) {
		t.Errorf("timeout should also match ErrConnectionFailed")
	}
	if got := f.s.State(); got != StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

func TestSendFrameCounts(t *testing.T) {
	tests := []struct {
		name       string
		textLen    int
		wantFrames int
	}{
		{"short", 2, 1},
		{"three frames", 360, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, loopback.Config{Silent: true}, Config{SkipHandshake: true})
			f.connect(t)

			env := codec.New(codec.TextMessage{RecipientID: codec.BroadcastID, Text: strings.Repeat("a", tt.textLen)}, 0)
			if err := f.s.Send(context.Background(), env); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if n := len(f.gw.Frames()); n != tt.wantFrames {
				t.Errorf("frames = %d, want %d", n, tt.wantFrames)
			}
			if n := f.sleep.count(); n != tt.wantFrames-1 {
				t.Errorf("delays = %d, want %d", n, tt.wantFrames-1)
			}
			for i, fr := range f.gw.Frames() {
				if len(fr) > transport.DefaultMTU {
					t.Errorf("frame %d is %d bytes, exceeds MTU", i, len(fr))
				}
			}

			got := f.gw.Received()
			if len(got) != 1 {
				t.Fatalf("gateway received %d envelopes, want 1", len(got))
			}
			if got[0].Timestamp != testNow {
				t.Errorf("timestamp = %d, want %d", got[0].Timestamp, testNow)
			}
			st := f.s.Stats()
			if st.EnvelopesSent != 1 {
				t.Errorf("EnvelopesSent = %d, want 1", st.EnvelopesSent)
			}
		})
	}
}

func TestTextFallback(t *testing.T) {
	f := newFixture(t, loopback.Config{Silent: true}, Config{SkipHandshake: true})
	texts := expect(f.s, codec.TypeText)
	f.connect(t)

	if err := f.gw.Notify([]byte("BATTERY LOW")); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	env := recv(t, texts)
	if txt, ok := env.Payload.(codec.Text); !ok || txt.Text != "BATTERY LOW" {
		t.Errorf("payload = %+v, want text BATTERY LOW", env.Payload)
	}
	if env.Timestamp != testNow {
		t.Errorf("timestamp = %d, want %d", env.Timestamp, testNow)
	}
	if st := f.s.Stats(); st.TextFallbacks != 1 {
		t.Errorf("TextFallbacks = %d, want 1", st.TextFallbacks)
	}
}

func TestInvalidPayloadDropped(t *testing.T) {
	f := newFixture(t, loopback.Config{Silent: true}, Config{SkipHandshake: true})
	acks := expect(f.s, codec.TypeAck)
	f.connect(t)

	f.gw.Notify([]byte(`{"type":"ack","message_id":5}`))
	f.gw.Notify([]byte(`{"type":"ack","message_id":"m-2"}`))

	env := recv(t, acks)
	if ack := env.Payload.(codec.Ack); ack.MessageID != "m-2" {
		t.Errorf("first delivered ack = %q, want m-2", ack.MessageID)
	}
	if st := f.s.Stats(); st.InvalidPayloads != 1 {
		t.Errorf("InvalidPayloads = %d, want 1", st.InvalidPayloads)
	}
}

func TestHandlerOrderAndUnregister(t *testing.T) {
	f := newFixture(t, loopback.Config{Silent: true}, Config{SkipHandshake: true})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Handler {
		return func(codec.Envelope) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	f.s.OnMessage(codec.TypeAck, record("first"))
	unregister := f.s.OnMessage(codec.TypeAck, record("second"))
	f.s.OnAny(record("any"))
	done := expect(f.s, codec.TypeAck)
	f.connect(t)

	f.gw.Send(codec.New(codec.Ack{MessageID: "1"}, 1))
	recv(t, done)
	unregister()
	unregister()
	f.gw.Send(codec.New(codec.Ack{MessageID: "2"}, 2))
	recv(t, done)

	mu.Lock()
	defer mu.Unlock()
	want := "first,second,any,first,any"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("handler order = %s, want %s", got, want)
	}
}

func TestUnknownTypeToCatchAll(t *testing.T) {
	f := newFixture(t, loopback.Config{Silent: true}, Config{SkipHandshake: true})
	all := make(chan codec.Envelope, 4)
	f.s.OnAny(func(env codec.Envelope) { all <- env })
	f.connect(t)

	f.gw.Notify([]byte(`{"type":"firmware_update","progress":42}`))
	env := recv(t, all)
	u, ok := env.Payload.(codec.Unknown)
	if !ok || u.Tag != "firmware_update" {
		t.Fatalf("payload = %+v, want Unknown firmware_update", env.Payload)
	}
	if string(u.Fields["progress"]) != "42" {
		t.Errorf("progress = %s, want 42", u.Fields["progress"])
	}
	st := f.s.Stats()
	if st.UnknownTypes != 1 || st.Unhandled != 1 {
		t.Errorf("UnknownTypes = %d, Unhandled = %d, want 1, 1", st.UnknownTypes, st.Unhandled)
	}
}

func TestLinkDrop(t *testing.T) {
	f := newFixture(t, loopback.Config{Silent: true}, Config{SkipHandshake: true})
	f.connect(t)

	f.gw.Drop(nil)
	f.state.wait(t, StateDisconnected)

	if got := f.s.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if f.link.IsConnected() {
		t.Error("link still reports connected")
	}
	if _, ok := f.s.Peripheral(); ok {
		t.Error("Peripheral() still reports a connection")
	}
	err := f.s.Send(context.Background(), codec.New(codec.Text{Text: "x"}, 0))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after drop error = %v, want %v", err, ErrNotConnected)
	}

	// A voluntary disconnect afterwards must not add a second transition.
	f.s.Disconnect()
	time.Sleep(20 * time.Millisecond)
	n := 0
	for _, tr := range f.state.transitions() {
		if strings.HasSuffix(tr, "->disconnected") {
			n++
		}
	}
	if n != 1 {
		t.Errorf("disconnected transitions = %d, want 1: %v", n, f.state.transitions())
	}
	if st := f.s.Stats(); st.Disconnects != 1 {
		t.Errorf("Disconnects = %d, want 1", st.Disconnects)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{SkipHandshake: true})
	f.connect(t)
	f.gw.Drop(nil)
	f.state.wait(t, StateDisconnected)

	f.connect(t)
	trans := f.state.transitions()
	if len(trans) < 3 || trans[len(trans)-3] != "disconnected->scanning" {
		t.Errorf("transitions = %v, want retry from disconnected", trans)
	}
	if got := f.s.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

// waitDisconnects blocks until the dispatch goroutine has consumed n
// disconnect events.
func waitDisconnects(t *testing.T, s *Session, n uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.Stats().Disconnects < n {
		if time.Now().After(deadline) {
			t.Fatalf("Disconnects = %d, want %d", s.Stats().Disconnects, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDisconnectThenConnect(t *testing.T) {
	tests := []struct {
		name    string
		framed  bool
		framing Framing
	}{
		{"unframed", false, FramingNone},
		{"length-prefixed", true, FramingLengthPrefixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, loopback.Config{Framed: tt.framed}, Config{SkipHandshake: true, Framing: tt.framing})
			f.s.SetStateHandler(nil)
			acks := expect(f.s, codec.TypeAck)

			f.connect(t)
			for i := 1; i <= 20; i++ {
				f.s.Disconnect()
				f.connect(t)
				// The previous connection's disconnect must not end this one.
				waitDisconnects(t, f.s, uint64(i))

				if got := f.s.State(); got != StateConnected {
					t.Fatalf("iteration %d: State() = %v, want connected", i, got)
				}
				if !f.link.IsConnected() {
					t.Fatalf("iteration %d: link not connected", i)
				}
			}

			env := codec.New(codec.TextMessage{MessageID: "after", Text: strings.Repeat("r", 300)}, 0)
			if err := f.s.Send(context.Background(), env); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if ack := recv(t, acks).Payload.(codec.Ack); ack.MessageID != "after" {
				t.Errorf("ack = %q, want after", ack.MessageID)
			}
		})
	}
}

func TestDropHandler(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{SkipHandshake: true})
	f.s.SetStateHandler(nil)
	drops := make(chan error, 4)
	f.s.SetDropHandler(func(cause error) { drops <- cause })

	f.connect(t)
	f.s.Disconnect()
	waitDisconnects(t, f.s, 1)
	select {
	case err := <-drops:
		t.Fatalf("drop handler called for a voluntary disconnect: %v", err)
	default:
	}

	f.connect(t)
	f.gw.Drop(nil)
	select {
	case <-drops:
	case <-time.After(time.Second):
		t.Fatal("drop handler not called for a link drop")
	}
	waitDisconnects(t, f.s, 2)
	if len(drops) != 0 {
		t.Errorf("drop handler called %d extra times", len(drops))
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{})

	if err := f.s.Disconnect(); err != nil {
		t.Errorf("Disconnect() from idle error = %v", err)
	}
	if got := f.s.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	f.s.Disconnect()
	if got := f.state.transitions(); len(got) != 1 {
		t.Errorf("transitions = %v, want one", got)
	}
}

func TestFramedSession(t *testing.T) {
	f := newFixture(t, loopback.Config{Framed: true}, Config{Framing: FramingLengthPrefixed})
	infos := expect(f.s, codec.TypeDeviceInfo)
	acks := expect(f.s, codec.TypeAck)
	f.connect(t)

	recv(t, infos)

	env := codec.New(codec.TextMessage{MessageID: "big", Text: strings.Repeat("z", 500)}, 0)
	if err := f.s.Send(context.Background(), env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ack := recv(t, acks).Payload.(codec.Ack); ack.MessageID != "big" {
		t.Errorf("ack = %q, want big", ack.MessageID)
	}
}

func TestClosedSession(t *testing.T) {
	f := newFixture(t, loopback.Config{}, Config{})
	f.s.Close()
	if err := f.s.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestParseFraming(t *testing.T) {
	tests := []struct {
		in   string
		want Framing
		ok   bool
	}{
		{"", FramingNone, true},
		{"none", FramingNone, true},
		{"length-prefixed", FramingLengthPrefixed, true},
		{"framed", FramingLengthPrefixed, true},
		{"cobs", FramingNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseFraming(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseFraming(%q) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

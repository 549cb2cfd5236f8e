package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/meshchat-go/core/clock"
	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/session"
	"github.com/openmesh/meshchat-go/store"
	"github.com/openmesh/meshchat-go/transport/gatt"
	"github.com/openmesh/meshchat-go/transport/loopback"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu     sync.Mutex
	state  session.State
	err    error
	sent   []codec.Envelope
	onSend func(env codec.Envelope)
}

func (m *mockSender) Send(_ context.Context, env codec.Envelope) error {
	m.mu.Lock()
	m.sent = append(m.sent, env)
	err, hook := m.err, m.onSend
	m.mu.Unlock()
	if hook != nil {
		hook(env)
	}
	return err
}

func (m *mockSender) State() session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSender) last() codec.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

type notification struct{ title, body string }

type mockNotifier struct {
	mu  sync.Mutex
	got []notification
}

func (n *mockNotifier) Notify(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notification{title, body})
}

func (n *mockNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.got...)
}

const testNow = 1_700_000_000_000

func newTestService(sender Sender, notifier Notifier) *Service {
	return New(sender, Config{
		Notifier: notifier,
		Clock:    clock.NewFunc(func() int64 { return testNow }),
	})
}

func TestBatteryPercent(t *testing.T) {
	tests := []struct {
		mv   int
		want int
	}{
		{3200, 0},
		{3000, 0},
		{3700, 50},
		{3956, 76},
		{3954, 75},
		{4200, 100},
		{4500, 100},
	}
	for _, tt := range tests {
		if got := BatteryPercent(tt.mv); got != tt.want {
			t.Errorf("BatteryPercent(%d) = %d, want %d", tt.mv, got, tt.want)
		}
	}
}

func TestSendTextBroadcast(t *testing.T) {
	sender := &mockSender{state: session.StateConnected}
	svc := newTestService(sender, nil)

	m, err := svc.SendText(context.Background(), "", "  hello mesh ", false)
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if m.Status != store.StatusSent {
		t.Errorf("Status = %s, want sent", m.Status)
	}
	if m.ContactID != codec.BroadcastID || m.Text != "hello mesh" || !m.Sent {
		t.Errorf("message = %+v", m)
	}

	env := sender.last()
	tm, ok := env.Payload.(codec.TextMessage)
	if !ok {
		t.Fatalf("payload = %T, want TextMessage", env.Payload)
	}
	if tm.RecipientID != codec.BroadcastID || tm.MessageID != m.ID || tm.Text != "hello mesh" {
		t.Errorf("text_message = %+v", tm)
	}
	if env.Timestamp != m.Timestamp {
		t.Errorf("envelope timestamp = %d, want %d", env.Timestamp, m.Timestamp)
	}
	if !svc.acks.IsPending(m.ID) {
		t.Error("sent message should await an ack")
	}
}

func TestSendTextErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		svc := newTestService(&mockSender{state: session.StateConnected}, nil)
		if _, err := svc.SendText(context.Background(), "bob", "   ", false); !errors.Is(err, ErrEmptyText) {
			t.Errorf("error = %v, want %v", err, ErrEmptyText)
		}
	})

	t.Run("not connected", func(t *testing.T) {
		sender := &mockSender{state: session.StateDisconnected}
		svc := newTestService(sender, nil)
		if _, err := svc.SendText(context.Background(), "bob", "hi", false); !errors.Is(err, ErrNotConnected) {
			t.Errorf("error = %v, want %v", err, ErrNotConnected)
		}
		if len(sender.sent) != 0 {
			t.Error("envelope written while disconnected")
		}
		if n, _ := svc.store.Count(); n != 0 {
			t.Errorf("stored %d messages, want 0", n)
		}
	})

	t.Run("write failure", func(t *testing.T) {
		sender := &mockSender{state: session.StateConnected, err: errors.New("write failed")}
		svc := newTestService(sender, nil)
		m, err := svc.SendText(context.Background(), "bob", "hi", false)
		if err == nil {
			t.Fatal("SendText() error = nil")
		}
		if m.Status != store.StatusFailed {
			t.Errorf("Status = %s, want failed", m.Status)
		}
		if svc.acks.IsPending(m.ID) {
			t.Error("failed message still awaiting ack")
		}
	})
}

func TestSendEmergency(t *testing.T) {
	sender := &mockSender{state: session.StateConnected}
	svc := newTestService(sender, nil)

	m, err := svc.SendEmergency(context.Background(), "need water")
	if err != nil {
		t.Fatalf("SendEmergency() error = %v", err)
	}
	if m.Text != EmergencyPrefix+"need water" || !m.Emergency || m.ContactID != codec.BroadcastID {
		t.Errorf("stored = %+v", m)
	}
	tm := sender.last().Payload.(codec.TextMessage)
	if tm.Text != "need water" || !tm.Emergency || tm.RecipientID != codec.BroadcastID {
		t.Errorf("wire = %+v", tm)
	}
}

func TestAckBeforeSendReturns(t *testing.T) {
	sender := &mockSender{state: session.StateConnected}
	svc := newTestService(sender, nil)
	sender.onSend = func(env codec.Envelope) {
		id := env.Payload.(codec.TextMessage).MessageID
		svc.HandleEnvelope(codec.New(codec.Ack{MessageID: id}, 1))
	}

	m, err := svc.SendText(context.Background(), "bob", "fast", false)
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if m.Status != store.StatusDelivered {
		t.Errorf("Status = %s, want delivered", m.Status)
	}
}

func TestLateAck(t *testing.T) {
	sender := &mockSender{state: session.StateConnected}
	svc := newTestService(sender, nil)
	m, _ := svc.SendText(context.Background(), "bob", "slow", false)

	// Simulate the ack timeout having expired the entry.
	svc.acks.Cancel(m.ID)
	svc.HandleEnvelope(codec.New(codec.Ack{MessageID: m.ID}, 1))

	got, _ := svc.store.Get(m.ID)
	if got.Status != store.StatusDelivered {
		t.Errorf("Status = %s, want delivered", got.Status)
	}
}

func TestStatusObserver(t *testing.T) {
	sender := &mockSender{state: session.StateConnected}
	svc := newTestService(sender, nil)

	var statuses []store.Status
	svc.SetOnMessage(func(m store.Message) { statuses = append(statuses, m.Status) })

	m, _ := svc.SendText(context.Background(), "bob", "x", false)
	svc.HandleEnvelope(codec.New(codec.Ack{MessageID: m.ID}, 1))
	svc.HandleEnvelope(codec.New(codec.Ack{MessageID: m.ID}, 1))

	want := []store.Status{store.StatusPending, store.StatusSent, store.StatusDelivered}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestReceiveTextMessage(t *testing.T) {
	notifier := &mockNotifier{}
	svc := newTestService(&mockSender{}, notifier)

	in := codec.TextMessage{RecipientID: codec.BroadcastID, SenderID: "a1b2c3d4e5", MessageID: "m-1", Text: "hi all"}
	svc.HandleEnvelope(codec.New(in, 1234))
	svc.HandleEnvelope(codec.New(in, 1234)) // duplicate

	msgs, _ := svc.Messages(codec.BroadcastID, 0, 0)
	if len(msgs) != 1 {
		t.Fatalf("stored %d broadcast messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != "m-1" || m.Sent || m.Status != store.StatusDelivered || m.Timestamp != 1234 {
		t.Errorf("stored = %+v", m)
	}

	c, ok := svc.Presence().Get("a1b2c3d4e5")
	if !ok || c.LastSeen != 1234 {
		t.Errorf("contact = %+v, %v", c, ok)
	}

	got := notifier.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if got[0].title != TitleMessage || got[0].body != "From a1b2c3d4...: hi all" {
		t.Errorf("notification = %+v", got[0])
	}
}

func TestReceiveDirectAndEmergency(t *testing.T) {
	notifier := &mockNotifier{}
	svc := newTestService(&mockSender{}, notifier)

	svc.HandleEnvelope(codec.New(codec.TextMessage{RecipientID: DefaultSelfID, SenderID: "bob", MessageID: "d1", Text: "psst"}, 1))
	svc.HandleEnvelope(codec.New(codec.TextMessage{RecipientID: codec.BroadcastID, SenderID: "carol", MessageID: "e1", Text: "fire", Emergency: true}, 2))

	if msgs, _ := svc.Messages("bob", 0, 0); len(msgs) != 1 {
		t.Errorf("direct messages from bob = %d, want 1", len(msgs))
	}
	got := notifier.all()
	if len(got) != 2 || got[1].title != TitleEmergency {
		t.Errorf("notifications = %+v", got)
	}
}

func TestReceiveLegacyMessage(t *testing.T) {
	svc := newTestService(&mockSender{}, nil)
	svc.HandleEnvelope(codec.New(codec.LegacyMessage{
		ID: "L1", SenderID: "phone-42", SenderName: "Dana", Text: "from the app",
		Location: &codec.Location{Latitude: 1, Longitude: 2},
	}, 10))

	if c, ok := svc.Presence().Get("phone-42"); !ok || c.Name != "Dana" {
		t.Errorf("contact = %+v, %v", c, ok)
	}
	if msgs, _ := svc.Messages(codec.BroadcastID, 0, 0); len(msgs) != 1 || msgs[0].Text != "from the app" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestReceiveDeviceText(t *testing.T) {
	notifier := &mockNotifier{}
	svc := newTestService(&mockSender{}, notifier)
	svc.HandleEnvelope(codec.New(codec.Text{Text: "BATTERY LOW"}, 5))

	msgs, _ := svc.Messages(DeviceContactID, 0, 0)
	if len(msgs) != 1 || msgs[0].Text != "BATTERY LOW" {
		t.Errorf("device messages = %+v", msgs)
	}
	if len(notifier.all()) != 0 {
		t.Error("device text should not notify")
	}
}

func TestDeviceInfo(t *testing.T) {
	svc := newTestService(&mockSender{}, nil)
	if _, ok := svc.Device(); ok {
		t.Error("Device() reported status before any device_info")
	}

	var got DeviceStatus
	svc.SetOnDeviceStatus(func(d DeviceStatus) { got = d })
	svc.HandleEnvelope(codec.New(codec.DeviceInfo{DeviceName: "MeshChat-ESP32", BatteryVoltage: 3700, Version: "1.0.0"}, 9))

	d, ok := svc.Device()
	if !ok || d.BatteryPercent != 50 || d.Name != "MeshChat-ESP32" || d.UpdatedAt != 9 {
		t.Errorf("Device() = %+v, %v", d, ok)
	}
	if got != d {
		t.Errorf("callback = %+v, want %+v", got, d)
	}
}

func TestSendLocation(t *testing.T) {
	sender := &mockSender{state: session.StateConnected}
	svc := newTestService(sender, nil)
	if err := svc.SendLocation(context.Background(), 52.5, 13.4, 8); err != nil {
		t.Fatalf("SendLocation() error = %v", err)
	}
	if gps, ok := sender.last().Payload.(codec.GPSUpdate); !ok || gps.Latitude != 52.5 {
		t.Errorf("payload = %+v", sender.last().Payload)
	}
}

func TestEndToEndOverLoopback(t *testing.T) {
	link, gw := loopback.New(loopback.Config{}, gatt.Config{FrameDelay: -1})
	defer link.Close()
	sess := session.New(link, session.Config{})
	defer sess.Close()

	svc := New(sess, Config{})
	svc.Register(sess)

	delivered := make(chan store.Message, 4)
	svc.SetOnMessage(func(m store.Message) {
		if m.Status == store.StatusDelivered {
			delivered <- m
		}
	})
	devices := make(chan DeviceStatus, 1)
	svc.SetOnDeviceStatus(func(d DeviceStatus) { devices <- d })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case d := <-devices:
		if d.BatteryPercent != BatteryPercent(loopback.DefaultBatteryVoltage) {
			t.Errorf("battery = %d%%", d.BatteryPercent)
		}
	case <-time.After(time.Second):
		t.Fatal("no device status after connect")
	}

	m, err := svc.SendText(ctx, "", strings.Repeat("long message ", 30), false)
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	select {
	case d := <-delivered:
		if d.ID != m.ID {
			t.Errorf("delivered %s, want %s", d.ID, m.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	if n := len(gw.Frames()); n < 3 {
		t.Errorf("frames = %d, want the long message chunked", n)
	}
}

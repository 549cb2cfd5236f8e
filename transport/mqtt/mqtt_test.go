package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/crypto"
	"github.com/openmesh/meshchat-go/transport"
)

type mockSender struct {
	mu   sync.Mutex
	sent []codec.Envelope
	err  error
}

func (m *mockSender) Send(_ context.Context, env codec.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, env)
	return nil
}

// mockMessage implements paho.Message.
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

func TestNew_Defaults(t *testing.T) {
	b, err := New(Config{Broker: "tcp://localhost:1883", DeviceID: "gw1"}, &mockSender{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if b.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("TopicPrefix = %q, want %q", b.cfg.TopicPrefix, DefaultTopicPrefix)
	}
	if b.RxTopic() != "meshchat/gw1/rx" || b.TxTopic() != "meshchat/gw1/tx" {
		t.Errorf("topics = %q, %q", b.RxTopic(), b.TxTopic())
	}
	if b.sealer != nil {
		t.Error("sealer set without passphrase")
	}
}

func TestStart_MissingConfig(t *testing.T) {
	b, _ := New(Config{DeviceID: "gw1"}, &mockSender{})
	if err := b.Start(context.Background()); err != ErrMissingBroker {
		t.Errorf("Start() error = %v, want %v", err, ErrMissingBroker)
	}
	b, _ = New(Config{Broker: "tcp://localhost:1883"}, &mockSender{})
	if err := b.Start(context.Background()); err != ErrMissingDevice {
		t.Errorf("Start() error = %v, want %v", err, ErrMissingDevice)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	b, _ := New(Config{Broker: "tcp://localhost:1883", DeviceID: "gw1"}, &mockSender{})
	err := b.Publish(codec.New(codec.Ack{MessageID: "m1"}, 1))
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Publish() error = %v, want %v", err, transport.ErrNotConnected)
	}
	if b.IsConnected() {
		t.Error("IsConnected() = true before Start")
	}
}

func TestHandleMessage_ForwardsPlainJSON(t *testing.T) {
	sender := &mockSender{}
	b, _ := New(Config{DeviceID: "gw1"}, sender)

	b.handleMessage(nil, &mockMessage{
		topic:   b.TxTopic(),
		payload: []byte(`{"type":"text_message","recipient_id":"broadcast","text":"from mqtt","emergency":false}`),
	})

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(sender.sent))
	}
	msg, ok := sender.sent[0].Payload.(codec.TextMessage)
	if !ok || msg.Text != "from mqtt" {
		t.Errorf("forwarded %+v, want text_message 'from mqtt'", sender.sent[0])
	}
}

func TestHandleMessage_DropsInvalid(t *testing.T) {
	sender := &mockSender{}
	b, _ := New(Config{DeviceID: "gw1"}, sender)
	b.handleMessage(nil, &mockMessage{payload: []byte(`{"type":"ack","message_id":7}`)})
	if len(sender.sent) != 0 {
		t.Errorf("sent %d envelopes, want 0", len(sender.sent))
	}
}

func TestSealedRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		a, b   func() Config
		wantOK bool
	}{
		{
			name:   "same passphrase",
			a:      func() Config { return Config{DeviceID: "gw1", Passphrase: "hunter2"} },
			b:      func() Config { return Config{DeviceID: "gw1", Passphrase: "hunter2"} },
			wantOK: true,
		},
		{
			name:   "wrong passphrase",
			a:      func() Config { return Config{DeviceID: "gw1", Passphrase: "hunter2"} },
			b:      func() Config { return Config{DeviceID: "gw1", Passphrase: "nope"} },
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, _ := New(tt.a(), &mockSender{})
			sender := &mockSender{}
			sub, _ := New(tt.b(), sender)

			payload, err := pub.encodePayload(codec.New(codec.GPSUpdate{Latitude: 1, Longitude: 2, Accuracy: 3}, 42))
			if err != nil {
				t.Fatalf("encodePayload() error = %v", err)
			}
			sub.handleMessage(nil, &mockMessage{payload: payload})

			if got := len(sender.sent) == 1; got != tt.wantOK {
				t.Fatalf("forwarded = %v, want %v", got, tt.wantOK)
			}
			if tt.wantOK && sender.sent[0].Timestamp != 42 {
				t.Errorf("timestamp = %d, want 42", sender.sent[0].Timestamp)
			}
		})
	}
}

func TestPairwiseSealing(t *testing.T) {
	gw, _ := crypto.GenerateIdentity()
	console, _ := crypto.GenerateIdentity()

	pub, err := New(Config{DeviceID: "gw1", Identity: console, PeerKey: gw.PublicKey}, &mockSender{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sender := &mockSender{}
	sub, _ := New(Config{DeviceID: "gw1", Identity: gw, PeerKey: console.PublicKey}, sender)

	payload, _ := pub.encodePayload(codec.New(codec.Request{Action: codec.ActionDeviceInfo}, 0))
	sub.handleMessage(nil, &mockMessage{payload: payload})
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(sender.sent))
	}
}

func TestNew_BadPeerKey(t *testing.T) {
	id, _ := crypto.GenerateIdentity()
	if _, err := New(Config{Identity: id, PeerKey: []byte{1, 2, 3}}, &mockSender{}); err == nil {
		t.Error("New() with short peer key should fail")
	}
}

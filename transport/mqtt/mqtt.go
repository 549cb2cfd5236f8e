// Package mqtt bridges a gateway session to an MQTT broker.
//
// Inbound envelopes from the gateway are published to
// "{prefix}/{device}/rx" and envelopes published to "{prefix}/{device}/tx"
// are sent to the gateway. Payloads are the JSON wire form, or, when a
// passphrase or peer key is configured, the sealed JSON as base64.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/openmesh/meshchat-go/core/clock"
	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/crypto"
	"github.com/openmesh/meshchat-go/transport"
)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "meshchat"

	// DefaultSendTimeout bounds forwarding one tx envelope to the gateway.
	DefaultSendTimeout = 10 * time.Second

	publishTimeout = 10 * time.Second
	connectTimeout = 30 * time.Second
)

var (
	ErrMissingBroker = errors.New("broker URL is required")
	ErrMissingDevice = errors.New("device ID is required")
)

// Sender delivers an envelope to the gateway. *session.Session satisfies it.
type Sender interface {
	Send(ctx context.Context, env codec.Envelope) error
}

// Config holds the configuration for a Bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "meshchat").
	TopicPrefix string
	// DeviceID names the gateway in topics.
	DeviceID string

	// Passphrase seals payloads with a key shared by all bridge users.
	Passphrase string
	// Identity and PeerKey seal payloads pairwise with one remote console.
	// Takes precedence over Passphrase.
	Identity *crypto.Identity
	PeerKey  []byte

	// SendTimeout bounds forwarding one tx envelope. Default: 10 seconds.
	SendTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Bridge relays envelopes between a gateway session and an MQTT broker.
type Bridge struct {
	cfg    Config
	sender Sender
	sealer *crypto.Sealer
	clock  *clock.Clock
	client paho.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// New creates a Bridge forwarding tx envelopes to sender.
func New(cfg Config, sender Sender) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		cfg:    cfg,
		sender: sender,
		clock:  clock.New(),
		log:    cfg.Logger.WithGroup("mqtt"),
	}

	var err error
	switch {
	case cfg.Identity != nil && len(cfg.PeerKey) > 0:
		b.sealer, err = crypto.NewPairwiseSealer(cfg.Identity, cfg.PeerKey)
	case cfg.Passphrase != "":
		b.sealer, err = crypto.NewPassphraseSealer(cfg.Passphrase, cfg.DeviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("configuring payload sealing: %w", err)
	}
	return b, nil
}

// Start connects to the broker. Subscriptions are (re)established on
// every connect.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return ErrMissingBroker
	}
	if b.cfg.DeviceID == "" {
		return ErrMissingDevice
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "meshchat-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost).
		SetReconnectingHandler(b.onReconnecting)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	b.client = paho.NewClient(opts)

	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.client.Disconnect(1000)
		b.connected = false
	}
	return nil
}

// IsConnected returns true if the bridge is connected to the broker.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// RxTopic is where inbound gateway envelopes are published.
func (b *Bridge) RxTopic() string {
	return b.cfg.TopicPrefix + "/" + b.cfg.DeviceID + "/rx"
}

// TxTopic is where remote clients publish envelopes for the gateway.
func (b *Bridge) TxTopic() string {
	return b.cfg.TopicPrefix + "/" + b.cfg.DeviceID + "/tx"
}

// Publish sends an inbound envelope to the rx topic.
func (b *Bridge) Publish(env codec.Envelope) error {
	if !b.IsConnected() {
		return transport.ErrNotConnected
	}
	payload, err := b.encodePayload(env)
	if err != nil {
		return err
	}

	token := b.client.Publish(b.RxTopic(), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

// Forward publishes env and logs failures. Register it with session.OnAny.
func (b *Bridge) Forward(env codec.Envelope) {
	if err := b.Publish(env); err != nil {
		b.log.Debug("not forwarding rx envelope", "type", env.Type, "error", err)
	}
}

func (b *Bridge) encodePayload(env codec.Envelope) ([]byte, error) {
	data, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}
	if b.sealer == nil {
		return data, nil
	}
	sealed, err := b.sealer.Seal(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

func (b *Bridge) decodePayload(payload []byte) ([]byte, error) {
	if b.sealer == nil {
		return payload, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return b.sealer.Open(sealed)
}

func (b *Bridge) handleMessage(_ paho.Client, message paho.Message) {
	data, err := b.decodePayload(message.Payload())
	if err != nil {
		b.log.Warn("dropping tx message", "topic", message.Topic(), "error", err)
		return
	}

	res := codec.Decode(data, b.clock.Now())
	switch res.Outcome {
	case codec.OutcomeInvalidPayload:
		b.log.Warn("dropping invalid tx envelope", "type", res.Envelope.Type, "error", res.Err)
		return
	case codec.OutcomeTextFallback:
		b.log.Debug("forwarding plain text as text envelope")
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()
	if err := b.sender.Send(ctx, res.Envelope); err != nil {
		b.log.Warn("forwarding tx envelope failed", "type", res.Envelope.Type, "error", err)
		return
	}
	b.log.Debug("forwarded tx envelope", "type", res.Envelope.Type)
}

func (b *Bridge) onConnected(_ paho.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	topic := b.TxTopic()
	b.client.Subscribe(topic, 1, b.handleMessage)
	b.log.Info("connected to MQTT broker", "broker", b.cfg.Broker, "subscribed", topic, "sealed", b.sealer != nil)
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.log.Error("MQTT connection lost", "error", err)
}

func (b *Bridge) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	b.log.Info("reconnecting to MQTT broker")
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, n)
	for i := range s {
		s[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(s)
}

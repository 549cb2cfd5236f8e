// Package chat implements MeshChat conversations on top of a session.
//
// Outbound messages are stored as pending, written as text_message
// envelopes and marked sent or failed when the write resolves; the
// gateway's ack later marks them delivered. Inbound text_message and
// legacy message envelopes are de-duplicated, stored, credited to the
// sender's contact entry and announced through a Notifier.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmesh/meshchat-go/core/ack"
	"github.com/openmesh/meshchat-go/core/clock"
	"github.com/openmesh/meshchat-go/core/codec"
	"github.com/openmesh/meshchat-go/core/dedupe"
	"github.com/openmesh/meshchat-go/presence"
	"github.com/openmesh/meshchat-go/session"
	"github.com/openmesh/meshchat-go/store"
)

const (
	// EmergencyPrefix is prepended to the locally stored copy of an
	// outbound emergency message.
	EmergencyPrefix = "🚨 EMERGENCY: "

	TitleEmergency = "🚨 Emergency Message"
	TitleMessage   = "New Message"

	// DeviceContactID holds plain-text output from the gateway.
	DeviceContactID = "device"

	// DefaultSelfID is the sender id stamped on outbound messages.
	DefaultSelfID = "user"

	// Battery range of the gateway's cell, in millivolts.
	BatteryEmptyMV = 3200
	BatteryFullMV  = 4200

	resendTimeout = 10 * time.Second
)

var (
	ErrEmptyText    = errors.New("message text is empty")
	ErrNotConnected = session.ErrNotConnected
)

// Sender is the session surface the service writes through.
type Sender interface {
	Send(ctx context.Context, env codec.Envelope) error
	State() session.State
}

// Registrar registers envelope handlers, e.g. *session.Session.
type Registrar interface {
	OnMessage(t codec.MessageType, h session.Handler) (unregister func())
}

// Notifier presents a new-message notification to the user.
type Notifier interface {
	Notify(title, body string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(title, body string)

// Notify calls f(title, body).
func (f NotifierFunc) Notify(title, body string) { f(title, body) }

// DeviceStatus is the gateway's last reported device_info.
type DeviceStatus struct {
	Name           string `json:"name"`
	Version        string `json:"version,omitempty"`
	BatteryVoltage int    `json:"battery_voltage"` // millivolts
	BatteryPercent int    `json:"battery_percent"`
	UpdatedAt      int64  `json:"updated_at"` // epoch ms
}

// BatteryPercent maps a cell voltage to 0..100 over the
// BatteryEmptyMV..BatteryFullMV range, rounded to the nearest percent.
func BatteryPercent(mv int) int {
	pct := math.Round(float64(mv-BatteryEmptyMV) / float64(BatteryFullMV-BatteryEmptyMV) * 100)
	return int(min(max(pct, 0), 100))
}

// Config configures a Service.
type Config struct {
	// SelfID is the sender id of outbound messages. Default: "user".
	SelfID string

	// Store persists messages. Default: an in-memory store.
	Store store.MessageStore

	// Presence tracks contacts. Default: a new tracker.
	Presence *presence.Tracker

	// Notifier announces inbound messages. May be nil.
	Notifier Notifier

	// ACKTimeout and MaxRetries configure delivery tracking. A message
	// whose ack never arrives stays "sent".
	ACKTimeout time.Duration
	MaxRetries int

	// DedupeCapacity bounds inbound duplicate suppression.
	DedupeCapacity int

	Clock *clock.Clock

	// Logger for chat events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Service manages conversations over one session.
type Service struct {
	sender   Sender
	cfg      Config
	log      *slog.Logger
	clock    *clock.Clock
	store    store.MessageStore
	presence *presence.Tracker
	acks     *ack.Tracker
	seen     *dedupe.Deduplicator

	mu        sync.Mutex
	device    DeviceStatus
	hasDevice bool
	onMessage func(m store.Message)
	onDevice  func(d DeviceStatus)
}

// New creates a Service sending through sender.
func New(sender Sender, cfg Config) *Service {
	if cfg.SelfID == "" {
		cfg.SelfID = DefaultSelfID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.New(presence.Config{Clock: cfg.Clock, Logger: logger})
	}

	return &Service{
		sender:   sender,
		cfg:      cfg,
		log:      logger.WithGroup("chat"),
		clock:    cfg.Clock,
		store:    cfg.Store,
		presence: cfg.Presence,
		acks: ack.NewTracker(ack.TrackerConfig{
			ACKTimeout: cfg.ACKTimeout,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		}),
		seen: dedupe.NewWithCapacity(cfg.DedupeCapacity),
	}
}

// Register subscribes the service to the envelope types it consumes and
// returns a func that unsubscribes them all.
func (s *Service) Register(r Registrar) (unregister func()) {
	types := []codec.MessageType{
		codec.TypeTextMessage,
		codec.TypeLegacyMessage,
		codec.TypeAck,
		codec.TypeText,
		codec.TypeDeviceInfo,
	}
	var unregs []func()
	for _, t := range types {
		unregs = append(unregs, r.OnMessage(t, s.HandleEnvelope))
	}
	return func() {
		for _, u := range unregs {
			u()
		}
	}
}

// Start runs ack timeout checks until ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.acks.Start(ctx)
}

// Stop stops ack timeout checks.
func (s *Service) Stop() {
	s.acks.Stop()
}

// Presence returns the contact tracker.
func (s *Service) Presence() *presence.Tracker {
	return s.presence
}

// SetOnMessage sets the callback invoked when a message is stored or its
// status changes.
func (s *Service) SetOnMessage(fn func(m store.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// SetOnDeviceStatus sets the callback invoked on each device_info.
func (s *Service) SetOnDeviceStatus(fn func(d DeviceStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDevice = fn
}

// Device returns the last reported device status.
func (s *Service) Device() (DeviceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.hasDevice
}

// Messages returns a conversation, oldest first.
func (s *Service) Messages(contactID string, since int64, limit int) ([]store.Message, error) {
	return s.store.List(contactID, since, limit)
}

// SendText sends text to contactID ("" or "broadcast" for everyone).
// The message is stored before the write and returned with its final
// send status. It fails with ErrNotConnected, storing nothing, when the
// session is not connected.
func (s *Service) SendText(ctx context.Context, contactID, text string, emergency bool) (store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Message{}, ErrEmptyText
	}
	if contactID == "" {
		contactID = codec.BroadcastID
	}
	if s.sender.State() != session.StateConnected {
		return store.Message{}, ErrNotConnected
	}

	m := store.Message{
		ID:        uuid.NewString(),
		ContactID: contactID,
		SenderID:  s.cfg.SelfID,
		Text:      text,
		Timestamp: s.clock.NowUnique(),
		Sent:      true,
		Status:    store.StatusPending,
		Emergency: emergency,
	}
	if emergency {
		m.Text = EmergencyPrefix + text
	}
	env := codec.New(codec.TextMessage{
		RecipientID: contactID,
		SenderID:    s.cfg.SelfID,
		MessageID:   m.ID,
		Text:        text,
		Emergency:   emergency,
	}, m.Timestamp)

	if err := s.store.Append(m); err != nil {
		return store.Message{}, fmt.Errorf("storing message: %w", err)
	}
	s.emit(m)

	// Track before writing: the gateway may ack before Send returns.
	id := m.ID
	s.acks.Track(id, ack.Pending{
		OnACK: func() { s.transition(id, store.StatusDelivered) },
		OnTimeout: func() {
			s.log.Info("no delivery ack", "message_id", id)
		},
		Resend: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), resendTimeout)
			defer cancel()
			return s.sender.Send(ctx, env)
		},
	})

	if err := s.sender.Send(ctx, env); err != nil {
		s.acks.Cancel(id)
		s.transition(id, store.StatusFailed)
		s.log.Warn("send failed", "message_id", id, "error", err)
		m, _ = s.store.Get(id)
		return m, err
	}
	s.transition(id, store.StatusSent)
	m, _ = s.store.Get(id)
	return m, nil
}

// SendEmergency broadcasts text flagged as an emergency.
func (s *Service) SendEmergency(ctx context.Context, text string) (store.Message, error) {
	return s.SendText(ctx, codec.BroadcastID, text, true)
}

// SendLocation shares a GPS fix with the gateway.
func (s *Service) SendLocation(ctx context.Context, lat, lon, accuracy float64) error {
	return s.sender.Send(ctx, codec.New(codec.GPSUpdate{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  accuracy,
	}, 0))
}

// transition applies a status change if it is a legal move.
func (s *Service) transition(id string, to store.Status) {
	m, err := s.store.Get(id)
	if err != nil {
		s.log.Debug("status for unknown message", "message_id", id, "status", to)
		return
	}
	if !m.Status.CanTransition(to) {
		return
	}
	if err := s.store.UpdateStatus(id, to); err != nil {
		s.log.Warn("updating status", "message_id", id, "error", err)
		return
	}
	m.Status = to
	s.emit(m)
}

func (s *Service) emit(m store.Message) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// HandleEnvelope processes one inbound envelope.
func (s *Service) HandleEnvelope(env codec.Envelope) {
	ts := env.Timestamp
	if ts == 0 {
		ts = s.clock.Now()
	}

	switch p := env.Payload.(type) {
	case codec.TextMessage:
		contact := codec.BroadcastID
		if p.RecipientID != "" && p.RecipientID != codec.BroadcastID && p.SenderID != "" {
			contact = p.SenderID
		}
		s.receive(p.SenderID, p.MessageID, contact, p.Text, p.Emergency, ts)

	case codec.LegacyMessage:
		if p.SenderID != "" && p.SenderName != "" {
			s.presence.Touch(p.SenderID, ts)
			s.presence.SetName(p.SenderID, p.SenderName)
		}
		s.receive(p.SenderID, p.ID, codec.BroadcastID, p.Text, false, ts)

	case codec.Ack:
		if !s.acks.Resolve(p.MessageID) {
			// Late ack after a timeout still counts.
			s.transition(p.MessageID, store.StatusDelivered)
		}

	case codec.Text:
		m := store.Message{
			ID:        uuid.NewString(),
			ContactID: DeviceContactID,
			SenderID:  DeviceContactID,
			Text:      p.Text,
			Timestamp: ts,
			Status:    store.StatusDelivered,
		}
		if err := s.store.Append(m); err != nil {
			s.log.Warn("storing device text", "error", err)
			return
		}
		s.emit(m)

	case codec.DeviceInfo:
		d := DeviceStatus{
			Name:           p.DeviceName,
			Version:        p.Version,
			BatteryVoltage: p.BatteryVoltage,
			UpdatedAt:      ts,
		}
		if p.BatteryVoltage > 0 {
			d.BatteryPercent = BatteryPercent(p.BatteryVoltage)
		}
		s.mu.Lock()
		s.device = d
		s.hasDevice = true
		fn := s.onDevice
		s.mu.Unlock()
		s.log.Info("device info", "name", d.Name, "version", d.Version, "battery_mv", d.BatteryVoltage, "battery_pct", d.BatteryPercent)
		if fn != nil {
			fn(d)
		}
	}
}

func (s *Service) receive(sender, messageID, contact, text string, emergency bool, ts int64) {
	if s.seen.HasSeen(sender, messageID) {
		s.log.Debug("duplicate message", "sender", sender, "message_id", messageID)
		return
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	m := store.Message{
		ID:        messageID,
		ContactID: contact,
		SenderID:  sender,
		Text:      text,
		Timestamp: ts,
		Status:    store.StatusDelivered,
		Emergency: emergency,
	}
	if err := s.store.Append(m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.log.Debug("message already stored", "message_id", messageID)
		} else {
			s.log.Warn("storing message", "message_id", messageID, "error", err)
		}
		return
	}

	name := "unknown"
	if sender != "" {
		c, _ := s.presence.Touch(sender, ts)
		name = c.Name
	}
	s.emit(m)

	if s.cfg.Notifier != nil {
		title := TitleMessage
		if emergency {
			title = TitleEmergency
		}
		s.cfg.Notifier.Notify(title, fmt.Sprintf("From %s: %s", name, text))
	}
}

// Package relay mirrors a MeshChat session to browser front ends over
// WebSocket.
//
// The Hub pushes JSON events (chat messages, status changes, connection
// state, device status, mesh topology and notifications) to every
// connected client and accepts commands back:
//
//	{"type":"send","contact_id":"broadcast","text":"hello"}
//	{"type":"emergency","text":"need help"}
//	{"type":"location","latitude":52.5,"longitude":13.4,"accuracy":10}
//	{"type":"connect"} / {"type":"disconnect"}
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmesh/meshchat-go/chat"
	"github.com/openmesh/meshchat-go/mesh"
	"github.com/openmesh/meshchat-go/session"
	"github.com/openmesh/meshchat-go/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum command size allowed from peer.
	maxMessageSize = 16 * 1024

	sendBuffer = 64

	// DefaultCommandTimeout bounds one command.
	DefaultCommandTimeout = 30 * time.Second
)

// Event types pushed to clients.
const (
	EventMessage      = "message"
	EventState        = "state"
	EventDevice       = "device"
	EventTopology     = "topology"
	EventNotification = "notification"
	EventError        = "error"
)

// Command types accepted from clients.
const (
	CommandSend       = "send"
	CommandEmergency  = "emergency"
	CommandLocation   = "location"
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
)

var ErrUnknownCommand = errors.New("unknown command")

// Event is one JSON frame sent to clients.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Command is one JSON frame received from a client.
type Command struct {
	Type      string  `json:"type"`
	ContactID string  `json:"contact_id,omitempty"`
	Text      string  `json:"text,omitempty"`
	Emergency bool    `json:"emergency,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// StateChange is the data of an EventState.
type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NotificationData is the data of an EventNotification.
type NotificationData struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Chat is the chat surface commands are executed against.
type Chat interface {
	SendText(ctx context.Context, contactID, text string, emergency bool) (store.Message, error)
	SendLocation(ctx context.Context, lat, lon, accuracy float64) error
}

// Connector drives the gateway connection. Optional.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// Config configures a Hub.
type Config struct {
	Chat      Chat
	Connector Connector

	// CommandTimeout bounds one command. Default: 30 seconds.
	CommandTimeout time.Duration

	// CheckOrigin overrides the upgrader's origin check. Default: accept
	// same-host origins only.
	CheckOrigin func(r *http.Request) bool

	// Logger for relay events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	nowFn func() time.Time
}

// Compile-time checks for the collaborator roles the hub plays.
var (
	_ chat.Notifier   = (*Hub)(nil)
	_ mesh.Visualizer = (*Hub)(nil)
)

// New creates a Hub. Mount it as an http.Handler.
func New(cfg Config) *Hub {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg: cfg,
		log: logger.WithGroup("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		clients: make(map[*client]struct{}),
		nowFn:   time.Now,
	}
}

// ServeHTTP upgrades the request to a WebSocket client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("client connected", "remote", r.RemoteAddr, "clients", n)

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends ev to every client. Clients whose send buffer is full
// are dropped.
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = h.nowFn().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("encoding event", "type", ev.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// sendTo queues ev for one client.
func (h *Hub) sendTo(c *client, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = h.nowFn().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Notify implements chat.Notifier.
func (h *Hub) Notify(title, body string) {
	h.Broadcast(Event{Type: EventNotification, Data: NotificationData{Title: title, Body: body}})
}

// UpdateTopology implements mesh.Visualizer.
func (h *Hub) UpdateTopology(s mesh.Snapshot) {
	h.Broadcast(Event{Type: EventTopology, Data: s})
}

// PublishMessage pushes a stored or updated chat message.
func (h *Hub) PublishMessage(m store.Message) {
	h.Broadcast(Event{Type: EventMessage, Data: m})
}

// PublishState pushes a session state change.
func (h *Hub) PublishState(from, to session.State) {
	h.Broadcast(Event{Type: EventState, Data: StateChange{From: from.String(), To: to.String()}})
}

// PublishDevice pushes the gateway's device status.
func (h *Hub) PublishDevice(d chat.DeviceStatus) {
	h.Broadcast(Event{Type: EventDevice, Data: d})
}

func (h *Hub) handleCommand(c *client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendTo(c, Event{Type: EventError, Data: "invalid command: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CommandTimeout)
	defer cancel()

	if err := h.execute(ctx, cmd); err != nil {
		h.log.Debug("command failed", "type", cmd.Type, "error", err)
		h.sendTo(c, Event{Type: EventError, Data: err.Error()})
	}
}

func (h *Hub) execute(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandSend:
		if h.cfg.Chat == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
		}
		_, err := h.cfg.Chat.SendText(ctx, cmd.ContactID, cmd.Text, cmd.Emergency)
		return err
	case CommandEmergency:
		if h.cfg.Chat == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
		}
		_, err := h.cfg.Chat.SendText(ctx, "", cmd.Text, true)
		return err
	case CommandLocation:
		if h.cfg.Chat == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
		}
		return h.cfg.Chat.SendLocation(ctx, cmd.Latitude, cmd.Longitude, cmd.Accuracy)
	case CommandConnect:
		if h.cfg.Connector == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
		}
		return h.cfg.Connector.Connect(ctx)
	case CommandDisconnect:
		if h.cfg.Connector == nil {
			return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
		}
		return h.cfg.Connector.Disconnect()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// client is a middleman between the websocket connection and the hub.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump reads commands until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client read error", "error", err)
			}
			return
		}
		c.hub.handleCommand(c, msg)
	}
}

// writePump writes queued events and pings until send is closed.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

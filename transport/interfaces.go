// Package transport defines the link between a MeshChat client and its
// gateway peripheral, and the pieces shared by every link backend.
//
// A Link finds one peripheral advertising a service, connects to its
// inbound (notify) and outbound (write) characteristics, writes bytes in
// MTU-sized frames and reports notifications and disconnects on a single
// ordered event stream. Backends live in subpackages: ble (tinygo
// bluetooth), bluez (BlueZ over D-Bus), serial (wired UART gateway) and
// loopback (in-memory, for tests and demos).
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Link is a byte channel to a single gateway peripheral.
type Link interface {
	// Scan looks for a peripheral advertising svc.Service whose name equals
	// nameFilter or starts with it. An empty filter accepts any name.
	// Scanning stops at the first match.
	Scan(ctx context.Context, svc ServiceDescriptor, nameFilter string) (Peripheral, error)
	// Connect opens the peripheral, resolves both characteristics and
	// subscribes to inbound notifications.
	Connect(ctx context.Context, p Peripheral) error
	// Write sends data to the outbound characteristic in MTU-sized frames.
	Write(ctx context.Context, data []byte) error
	// Events returns the link's event stream. The same channel is returned
	// for the life of the Link.
	Events() <-chan Event
	// Disconnect closes the connection. It is safe to call repeatedly.
	Disconnect() error
	// IsConnected reports whether a peripheral is connected.
	IsConnected() bool
}

const (
	// DefaultScanTimeout bounds Scan when ctx has no earlier deadline.
	DefaultScanTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds Connect.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds a whole chunked Write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultMTU is the frame budget for a single characteristic write.
	DefaultMTU = 200
	// DefaultFrameDelay separates consecutive frames of one Write.
	DefaultFrameDelay = 50 * time.Millisecond
)

var (
	ErrScanTimeout      = errors.New("scan timed out")
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectTimeout   = fmt.Errorf("%w: timed out", ErrConnectionFailed)
	ErrServiceNotFound  = errors.New("service not found")
	ErrWriteFailed      = errors.New("write failed")
	ErrNotConnected     = errors.New("not connected")
)

// Nordic UART Service layout used by the MeshChat gateway firmware.
const (
	MeshChatServiceUUID  = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	MeshChatOutboundUUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	MeshChatInboundUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	// DefaultNameFilter matches "MeshChat" and "MeshChat-*" advertisers.
	DefaultNameFilter = "MeshChat"
)

// ServiceDescriptor names the GATT service and its two characteristics.
// Inbound is notified by the peripheral; Outbound is written by us.
type ServiceDescriptor struct {
	Service  string
	Inbound  string
	Outbound string
}

// MeshChatService is the gateway's service layout.
var MeshChatService = ServiceDescriptor{
	Service:  MeshChatServiceUUID,
	Inbound:  MeshChatInboundUUID,
	Outbound: MeshChatOutboundUUID,
}

// Equal compares descriptors ignoring UUID case.
func (d ServiceDescriptor) Equal(o ServiceDescriptor) bool {
	return SameUUID(d.Service, o.Service) &&
		SameUUID(d.Inbound, o.Inbound) &&
		SameUUID(d.Outbound, o.Outbound)
}

// IsZero reports whether d names no service.
func (d ServiceDescriptor) IsZero() bool {
	return d == ServiceDescriptor{}
}

// SameUUID compares two UUID strings ignoring case.
func SameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

// MatchName reports whether an advertised name passes filter.
func MatchName(name, filter string) bool {
	return filter == "" || strings.HasPrefix(name, filter)
}

// Peripheral identifies a discovered gateway. Handle is backend-private.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int
	Handle  any
}

func (p Peripheral) String() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name + " (" + p.Address + ")"
}

// EventType distinguishes link events.
type EventType int

const (
	// EventNotification carries one inbound characteristic value.
	EventNotification EventType = iota
	// EventDisconnected is delivered exactly once per connection, after
	// the link has released its characteristic handles.
	EventDisconnected
)

func (e EventType) String() string {
	switch e {
	case EventNotification:
		return "notification"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one item on a link's event stream.
type Event struct {
	Type EventType
	// Data is the notification value. Owned by the receiver.
	Data []byte
	// Source is the peripheral address the event came from.
	Source string
	// Err is the drop cause for EventDisconnected; nil when voluntary.
	Err error
}

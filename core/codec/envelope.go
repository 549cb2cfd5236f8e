// Package codec translates between MeshChat envelopes and the bytes carried
// over the gateway link.
//
// The gateway firmware and both front ends exchange flat JSON objects tagged
// with a "type" field:
//
//	{"type":"text_message","recipient_id":"broadcast","text":"hi","emergency":false,"timestamp":1700000000000}
//
// Each recognized tag maps to one Go payload type. Decoding never fails:
// bytes that are not a JSON object are delivered as a plain-text envelope,
// since the firmware may emit diagnostic text on the notify characteristic.
package codec

import "encoding/json"

// MessageType is the envelope discriminator carried in the "type" field.
type MessageType string

const (
	TypeRequest       MessageType = "request"
	TypeTextMessage   MessageType = "text_message"
	TypeLegacyMessage MessageType = "message"
	TypeDeviceInfo    MessageType = "device_info"
	TypeNetworkStatus MessageType = "network_status"
	TypeAck           MessageType = "ack"
	TypeGPSUpdate     MessageType = "gps_update"
	TypeText          MessageType = "text"
)

// Well-known values used by the firmware protocol.
const (
	// BroadcastID addresses every node on the mesh.
	BroadcastID = "broadcast"
	// ActionDeviceInfo asks the gateway to report a device_info envelope.
	ActionDeviceInfo = "device_info"
)

// Envelope is the unit of application meaning exchanged with the gateway.
type Envelope struct {
	Type      MessageType
	Payload   Payload
	Timestamp int64 // epoch milliseconds, 0 when absent
}

// New builds an envelope whose Type matches the payload's tag.
func New(p Payload, timestamp int64) Envelope {
	return Envelope{Type: p.MessageType(), Payload: p, Timestamp: timestamp}
}

// Payload is implemented by every envelope body. The set is closed: only
// types in this package satisfy it.
type Payload interface {
	MessageType() MessageType
	isPayload()
}

// Request asks the gateway to perform an action, e.g. report device info.
type Request struct {
	Action string `json:"action"`
}

// TextMessage is a chat message routed through the mesh.
type TextMessage struct {
	RecipientID string `json:"recipient_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Text        string `json:"text"`
	Emergency   bool   `json:"emergency"`
}

// Location is a GPS fix attached to a legacy chat message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// LegacyMessage is the chat shape written by the native mobile app.
type LegacyMessage struct {
	ID         string    `json:"id,omitempty"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	Location   *Location `json:"location,omitempty"`
}

// DeviceInfo describes the gateway peripheral.
type DeviceInfo struct {
	DeviceName     string `json:"device_name,omitempty"`
	BatteryVoltage int    `json:"battery_voltage,omitempty"` // millivolts
	Version        string `json:"version,omitempty"`
}

// Route is one entry of the gateway's routing table.
type Route struct {
	Destination string `json:"destination"`
	NextHop     string `json:"nextHop"`
	RSSI        int    `json:"rssi,omitempty"`
	Hops        int    `json:"hops,omitempty"`
}

// Neighbor is a directly reachable mesh node.
type Neighbor struct {
	DeviceID string `json:"deviceId"`
	RSSI     int    `json:"rssi,omitempty"`
}

// NetworkStatus reports the gateway's view of the mesh.
type NetworkStatus struct {
	ConnectedDevices int        `json:"connected_devices"`
	Routes           Routes     `json:"routes"`
	Neighbors        []Neighbor `json:"neighbors,omitempty"`
}

// Ack confirms end-to-end delivery of a text message.
type Ack struct {
	MessageID string `json:"message_id"`
}

// GPSUpdate shares the phone's position with the gateway.
type GPSUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Text carries inbound bytes that were not a typed JSON envelope.
type Text struct {
	Text string `json:"text"`
}

// Unknown retains an envelope whose tag has no registered payload type.
// Fields holds the wire object's members other than "type" and "timestamp".
type Unknown struct {
	Tag    string
	Fields map[string]json.RawMessage
}

func (Request) MessageType() MessageType       { return TypeRequest }
func (TextMessage) MessageType() MessageType   { return TypeTextMessage }
func (LegacyMessage) MessageType() MessageType { return TypeLegacyMessage }
func (DeviceInfo) MessageType() MessageType    { return TypeDeviceInfo }
func (NetworkStatus) MessageType() MessageType { return TypeNetworkStatus }
func (Ack) MessageType() MessageType           { return TypeAck }
func (GPSUpdate) MessageType() MessageType     { return TypeGPSUpdate }
func (Text) MessageType() MessageType          { return TypeText }
func (u Unknown) MessageType() MessageType     { return MessageType(u.Tag) }

func (Request) isPayload()       {}
func (TextMessage) isPayload()   {}
func (LegacyMessage) isPayload() {}
func (DeviceInfo) isPayload()    {}
func (NetworkStatus) isPayload() {}
func (Ack) isPayload()           {}
func (GPSUpdate) isPayload()     {}
func (Text) isPayload()          {}
func (Unknown) isPayload()       {}

// Routes is the "routes" field of network_status. The web client reads it
// as a route count, the mesh view as an array of entries; both are accepted.
// When Entries is nil the value is written as a bare count.
type Routes struct {
	Count   int
	Entries []Route
}

// MarshalJSON writes Entries as an array, or Count when Entries is nil.
func (r Routes) MarshalJSON() ([]byte, error) {
	if r.Entries != nil {
		return json.Marshal(r.Entries)
	}
	return json.Marshal(r.Count)
}

// UnmarshalJSON accepts either a number or an array of routes.
func (r *Routes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Routes{}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = Routes{Count: n}
		return nil
	}
	var entries []Route
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	if entries == nil {
		entries = []Route{}
	}
	*r = Routes{Count: len(entries), Entries: entries}
	return nil
}

// newPayload returns a pointer to a zero payload for a registered tag.
func newPayload(t MessageType) (any, bool) {
	switch t {
	case TypeRequest:
		return &Request{}, true
	case TypeTextMessage:
		return &TextMessage{}, true
	case TypeLegacyMessage:
		return &LegacyMessage{}, true
	case TypeDeviceInfo:
		return &DeviceInfo{}, true
	case TypeNetworkStatus:
		return &NetworkStatus{}, true
	case TypeAck:
		return &Ack{}, true
	case TypeGPSUpdate:
		return &GPSUpdate{}, true
	case TypeText:
		return &Text{}, true
	default:
		return nil, false
	}
}

// deref converts the pointer returned by newPayload into a Payload value.
func deref(v any) Payload {
	switch p := v.(type) {
	case *Request:
		return *p
	case *TextMessage:
		return *p
	case *LegacyMessage:
		return *p
	case *DeviceInfo:
		return *p
	case *NetworkStatus:
		return *p
	case *Ack:
		return *p
	case *GPSUpdate:
		return *p
	case *Text:
		return *p
	}
	return nil
}

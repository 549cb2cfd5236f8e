// Package store persists chat messages.
//
// MessageStore is the persistence boundary used by the chat service. Memory
// keeps a bounded history in process; the sqlite subpackage keeps it on
// disk.
package store

import "errors"

const (
	// DefaultMaxMessages bounds the in-memory history.
	DefaultMaxMessages = 1000
)

var (
	ErrNotFound  = errors.New("message not found")
	ErrDuplicate = errors.New("duplicate message id")
)

// Status is a chat message's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether a message in state s may move to next.
// Delivered and failed are final. An ack may overtake the write
// completion, so pending may go straight to delivered.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed || next == StatusDelivered
	case StatusSent:
		return next == StatusDelivered
	default:
		return false
	}
}

// Message is one chat message, outbound (Sent) or inbound.
type Message struct {
	ID        string `json:"id"`
	ContactID string `json:"contact_id"` // conversation: a peer id or "broadcast"
	SenderID  string `json:"sender_id,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch ms
	Sent      bool   `json:"sent"`
	Status    Status `json:"status"`
	Emergency bool   `json:"emergency"`
}

// MessageStore is the interface for message storage backends. Messages are
// append-only; only Status changes after Append.
type MessageStore interface {
	// Append stores m. Returns ErrDuplicate if m.ID is already stored.
	Append(m Message) error

	// UpdateStatus sets the status of message id. Returns ErrNotFound if
	// the message is not stored.
	UpdateStatus(id string, status Status) error

	// Get returns the message with id, or ErrNotFound.
	Get(id string) (Message, error)

	// List returns up to limit messages for contactID with Timestamp
	// strictly greater than since, oldest first. limit <= 0 means no limit.
	List(contactID string, since int64, limit int) ([]Message, error)

	// Contacts returns the ids of conversations with stored messages.
	Contacts() ([]string, error)

	// Count returns the number of stored messages.
	Count() (int, error)
}

// Package dedupe suppresses chat messages the mesh delivers more than once.
//
// Flooded mesh traffic can reach the gateway over several paths, and a
// reconnecting gateway may replay recent messages. Messages are identified
// by (sender, message id), the same key the firmware uses, and remembered
// in a fixed-size circular buffer so memory stays bounded.
package dedupe

import (
	"crypto/sha256"
)

const (
	// DefaultCapacity is the default number of remembered messages.
	DefaultCapacity = 128
	// KeySize is the truncated SHA256 size stored per message.
	KeySize = 8
)

// Deduplicator remembers recently seen messages. It is not safe for
// concurrent use.
type Deduplicator struct {
	keys     [][KeySize]byte
	used     int
	next     int
	capacity int
}

// New creates a Deduplicator with the default capacity.
func New() *Deduplicator {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Deduplicator remembering up to capacity messages.
func NewWithCapacity(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Deduplicator{
		keys:     make([][KeySize]byte, capacity),
		capacity: capacity,
	}
}

// HasSeen reports whether (sender, messageID) was seen before, recording
// it if not. An empty messageID carries no identity and is never a
// duplicate.
func (d *Deduplicator) HasSeen(sender, messageID string) bool {
	if messageID == "" {
		return false
	}
	key := Key(sender, messageID)
	for i := range d.used {
		if d.keys[i] == key {
			return true
		}
	}

	d.keys[d.next] = key
	d.next = (d.next + 1) % d.capacity
	if d.used < d.capacity {
		d.used++
	}
	return false
}

// Len returns the number of remembered messages.
func (d *Deduplicator) Len() int {
	return d.used
}

// Clear forgets all messages.
func (d *Deduplicator) Clear() {
	clear(d.keys)
	d.used = 0
	d.next = 0
}

// Key computes the stored key for a message: SHA256(sender, 0, id)
// truncated to KeySize bytes.
func Key(sender, messageID string) [KeySize]byte {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(messageID))
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

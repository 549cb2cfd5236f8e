// Package presence tracks the chat contacts seen on the mesh and when each
// was last heard from.
//
// Contacts are created on first contact (an inbound message) and named by
// a short form of their sender id until a real name is known. The
// broadcast contact always exists and is never evicted.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/openmesh/meshchat-go/core/clock"
	"github.com/openmesh/meshchat-go/core/codec"
)

const (
	// DefaultMaxContacts is the default maximum number of contacts,
	// broadcast included.
	DefaultMaxContacts = 64

	// BroadcastName is the display name of the broadcast contact.
	BroadcastName = "Broadcast"

	shortIDLen = 8
)

var (
	ErrContactNotFound = errors.New("contact not found")
	// ErrPinned is returned when removing the broadcast contact.
	ErrPinned = errors.New("contact is pinned")
)

// Contact is a chat peer.
type Contact struct {
	ID       string
	Name     string
	LastSeen int64 // epoch ms
}

// IsBroadcast reports whether c is the broadcast contact.
func (c Contact) IsBroadcast() bool {
	return c.ID == codec.BroadcastID
}

// Config configures a Tracker.
type Config struct {
	// MaxContacts bounds the tracker. When full, the contact heard from
	// least recently is evicted. Default: 64.
	MaxContacts int

	// Clock supplies LastSeen for the broadcast contact and labels.
	Clock *clock.Clock

	// Logger for contact events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker is a thread-safe contact list.
type Tracker struct {
	cfg      Config
	log      *slog.Logger
	clock    *clock.Clock
	mu       sync.RWMutex
	contacts map[string]*Contact

	onAdded   func(c Contact)
	onRemoved func(id string)
}

// New creates a Tracker holding only the broadcast contact.
func New(cfg Config) *Tracker {
	if cfg.MaxContacts <= 1 {
		cfg.MaxContacts = DefaultMaxContacts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:      cfg,
		log:      logger.WithGroup("presence"),
		clock:    cfg.Clock,
		contacts: make(map[string]*Contact),
	}
	t.contacts[codec.BroadcastID] = &Contact{
		ID:       codec.BroadcastID,
		Name:     BroadcastName,
		LastSeen: cfg.Clock.Now(),
	}
	return t
}

// SetOnContactAdded sets the callback invoked when a new contact appears.
func (t *Tracker) SetOnContactAdded(fn func(c Contact)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAdded = fn
}

// SetOnContactRemoved sets the callback invoked when a contact is evicted
// or removed.
func (t *Tracker) SetOnContactRemoved(fn func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemoved = fn
}

// Touch records activity from id at ts (epoch ms), creating the contact if
// needed. LastSeen never moves backwards. It reports whether the contact
// is new.
func (t *Tracker) Touch(id string, ts int64) (Contact, bool) {
	if ts == 0 {
		ts = t.clock.Now()
	}

	t.mu.Lock()
	if c, ok := t.contacts[id]; ok {
		if ts > c.LastSeen {
			c.LastSeen = ts
		}
		out := *c
		t.mu.Unlock()
		return out, false
	}

	evicted := t.evictLocked()
	c := &Contact{ID: id, Name: ShortName(id), LastSeen: ts}
	t.contacts[id] = c
	out := *c
	added, removed := t.onAdded, t.onRemoved
	t.mu.Unlock()

	if evicted != "" {
		t.log.Debug("evicted contact", "id", evicted)
		if removed != nil {
			removed(evicted)
		}
	}
	t.log.Info("new contact", "id", id)
	if added != nil {
		added(out)
	}
	return out, true
}

// evictLocked makes room for one contact and returns the evicted id.
func (t *Tracker) evictLocked() string {
	if len(t.contacts) < t.cfg.MaxContacts {
		return ""
	}
	var oldest *Contact
	for _, c := range t.contacts {
		if c.IsBroadcast() {
			continue
		}
		if oldest == nil || c.LastSeen < oldest.LastSeen {
			oldest = c
		}
	}
	if oldest == nil {
		return ""
	}
	delete(t.contacts, oldest.ID)
	return oldest.ID
}

// SetName renames a contact.
func (t *Tracker) SetName(id, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContactNotFound, id)
	}
	c.Name = name
	return nil
}

// Get returns a copy of the contact with id.
func (t *Tracker) Get(id string) (Contact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.contacts[id]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

// Remove deletes a contact. The broadcast contact cannot be removed.
func (t *Tracker) Remove(id string) error {
	if id == codec.BroadcastID {
		return ErrPinned
	}
	t.mu.Lock()
	if _, ok := t.contacts[id]; !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContactNotFound, id)
	}
	delete(t.contacts, id)
	removed := t.onRemoved
	t.mu.Unlock()

	if removed != nil {
		removed(id)
	}
	return nil
}

// Count returns the number of contacts, broadcast included.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contacts)
}

// List returns the broadcast contact first, then the rest by most recently
// seen.
func (t *Tracker) List() []Contact {
	t.mu.RLock()
	out := make([]Contact, 0, len(t.contacts))
	for _, c := range t.contacts {
		out = append(out, *c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsBroadcast() != out[j].IsBroadcast() {
			return out[i].IsBroadcast()
		}
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Label returns the last-seen label for c relative to the tracker clock.
func (t *Tracker) Label(c Contact) string {
	return LastSeenLabel(t.clock.Now(), c.LastSeen)
}

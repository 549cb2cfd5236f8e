package store

import (
	"sort"
	"sync"
)

// Compile-time assertion that Memory implements MessageStore.
var _ MessageStore = (*Memory)(nil)

// Memory is an in-memory MessageStore backed by a circular buffer. When the
// buffer is full, the oldest message is overwritten.
type Memory struct {
	mu       sync.RWMutex
	msgs     []*Message
	byID     map[string]*Message
	capacity int
	head     int // next write position
	count    int
}

// NewMemory creates a store holding up to capacity messages. If capacity
// is 0, DefaultMaxMessages is used.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMaxMessages
	}
	return &Memory{
		msgs:     make([]*Message, capacity),
		byID:     make(map[string]*Message, capacity),
		capacity: capacity,
	}
}

func (s *Memory) Append(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.ID]; ok {
		return ErrDuplicate
	}
	if old := s.msgs[s.head]; old != nil {
		delete(s.byID, old.ID)
	}
	stored := m
	s.msgs[s.head] = &stored
	s.byID[m.ID] = &stored
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	return nil
}

func (s *Memory) UpdateStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *Memory) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

// List scans oldest to newest in insertion order, then orders by
// timestamp. Messages with equal timestamps keep insertion order.
func (s *Memory) List(contactID string, since int64, limit int) ([]Message, error) {
	s.mu.RLock()
	var out []Message
	start := s.oldestIndex()
	for i := 0; i < s.count; i++ {
		m := s.msgs[(start+i)%s.capacity]
		if m != nil && m.ContactID == contactID && m.Timestamp > since {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) Contacts() ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]bool)
	for _, m := range s.byID {
		seen[m.ContactID] = true
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Memory) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, nil
}

// Clear removes all messages.
func (s *Memory) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		s.msgs[i] = nil
	}
	s.byID = make(map[string]*Message, s.capacity)
	s.head = 0
	s.count = 0
}

// oldestIndex returns the buffer index of the oldest message.
// Must be called with s.mu held.
func (s *Memory) oldestIndex() int {
	if s.count < s.capacity {
		return 0
	}
	return s.head
}

package session

import "sync/atomic"

// Counters tracks session traffic using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	EnvelopesSent   atomic.Uint64 // Envelopes written to the link
	BytesSent       atomic.Uint64 // Encoded bytes written, framing included
	WriteErrors     atomic.Uint64 // Sends that failed at the link
	Notifications   atomic.Uint64 // Inbound characteristic values
	Decoded         atomic.Uint64 // Inbound envelopes with a registered type
	TextFallbacks   atomic.Uint64 // Inbound values delivered as plain text
	UnknownTypes    atomic.Uint64 // Inbound envelopes with an unregistered tag
	InvalidPayloads atomic.Uint64 // Known tags with malformed fields (dropped)
	Unhandled       atomic.Uint64 // Envelopes with no typed handler
	Disconnects     atomic.Uint64 // Disconnect events from the link
}

// StatsSnapshot is a plain-value copy of Counters for reading.
type StatsSnapshot struct {
	EnvelopesSent   uint64
	BytesSent       uint64
	WriteErrors     uint64
	Notifications   uint64
	Decoded         uint64
	TextFallbacks   uint64
	UnknownTypes    uint64
	InvalidPayloads uint64
	Unhandled       uint64
	Disconnects     uint64
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		EnvelopesSent:   c.EnvelopesSent.Load(),
		BytesSent:       c.BytesSent.Load(),
		WriteErrors:     c.WriteErrors.Load(),
		Notifications:   c.Notifications.Load(),
		Decoded:         c.Decoded.Load(),
		TextFallbacks:   c.TextFallbacks.Load(),
		UnknownTypes:    c.UnknownTypes.Load(),
		InvalidPayloads: c.InvalidPayloads.Load(),
		Unhandled:       c.Unhandled.Load(),
		Disconnects:     c.Disconnects.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.EnvelopesSent.Store(0)
	c.BytesSent.Store(0)
	c.WriteErrors.Store(0)
	c.Notifications.Store(0)
	c.Decoded.Store(0)
	c.TextFallbacks.Store(0)
	c.UnknownTypes.Store(0)
	c.InvalidPayloads.Store(0)
	c.Unhandled.Store(0)
	c.Disconnects.Store(0)
}

package session

// State is the lifecycle of a session's connection to its gateway.
//
//	Idle -> Scanning -> Connecting -> Connected -> Disconnected
//	Disconnected -> Scanning (retry)
//
// A failed scan or connect returns the session to Idle.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// busy reports whether a connect attempt is in progress or has succeeded.
func (s State) busy() bool {
	return s == StateScanning || s == StateConnecting || s == StateConnected
}

// Framing selects how envelopes are delimited on the link.
type Framing int

const (
	// FramingNone sends encoded JSON as-is and treats each notification as
	// one complete message. This is what the gateway firmware speaks.
	FramingNone Framing = iota
	// FramingLengthPrefixed wraps each envelope in a checksummed
	// length-prefixed frame, reassembled across notifications.
	FramingLengthPrefixed
)

func (f Framing) String() string {
	switch f {
	case FramingNone:
		return "none"
	case FramingLengthPrefixed:
		return "length-prefixed"
	default:
		return "unknown"
	}
}

// ParseFraming maps a framing name to its value.
func ParseFraming(name string) (Framing, bool) {
	switch name {
	case "", "none":
		return FramingNone, true
	case "length-prefixed", "framed":
		return FramingLengthPrefixed, true
	default:
		return FramingNone, false
	}
}

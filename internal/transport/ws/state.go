package ws

// State is the lifecycle state of a chat session's connection.
type State int

const (
	StateIdle       State = iota // Not started
	StateConnecting              // Dial in progress
	StateOpen                    // Handshake done, greeting sent
	StateClosing                 // Peer started the close handshake
	StateClosed                  // Closed normally; terminal
	StateFailed                  // Connect or transport failure; terminal
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// EventType identifies a Listener event.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventClosing
	EventClosed
	EventFailure
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "Open"
	case EventMessage:
		return "Message"
	case EventClosing:
		return "Closing"
	case EventClosed:
		return "Closed"
	case EventFailure:
		return "Failure"
	default:
		return "Unknown"
	}
}

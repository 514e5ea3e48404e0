package wsconn

// State represents the lifecycle phase of a Conn.
// States only ever move forward.
type State int

const (
	// StatePending is the initial state: the upgrade was detected but the
	// application has neither accepted nor rejected it.
	StatePending State = iota
	// StateConnecting covers the accept frame being handed to the transport.
	StateConnecting
	// StateConnected indicates a completed handshake.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

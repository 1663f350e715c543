package realtime

// State is the connection state of a [Manager].
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a snapshot of the manager's state. A non-empty Err annotates a
// Disconnected state with the reason the last session failed; it does not
// prevent a new Connect.
type Status struct {
	State     State  `json:"state"`
	Err       string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

package link

import "fmt"

// State is the connection state of the BLE link
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ServicesDiscovered
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ServicesDiscovered:
		return "services-discovered"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time view of the link
type Snapshot struct {
	State      State  `json:"state"`
	Running    bool   `json:"running"`
	Target     string `json:"target"`
	Session    uint64 `json:"session"` // incremented each time Ready is entered
	Attempt    int    `json:"attempt"` // consecutive failed attempts
	LastError  string `json:"last_error,omitempty"`
	MaxPayload int    `json:"max_payload,omitempty"`
}

// UnmarshalText parses a state name, as sent by the control API
func (s *State) UnmarshalText(text []byte) error {
	for st := Disconnected; st <= Ready; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", text)
}

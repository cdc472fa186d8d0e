package datastore

// State is the tunnel/pool lifecycle.
//
// Transitions: Down -> Connecting -> Active, Active -> Down on loss, and
// Active -> Down -> Connecting on an explicit reconnect.
type State int32

const (
	StateDown State = iota
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

package peer

// State represents the lifecycle of a peer session. A dropped
// connection re-enters Connecting; there is no distinct reconnecting
// state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	}
	return "unknown"
}

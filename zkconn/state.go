package zkconn

// State is the connectivity state of the managed session. Transitions are
// driven only by session watch events and by the client's explicit close.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

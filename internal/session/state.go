package session

// State is a session's position in its lifecycle.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Event is something the transport or the application reports about a
// session.
type Event int

const (
	EventRemoteDescription Event = iota
	EventConnected
	EventFailed
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventRemoteDescription:
		return "remote-description"
	case EventConnected:
		return "connected"
	case EventFailed:
		return "failed"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Next is the session transition function. It returns the state after ev
// and whether that differs from s. Events that do not apply in s leave it
// unchanged.
func Next(s State, ev Event) (State, bool) {
	if s.Terminal() {
		return s, false
	}

	switch ev {
	case EventClose:
		return StateClosed, true
	case EventFailed:
		return StateFailed, true
	case EventRemoteDescription:
		if s == StateNew {
			return StateNegotiating, true
		}
	case EventConnected:
		if s == StateNegotiating {
			return StateConnected, true
		}
	}
	return s, false
}

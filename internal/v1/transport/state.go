package transport

import "github.com/RoseWrightdev/vrlink/internal/v1/metrics"

// State is the connection lifecycle state of the server.
//
//	Listening → Accepting → Handshaking → Connected → Disconnected → Listening
//
// A peer handshaking while a tablet is connected leaves the state at Connected.
type State int32

const (
	StateListening State = iota
	StateAccepting
	StateHandshaking
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
	metrics.SetConnectionState(state.String())
}

// setIdleState records a pre-connection state unless a tablet is connected.
func (s *Server) setIdleState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil && s.running.Load() {
		s.setState(state)
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

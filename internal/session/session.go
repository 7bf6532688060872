// Package session turns signaling messages into established transport
// connections, one state machine per remote peer.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roomdrop/roomdrop/internal/transport"
)

// ErrNegotiationFailed wraps malformed or out-of-sequence offer/answer
// errors. It is scoped to one peer; other sessions are unaffected.
var ErrNegotiationFailed = errors.New("negotiation failed")

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnectionPending
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnectionPending:
		return "connection-pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleNone Role = iota
	// RoleOfferer is taken by the peer that observes the other's join.
	RoleOfferer
	// RoleAnswerer is taken by the joining peer; it never self-initiates
	// an offer, which rules out glare.
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// Session is the negotiation state for one remote peer. All transitions
// for a peer serialize on its mutex; sessions for different peers run
// concurrently.
type Session struct {
	mu          sync.Mutex
	peerID      string
	displayName string
	role        Role
	state       State
	conn        transport.Conn

	// The session is connected only once both hold: the transport can
	// report connected before the data channel finishes opening, and
	// sends fail until it does.
	transportUp bool
	channelOpen bool

	connected bool
	closed    bool
}

func (s *Session) PeerID() string {
	return s.peerID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

func failf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNegotiationFailed, fmt.Sprintf(format, args...))
}

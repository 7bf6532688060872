package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/signal"
	"github.com/roomdrop/roomdrop/internal/transport"
)

// Outbox appends an outgoing signaling message to the room mailbox.
type Outbox interface {
	Send(ctx context.Context, msg signal.Message) error
}

// Callbacks report session events upward. A callback may be nil.
// PeerConnected fires only once the peer's data channel is open, so a
// send issued from it succeeds. NegotiationFailed and PeerDisconnected
// are scoped to one peer and never affect other sessions.
type Callbacks struct {
	PeerConnected     func(peerID, displayName string)
	PeerDisconnected  func(peerID string)
	ChannelOpen       func(peerID string)
	Message           func(peerID string, data []byte)
	NegotiationFailed func(peerID string, err error)
}

// Manager owns one Session per remote peer and routes relay-delivered
// signaling messages and transport events through them.
type Manager struct {
	localID   string
	localName string
	factory   transport.Factory
	outbox    Outbox
	cb        Callbacks
	log       *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(localID, localName string, factory transport.Factory, outbox Outbox, cb Callbacks, log *logrus.Logger) *Manager {
	return &Manager{
		localID:   localID,
		localName: localName,
		factory:   factory,
		outbox:    outbox,
		cb:        cb,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// HandleSignal reacts to one relay-delivered message. The relay has
// already validated shape and filtered self/processed messages.
func (m *Manager) HandleSignal(ctx context.Context, msg signal.Message) {
	switch msg.Type {
	case signal.TypeJoin:
		payload, err := msg.Join()
		if err != nil {
			m.log.Warnf("dropping join from %s: %v", msg.From, err)
			return
		}
		name := payload.DisplayName
		if name == "" {
			name = msg.FromName
		}
		m.handleJoin(ctx, msg.From, name)
	case signal.TypeOffer:
		m.handleOffer(ctx, msg)
	case signal.TypeAnswer:
		m.handleAnswer(ctx, msg)
	case signal.TypeCandidate:
		m.handleCandidate(msg)
	case signal.TypeLeave:
		m.log.Infof("peer %s left the room", msg.From)
		m.closeSession(msg.From)
	default:
		m.log.Warnf("unhandled signal type %q from %s", msg.Type, msg.From)
	}
}

// handleJoin makes the local peer the offerer: the peer that observes a
// join always offers, the joining peer always waits.
func (m *Manager) handleJoin(ctx context.Context, peerID, displayName string) {
	m.mu.Lock()
	if _, exists := m.sessions[peerID]; exists {
		m.mu.Unlock()
		m.log.Debugf("ignoring duplicate join from %s", peerID)
		return
	}
	s := &Session{
		peerID:      peerID,
		displayName: displayName,
		role:        RoleOfferer,
		state:       StateNegotiating,
	}
	m.sessions[peerID] = s
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := m.factory.NewConn(peerID, true)
	if err != nil {
		m.failSessionLocked(s, failf("open transport for %s: %v", peerID, err))
		return
	}
	s.conn = conn
	m.wireConn(s, conn)

	sdp, err := conn.CreateOffer(ctx)
	if err != nil {
		m.failSessionLocked(s, failf("create offer for %s: %v", peerID, err))
		return
	}
	if err := m.outbox.Send(ctx, signal.NewOffer(m.localID, peerID, sdp, m.localName)); err != nil {
		m.failSessionLocked(s, failf("send offer to %s: %v", peerID, err))
		return
	}
	m.log.Infof("observed join from %s, sent offer", peerID)
}

func (m *Manager) handleOffer(ctx context.Context, msg signal.Message) {
	payload, err := msg.Offer()
	if err != nil {
		m.reportFailure(msg.From, failf("%v", err))
		return
	}
	name := payload.DisplayName
	if name == "" {
		name = msg.FromName
	}

	// A fresh offer supersedes whatever session exists: the remote side
	// restarted negotiation and is waiting for an answer.
	m.mu.Lock()
	existing, exists := m.sessions[msg.From]
	m.mu.Unlock()
	if exists {
		m.log.Warnf("offer from %s supersedes session in state %s, renegotiating", msg.From, existing.State())
		m.closeSession(msg.From)
	}

	m.mu.Lock()
	if _, exists := m.sessions[msg.From]; exists {
		m.mu.Unlock()
		m.log.Warnf("concurrent session appeared for %s, dropping offer", msg.From)
		return
	}
	s := &Session{
		peerID:      msg.From,
		displayName: name,
		role:        RoleAnswerer,
		state:       StateNegotiating,
	}
	m.sessions[msg.From] = s
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := m.factory.NewConn(msg.From, false)
	if err != nil {
		m.failSessionLocked(s, failf("open transport for %s: %v", msg.From, err))
		return
	}
	s.conn = conn
	m.wireConn(s, conn)

	answer, err := conn.HandleOffer(ctx, payload.SDP)
	if err != nil {
		m.failSessionLocked(s, failf("apply offer from %s: %v", msg.From, err))
		return
	}
	if err := m.outbox.Send(ctx, signal.NewAnswer(m.localID, msg.From, answer)); err != nil {
		m.failSessionLocked(s, failf("send answer to %s: %v", msg.From, err))
		return
	}
	s.state = StateConnectionPending
	m.log.Infof("answered offer from %s", msg.From)
}

func (m *Manager) handleAnswer(ctx context.Context, msg signal.Message) {
	payload, err := msg.Answer()
	if err != nil {
		m.reportFailure(msg.From, failf("%v", err))
		m.closeSession(msg.From)
		return
	}

	s := m.session(msg.From)
	if s == nil {
		m.log.Warnf("answer from %s without a session, dropping", msg.From)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.role != RoleOfferer || (s.state != StateNegotiating && s.state != StateConnectionPending) {
		m.failSessionLocked(s, failf("unexpected answer from %s as %s in state %s", msg.From, s.role, s.state))
		return
	}
	if err := s.conn.HandleAnswer(ctx, payload.SDP); err != nil {
		m.failSessionLocked(s, failf("apply answer from %s: %v", msg.From, err))
		return
	}
	s.state = StateConnectionPending
}

// handleCandidate applies a candidate regardless of session state; the
// transport buffers candidates it cannot apply yet.
func (m *Manager) handleCandidate(msg signal.Message) {
	payload, err := msg.Candidate()
	if err != nil {
		m.log.Warnf("dropping malformed candidate from %s: %v", msg.From, err)
		return
	}

	s := m.session(msg.From)
	if s == nil {
		m.log.Warnf("candidate from %s without a session, dropping", msg.From)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil {
		return
	}
	err = s.conn.AddCandidate(transport.Candidate{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	})
	if err != nil {
		m.log.Warnf("failed to apply candidate from %s: %v", msg.From, err)
	}
}

// wireConn hooks transport events into the session. Called with s.mu
// held; the transport fires these callbacks from its own goroutines.
func (m *Manager) wireConn(s *Session, conn transport.Conn) {
	peerID := s.peerID

	conn.OnCandidate(func(cand transport.Candidate) {
		msg := signal.NewCandidate(m.localID, peerID, signal.CandidatePayload{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})
		if err := m.outbox.Send(context.Background(), msg); err != nil {
			m.log.Warnf("failed to send candidate to %s: %v", peerID, err)
		}
	})

	conn.OnStateChange(func(state transport.ConnState) {
		switch {
		case state == transport.StateConnected:
			s.mu.Lock()
			s.transportUp = true
			s.mu.Unlock()
			m.maybeConnected(s)
		case state.Terminal():
			m.closeSession(peerID)
		}
	})

	conn.OnChannelOpen(func() {
		s.mu.Lock()
		s.channelOpen = true
		s.mu.Unlock()

		if m.cb.ChannelOpen != nil {
			m.cb.ChannelOpen(peerID)
		}
		m.maybeConnected(s)
	})

	conn.OnMessage(func(data []byte) {
		if m.cb.Message != nil {
			m.cb.Message(peerID, data)
		}
	})
}

// maybeConnected promotes the session once the transport reports
// connected and the data channel has opened, in either order. Sends work
// only after the channel opens, so peer-connected must not fire earlier.
func (m *Manager) maybeConnected(s *Session) {
	s.mu.Lock()
	if s.closed || s.connected || !s.transportUp || !s.channelOpen {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.connected = true
	peerID, name := s.peerID, s.displayName
	s.mu.Unlock()

	m.log.Infof("peer %s connected", peerID)
	if m.cb.PeerConnected != nil {
		m.cb.PeerConnected(peerID, name)
	}
}

// Conn returns the transport connection for a peer and whether the
// session has reached the connected state.
func (m *Manager) Conn(peerID string) (transport.Conn, bool) {
	s := m.session(peerID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.state == StateConnected
}

// Session returns the live session for a peer, or nil.
func (m *Manager) Session(peerID string) *Session {
	return m.session(peerID)
}

// Peers lists remote peer ids with a live session.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		peers = append(peers, id)
	}
	return peers
}

// Close tears down the session for one peer.
func (m *Manager) Close(peerID string) {
	m.closeSession(peerID)
}

// CloseAll tears down every session, firing peer-disconnected for each
// connected peer.
func (m *Manager) CloseAll() {
	for _, peerID := range m.Peers() {
		m.closeSession(peerID)
	}
}

func (m *Manager) session(peerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peerID]
}

// closeSession is terminal: the session is removed and a later join or
// offer starts a fresh one. Peer-disconnected fires exactly once, and
// only for peers that had reached connected.
func (m *Manager) closeSession(peerID string) {
	m.mu.Lock()
	s, exists := m.sessions[peerID]
	if exists {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	wasConnected := s.connected
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected && m.cb.PeerDisconnected != nil {
		m.cb.PeerDisconnected(peerID)
	}
}

// failSessionLocked reports a negotiation failure and closes the session.
// Called with s.mu held.
func (m *Manager) failSessionLocked(s *Session, err error) {
	m.log.Warnf("session with %s failed: %v", s.peerID, err)
	s.state = StateClosed
	s.closed = true
	wasConnected := s.connected
	conn := s.conn
	s.conn = nil
	peerID := s.peerID

	m.mu.Lock()
	if m.sessions[peerID] == s {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected && m.cb.PeerDisconnected != nil {
		m.cb.PeerDisconnected(peerID)
	}
	m.reportFailure(peerID, err)
}

func (m *Manager) reportFailure(peerID string, err error) {
	if m.cb.NegotiationFailed != nil {
		m.cb.NegotiationFailed(peerID, err)
	}
}

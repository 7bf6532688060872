// Package memory is an in-process transport used by tests and embedders
// that need deterministic peers without network negotiation. It follows
// the real transport's callback timing: state changes, channel-open and
// message delivery all fire asynchronously.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/roomdrop/roomdrop/internal/transport"
)

// Network links the two halves of every in-memory connection. One
// Network stands in for the physical network between test peers.
type Network struct {
	mu    sync.Mutex
	conns map[connKey]*Conn
}

type connKey struct {
	local  string
	remote string
}

func NewNetwork() *Network {
	return &Network{conns: make(map[connKey]*Conn)}
}

// Factory returns a transport factory for one local peer id.
func (n *Network) Factory(localID string) transport.Factory {
	return &factory{network: n, localID: localID}
}

type factory struct {
	network *Network
	localID string
}

func (f *factory) NewConn(peerID string, initiator bool) (transport.Conn, error) {
	c := &Conn{
		network:   f.network,
		localID:   f.localID,
		remoteID:  peerID,
		initiator: initiator,
		recvQ:     make(chan []byte, 1024),
		done:      make(chan struct{}),
	}

	f.network.mu.Lock()
	f.network.conns[connKey{f.localID, peerID}] = c
	f.network.mu.Unlock()

	go c.pump()
	return c, nil
}

func (n *Network) lookup(local, remote string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[connKey{local, remote}]
}

// Conn is one endpoint of an in-memory connection.
type Conn struct {
	network   *Network
	localID   string
	remoteID  string
	initiator bool

	mu         sync.Mutex
	open       bool
	closed     bool
	candidates []transport.Candidate

	onCandidate   func(transport.Candidate)
	onStateChange func(transport.ConnState)
	onChannelOpen func()
	onMessage     func([]byte)

	recvQ chan []byte
	done  chan struct{}
}

// pump delivers inbound messages sequentially, preserving send order the
// way an ordered reliable channel does.
func (c *Conn) pump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.recvQ:
			c.mu.Lock()
			cb := c.onMessage
			c.mu.Unlock()
			if cb != nil {
				cb(data)
			}
		}
	}
}

func (c *Conn) CreateOffer(_ context.Context) (string, error) {
	if !c.initiator {
		return "", fmt.Errorf("peer %s is not the initiator", c.localID)
	}
	return "offer:" + c.localID, nil
}

func (c *Conn) HandleOffer(_ context.Context, sdp string) (string, error) {
	if sdp == "" {
		return "", fmt.Errorf("empty offer")
	}
	// A real transport surfaces candidates during gathering; emitting one
	// here exercises the candidate signaling path after the session exists.
	c.emitCandidate()
	return "answer:" + c.localID, nil
}

func (c *Conn) HandleAnswer(_ context.Context, sdp string) error {
	if sdp == "" {
		return fmt.Errorf("empty answer")
	}
	c.emitCandidate()

	peer := c.network.lookup(c.remoteID, c.localID)
	if peer == nil {
		return fmt.Errorf("no connection registered for %s->%s", c.remoteID, c.localID)
	}
	c.establish()
	peer.establish()
	return nil
}

func (c *Conn) emitCandidate() {
	c.mu.Lock()
	cb := c.onCandidate
	c.mu.Unlock()
	if cb != nil {
		go cb(transport.Candidate{Candidate: "candidate:" + c.localID})
	}
}

func (c *Conn) establish() {
	c.mu.Lock()
	if c.open || c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	stateCb := c.onStateChange
	openCb := c.onChannelOpen
	c.mu.Unlock()

	go func() {
		if stateCb != nil {
			stateCb(transport.StateConnected)
		}
		if openCb != nil {
			openCb()
		}
	}()
}

func (c *Conn) AddCandidate(cand transport.Candidate) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, cand)
	c.mu.Unlock()
	return nil
}

// RemoteCandidates returns the candidates applied so far, for assertions.
func (c *Conn) RemoteCandidates() []transport.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Candidate(nil), c.candidates...)
}

func (c *Conn) OnCandidate(cb func(transport.Candidate)) {
	c.mu.Lock()
	c.onCandidate = cb
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(cb func(transport.ConnState)) {
	c.mu.Lock()
	c.onStateChange = cb
	c.mu.Unlock()
}

func (c *Conn) OnChannelOpen(cb func()) {
	c.mu.Lock()
	c.onChannelOpen = cb
	c.mu.Unlock()
}

func (c *Conn) OnMessage(cb func([]byte)) {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	open, closed := c.open, c.closed
	c.mu.Unlock()

	if closed {
		return fmt.Errorf("connection closed")
	}
	if !open {
		return transport.ErrChannelNotReady
	}

	peer := c.network.lookup(c.remoteID, c.localID)
	if peer == nil {
		return fmt.Errorf("peer %s gone", c.remoteID)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case peer.recvQ <- buf:
		return nil
	case <-peer.done:
		return fmt.Errorf("peer %s closed", c.remoteID)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	stateCb := c.onStateChange
	c.mu.Unlock()

	close(c.done)

	c.network.mu.Lock()
	delete(c.network.conns, connKey{c.localID, c.remoteID})
	c.network.mu.Unlock()

	if stateCb != nil {
		go stateCb(transport.StateClosed)
	}

	// The surviving side observes a disconnect, like a dropped transport.
	if peer := c.network.lookup(c.remoteID, c.localID); peer != nil {
		peer.mu.Lock()
		wasOpen := peer.open
		peer.open = false
		peerCb := peer.onStateChange
		peer.mu.Unlock()
		if wasOpen && peerCb != nil {
			go peerCb(transport.StateDisconnected)
		}
	}
	return nil
}

var _ transport.Conn = (*Conn)(nil)

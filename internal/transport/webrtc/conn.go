package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/transport"
)

type conn struct {
	peerID    string
	pc        *webrtc.PeerConnection
	initiator bool
	log       *logrus.Logger

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []transport.Candidate

	onCandidate   func(transport.Candidate)
	onStateChange func(transport.ConnState)
	onChannelOpen func()
	onMessage     func([]byte)
}

func newConn(peerID string, config webrtc.Configuration, initiator bool, log *logrus.Logger) (*conn, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &conn{
		peerID:    peerID,
		pc:        pc,
		initiator: initiator,
		log:       log,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debugf("peer %s connection state: %s", peerID, s.String())
		c.mu.Lock()
		cb := c.onStateChange
		c.mu.Unlock()
		if cb != nil {
			cb(mapState(s))
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		cand := transport.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.mu.Lock()
		cb := c.onCandidate
		c.mu.Unlock()
		if cb != nil {
			cb(cand)
		}
	})

	if initiator {
		ordered := true
		protocolName := "file-transfer"
		dc, err := pc.CreateDataChannel("data", &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: nil,
			Protocol:       &protocolName,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		c.setupDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.setupDataChannel(dc)
		})
	}

	return c, nil
}

func (c *conn) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.log.Debugf("data channel '%s'-'%d' open", dc.Label(), dc.ID())
		c.mu.Lock()
		cb := c.onChannelOpen
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})

	dc.OnError(func(err error) {
		c.log.Errorf("data channel error for peer %s: %v", c.peerID, err)
	})

	dc.OnClose(func() {
		c.log.Debugf("data channel '%s'-'%d' closed", dc.Label(), dc.ID())
	})
}

func (c *conn) CreateOffer(_ context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (c *conn) HandleOffer(_ context.Context, sdp string) (string, error) {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	c.flushCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (c *conn) HandleAnswer(_ context.Context, sdp string) error {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.flushCandidates()
	return nil
}

// AddCandidate applies a remote candidate, buffering it if the remote
// description is not set yet. Candidates legitimately arrive before the
// answer.
func (c *conn) AddCandidate(cand transport.Candidate) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.applyCandidate(cand)
}

func (c *conn) flushCandidates() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.applyCandidate(cand); err != nil {
			c.log.Warnf("failed to apply buffered candidate for peer %s: %v", c.peerID, err)
		}
	}
}

func (c *conn) applyCandidate(cand transport.Candidate) error {
	mid := cand.SDPMid
	index := cand.SDPMLineIndex
	err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
	if err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (c *conn) OnCandidate(cb func(transport.Candidate)) {
	c.mu.Lock()
	c.onCandidate = cb
	c.mu.Unlock()
}

func (c *conn) OnStateChange(cb func(transport.ConnState)) {
	c.mu.Lock()
	c.onStateChange = cb
	c.mu.Unlock()
}

func (c *conn) OnChannelOpen(cb func()) {
	c.mu.Lock()
	c.onChannelOpen = cb
	c.mu.Unlock()
}

func (c *conn) OnMessage(cb func([]byte)) {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
}

func (c *conn) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrChannelNotReady
	}
	return dc.Send(data)
}

func (c *conn) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) transport.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return transport.StateNew
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return transport.StateClosed
	default:
		return transport.StateNew
	}
}

var _ transport.Conn = (*conn)(nil)

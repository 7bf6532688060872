// Package transport abstracts the negotiated peer-to-peer byte channel.
// The signaling and transfer layers only see this interface; the webrtc
// subpackage provides the production implementation and the memory
// subpackage an in-process one for tests.
package transport

import (
	"context"
	"errors"
)

// ErrChannelNotReady is returned by Send before the data channel opens.
var ErrChannelNotReady = errors.New("data channel not ready")

type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection cannot recover from this state.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Candidate is one piece of network-reachability metadata discovered
// during negotiation.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Conn is a single peer connection under negotiation or established.
// Callback registration must happen before the first descriptions are
// exchanged. Candidates may arrive before the remote description; the
// implementation buffers them until it can apply them.
type Conn interface {
	// CreateOffer produces the local session description. Offerer side only.
	CreateOffer(ctx context.Context) (string, error)
	// HandleOffer applies the remote offer and produces the answer.
	// Answerer side only.
	HandleOffer(ctx context.Context, sdp string) (string, error)
	// HandleAnswer applies the remote answer. Offerer side only.
	HandleAnswer(ctx context.Context, sdp string) error
	AddCandidate(c Candidate) error

	OnCandidate(func(Candidate))
	OnStateChange(func(ConnState))
	OnChannelOpen(func())
	OnMessage(func([]byte))

	// Send writes one message to the data channel, preserving order.
	// Returns ErrChannelNotReady before the channel opens.
	Send(data []byte) error
	Close() error
}

// Factory builds one Conn per remote peer. The initiator creates the data
// channel; the other side waits for it.
type Factory interface {
	NewConn(peerID string, initiator bool) (Conn, error)
}

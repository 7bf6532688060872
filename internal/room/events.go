package room

import (
	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/transfer"
)

// PeerEvent announces a remote peer connecting or disconnecting.
type PeerEvent struct {
	ID   string
	Name string
}

// TransferEvent carries one transfer's state change. Data holds the
// assembled bytes on a completed receive; Err is set when Transfer's
// status is failed.
type TransferEvent struct {
	PeerID   string
	Transfer transfer.Transfer
	Data     []byte
	Err      error
}

// Events exposes the client's observable behavior as one channel per
// event category, so the core is usable without a UI layer and tests can
// assert on emitted sequences directly. Slow consumers lose events
// rather than stalling the protocol.
type Events struct {
	PeerConnected    chan PeerEvent
	PeerDisconnected chan PeerEvent
	FileReceived     chan TransferEvent
	TransferProgress chan TransferEvent
	TransferComplete chan TransferEvent
}

func newEvents(buffer int) *Events {
	return &Events{
		PeerConnected:    make(chan PeerEvent, buffer),
		PeerDisconnected: make(chan PeerEvent, buffer),
		FileReceived:     make(chan TransferEvent, buffer),
		TransferProgress: make(chan TransferEvent, buffer),
		TransferComplete: make(chan TransferEvent, buffer),
	}
}

func emitPeer(ch chan PeerEvent, ev PeerEvent, log *logrus.Logger) {
	select {
	case ch <- ev:
	default:
		log.Debugf("dropping peer event for %s: consumer too slow", ev.ID)
	}
}

func emitTransfer(ch chan TransferEvent, ev TransferEvent, log *logrus.Logger) {
	select {
	case ch <- ev:
	default:
		log.Debugf("dropping transfer event %s: consumer too slow", ev.Transfer.ID)
	}
}

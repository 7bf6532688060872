// Package integration wires full clients against a shared in-process
// mailbox and transport network, exercising the whole stack the way two
// processes on a real network would, minus the network.
package integration

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/mailbox"
	"github.com/roomdrop/roomdrop/internal/room"
	"github.com/roomdrop/roomdrop/internal/transport"
	"github.com/roomdrop/roomdrop/internal/transport/memory"
)

const pollInterval = 20 * time.Millisecond

// Harness holds the shared infrastructure every test client attaches to.
type Harness struct {
	Store mailbox.Store
	Net   *memory.Network
}

func NewHarness() *Harness {
	return &Harness{
		Store: mailbox.NewMemoryStore(),
		Net:   memory.NewNetwork(),
	}
}

// lateFactory defers the local peer id lookup until the first connection,
// because a client's id exists only after room.NewClient returns.
type lateFactory struct {
	net *memory.Network
	id  func() string
}

func (f *lateFactory) NewConn(peerID string, initiator bool) (transport.Conn, error) {
	return f.net.Factory(f.id()).NewConn(peerID, initiator)
}

// NewClient builds a client on the harness infrastructure and tears it
// down with the test.
func (h *Harness) NewClient(t *testing.T, name string) *room.Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	var c *room.Client
	factory := &lateFactory{net: h.Net, id: func() string { return c.ID() }}

	c, err := room.NewClient(room.Config{
		Store:        h.Store,
		Factory:      factory,
		DisplayName:  name,
		PollInterval: pollInterval,
		Logger:       log,
	})
	if err != nil {
		t.Fatalf("new client %s: %v", name, err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitPeer(t *testing.T, ch chan room.PeerEvent, what string) room.PeerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return room.PeerEvent{}
	}
}

func waitTransfer(t *testing.T, ch chan room.TransferEvent, what string) room.TransferEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return room.TransferEvent{}
	}
}

func expectNoPeerEvent(t *testing.T, ch chan room.PeerEvent, what string) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %s: peer %s", what, ev.ID)
	case <-time.After(200 * time.Millisecond):
	}
}

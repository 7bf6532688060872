package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/signal"
	"github.com/roomdrop/roomdrop/internal/transport"
	"github.com/roomdrop/roomdrop/internal/transport/memory"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// bus stands in for the mailbox and relay: managers append messages and
// the dispatcher delivers them, in order, to the addressed managers.
type bus struct {
	ch   chan signal.Message
	stop chan struct{}

	mu       sync.Mutex
	managers map[string]*Manager
	sent     []signal.Message
}

func newBus(t *testing.T) *bus {
	b := &bus{
		ch:       make(chan signal.Message, 128),
		stop:     make(chan struct{}),
		managers: make(map[string]*Manager),
	}
	go b.run()
	t.Cleanup(func() { close(b.stop) })
	return b
}

func (b *bus) run() {
	for {
		select {
		case <-b.stop:
			return
		case msg := <-b.ch:
			b.mu.Lock()
			targets := make([]*Manager, 0, len(b.managers))
			for id, m := range b.managers {
				if id != msg.From && msg.AddressedTo(id) {
					targets = append(targets, m)
				}
			}
			b.mu.Unlock()
			for _, m := range targets {
				m.HandleSignal(context.Background(), msg)
			}
		}
	}
}

func (b *bus) register(id string, m *Manager) {
	b.mu.Lock()
	b.managers[id] = m
	b.mu.Unlock()
}

func (b *bus) Send(_ context.Context, msg signal.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	b.mu.Unlock()
	b.ch <- msg
	return nil
}

func (b *bus) sentOfType(t signal.Type) []signal.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []signal.Message
	for _, msg := range b.sent {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

type events struct {
	connected    chan string
	disconnected chan string
	failed       chan error
	names        sync.Map
}

func newEvents() *events {
	return &events{
		connected:    make(chan string, 8),
		disconnected: make(chan string, 8),
		failed:       make(chan error, 8),
	}
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		PeerConnected: func(peerID, displayName string) {
			e.names.Store(peerID, displayName)
			e.connected <- peerID
		},
		PeerDisconnected:  func(peerID string) { e.disconnected <- peerID },
		NegotiationFailed: func(_ string, err error) { e.failed <- err },
	}
}

func waitFor(t *testing.T, ch chan string, want, what string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("%s: expected peer %s, got %s", what, want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: timed out waiting for peer %s", what, want)
	}
}

func expectQuiet(t *testing.T, ch chan string, what string) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected %s for peer %s", what, got)
	case <-time.After(100 * time.Millisecond):
	}
}

// connectPair runs the full handshake: b joins, a observes the join and
// offers, b answers, both reach connected.
func connectPair(t *testing.T) (*Manager, *Manager, *events, *events, *bus) {
	t.Helper()
	net := memory.NewNetwork()
	b := newBus(t)

	evA, evB := newEvents(), newEvents()
	mgrA := NewManager("a", "alice", net.Factory("a"), b, evA.callbacks(), quietLogger())
	mgrB := NewManager("b", "bob", net.Factory("b"), b, evB.callbacks(), quietLogger())
	b.register("a", mgrA)
	b.register("b", mgrB)

	// The join lands in the log the way the relay would deliver it.
	if err := b.Send(context.Background(), signal.NewJoin("b", "bob")); err != nil {
		t.Fatalf("send join: %v", err)
	}

	waitFor(t, evA.connected, "b", "a's peer-connected")
	waitFor(t, evB.connected, "a", "b's peer-connected")
	return mgrA, mgrB, evA, evB, b
}

func TestJoinObserverBecomesOfferer(t *testing.T) {
	mgrA, mgrB, evA, evB, bus := connectPair(t)

	sA := mgrA.Session("b")
	if sA == nil {
		t.Fatal("a has no session for b")
	}
	if sA.Role() != RoleOfferer {
		t.Errorf("the peer observing a join must offer, got role %s", sA.Role())
	}
	if sA.State() != StateConnected {
		t.Errorf("a's session state is %s", sA.State())
	}

	sB := mgrB.Session("a")
	if sB == nil {
		t.Fatal("b has no session for a")
	}
	if sB.Role() != RoleAnswerer {
		t.Errorf("the joining peer must answer, got role %s", sB.Role())
	}
	if sB.State() != StateConnected {
		t.Errorf("b's session state is %s", sB.State())
	}

	if offers := bus.sentOfType(signal.TypeOffer); len(offers) != 1 || offers[0].From != "a" {
		t.Errorf("expected exactly one offer, from a, got %v", offers)
	}
	if answers := bus.sentOfType(signal.TypeAnswer); len(answers) != 1 || answers[0].From != "b" {
		t.Errorf("expected exactly one answer, from b, got %v", answers)
	}

	if name, _ := evA.names.Load("b"); name != "bob" {
		t.Errorf("a saw display name %v for b", name)
	}
	if name, _ := evB.names.Load("a"); name != "alice" {
		t.Errorf("b saw display name %v for a", name)
	}
}

func TestCandidatesRelayThroughSignaling(t *testing.T) {
	mgrA, _, _, _, bus := connectPair(t)

	deadline := time.After(5 * time.Second)
	for {
		if len(bus.sentOfType(signal.TypeCandidate)) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected candidates from both sides, got %d", len(bus.sentOfType(signal.TypeCandidate)))
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn, ok := mgrA.Conn("b")
	if !ok {
		t.Fatal("a's connection to b not ready")
	}
	mc := conn.(*memory.Conn)
	deadline = time.After(5 * time.Second)
	for len(mc.RemoteCandidates()) == 0 {
		select {
		case <-deadline:
			t.Fatal("b's candidate never applied on a's connection")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDuplicateJoinIgnored(t *testing.T) {
	mgrA, _, evA, _, bus := connectPair(t)

	mgrA.HandleSignal(context.Background(), signal.NewJoin("b", "bob"))

	if offers := bus.sentOfType(signal.TypeOffer); len(offers) != 1 {
		t.Errorf("duplicate join must not re-offer, got %d offers", len(offers))
	}
	if s := mgrA.Session("b"); s == nil || s.State() != StateConnected {
		t.Error("existing session must survive a duplicate join")
	}
	expectQuiet(t, evA.disconnected, "disconnect")
}

func TestOfferSupersedesExistingSession(t *testing.T) {
	mgrA, _, evA, _, bus := connectPair(t)

	// The remote side restarted negotiation: the stale session goes, the
	// fresh offer gets answered.
	mgrA.HandleSignal(context.Background(), signal.NewOffer("b", "a", "offer:b", "bob"))

	waitFor(t, evA.disconnected, "b", "stale session disconnect")

	s := mgrA.Session("b")
	if s == nil {
		t.Fatal("fresh offer must create a new session")
	}
	if s.Role() != RoleAnswerer {
		t.Errorf("renegotiated session has role %s, want answerer", s.Role())
	}

	var fromA int
	for _, msg := range bus.sentOfType(signal.TypeAnswer) {
		if msg.From == "a" {
			fromA++
		}
	}
	if fromA != 1 {
		t.Errorf("expected one answer to the superseding offer, got %d", fromA)
	}
}

func TestUnexpectedAnswerFailsSession(t *testing.T) {
	_, mgrB, _, evB, _ := connectPair(t)

	// b answered; an answer arriving at an answerer is out of sequence.
	mgrB.HandleSignal(context.Background(), signal.NewAnswer("a", "b", "answer:a"))

	select {
	case <-evB.failed:
	case <-time.After(5 * time.Second):
		t.Fatal("answer to an answerer never reported")
	}
	waitFor(t, evB.disconnected, "a", "disconnect after failure")
	if mgrB.Session("a") != nil {
		t.Error("failed session must be removed")
	}
}

func TestStraySignalsDropped(t *testing.T) {
	net := memory.NewNetwork()
	b := newBus(t)
	ev := newEvents()
	mgr := NewManager("a", "alice", net.Factory("a"), b, ev.callbacks(), quietLogger())

	mgr.HandleSignal(context.Background(), signal.NewAnswer("b", "a", "answer:b"))
	mgr.HandleSignal(context.Background(), signal.NewCandidate("b", "a", signal.CandidatePayload{Candidate: "candidate:b"}))
	mgr.HandleSignal(context.Background(), signal.NewLeave("b"))

	select {
	case err := <-ev.failed:
		t.Fatalf("stray signals must be dropped silently, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if len(mgr.Peers()) != 0 {
		t.Errorf("no session should exist, got %v", mgr.Peers())
	}
}

func TestLeaveDisconnectsOnce(t *testing.T) {
	mgrA, _, evA, _, _ := connectPair(t)

	mgrA.HandleSignal(context.Background(), signal.NewLeave("b"))
	waitFor(t, evA.disconnected, "b", "disconnect after leave")

	mgrA.HandleSignal(context.Background(), signal.NewLeave("b"))
	expectQuiet(t, evA.disconnected, "second disconnect")

	if mgrA.Session("b") != nil {
		t.Error("session must be gone after leave")
	}
}

func TestTransportDropDisconnectsBothSides(t *testing.T) {
	mgrA, _, evA, evB, _ := connectPair(t)

	mgrA.Close("b")
	waitFor(t, evA.disconnected, "b", "closing side disconnect")
	waitFor(t, evB.disconnected, "a", "surviving side disconnect")
}

func TestConnGatedOnConnectedState(t *testing.T) {
	net := memory.NewNetwork()
	b := newBus(t)
	ev := newEvents()
	mgr := NewManager("a", "alice", net.Factory("a"), b, ev.callbacks(), quietLogger())
	b.register("a", mgr)

	if _, ok := mgr.Conn("b"); ok {
		t.Error("no session yet, Conn must report not ready")
	}

	// A join creates the session but the handshake cannot finish without
	// a remote side; the connection stays gated.
	mgr.HandleSignal(context.Background(), signal.NewJoin("b", "bob"))
	if _, ok := mgr.Conn("b"); ok {
		t.Error("negotiating session must not expose a ready connection")
	}
}

func TestCloseAll(t *testing.T) {
	mgrA, _, evA, evB, _ := connectPair(t)

	mgrA.CloseAll()
	waitFor(t, evA.disconnected, "b", "close-all disconnect")
	waitFor(t, evB.disconnected, "a", "remote disconnect")

	if len(mgrA.Peers()) != 0 {
		t.Errorf("expected no sessions after CloseAll, got %v", mgrA.Peers())
	}
}

// stubConn lets a test fire transport callbacks in any order.
type stubConn struct {
	mu      sync.Mutex
	stateCb func(transport.ConnState)
	openCb  func()
}

func (c *stubConn) CreateOffer(context.Context) (string, error) { return "offer:stub", nil }
func (c *stubConn) HandleOffer(context.Context, string) (string, error) {
	return "answer:stub", nil
}
func (c *stubConn) HandleAnswer(context.Context, string) error { return nil }
func (c *stubConn) AddCandidate(transport.Candidate) error     { return nil }
func (c *stubConn) OnCandidate(func(transport.Candidate))      {}
func (c *stubConn) OnStateChange(cb func(transport.ConnState)) {
	c.mu.Lock()
	c.stateCb = cb
	c.mu.Unlock()
}
func (c *stubConn) OnChannelOpen(cb func()) {
	c.mu.Lock()
	c.openCb = cb
	c.mu.Unlock()
}
func (c *stubConn) OnMessage(func([]byte)) {}
func (c *stubConn) Send([]byte) error      { return nil }
func (c *stubConn) Close() error           { return nil }

func (c *stubConn) fireState(s transport.ConnState) {
	c.mu.Lock()
	cb := c.stateCb
	c.mu.Unlock()
	cb(s)
}

func (c *stubConn) fireOpen() {
	c.mu.Lock()
	cb := c.openCb
	c.mu.Unlock()
	cb()
}

type stubFactory struct{ conn *stubConn }

func (f *stubFactory) NewConn(string, bool) (transport.Conn, error) { return f.conn, nil }

type nopOutbox struct{}

func (nopOutbox) Send(context.Context, signal.Message) error { return nil }

// The transport can report connected before the data channel finishes
// opening; sends only work after the open, so peer-connected must wait
// for both.
func TestPeerConnectedWaitsForChannelOpen(t *testing.T) {
	stub := &stubConn{}
	ev := newEvents()
	mgr := NewManager("a", "alice", &stubFactory{conn: stub}, nopOutbox{}, ev.callbacks(), quietLogger())

	mgr.HandleSignal(context.Background(), signal.NewJoin("b", "bob"))

	stub.fireState(transport.StateConnected)
	expectQuiet(t, ev.connected, "peer-connected before channel open")
	if _, ok := mgr.Conn("b"); ok {
		t.Error("connection must not be ready before the channel opens")
	}

	stub.fireOpen()
	waitFor(t, ev.connected, "b", "peer-connected after channel open")
	if _, ok := mgr.Conn("b"); !ok {
		t.Error("connection must be ready once the channel opens")
	}
}

func TestChannelOpenBeforeTransportState(t *testing.T) {
	stub := &stubConn{}
	ev := newEvents()
	mgr := NewManager("a", "alice", &stubFactory{conn: stub}, nopOutbox{}, ev.callbacks(), quietLogger())

	mgr.HandleSignal(context.Background(), signal.NewJoin("b", "bob"))

	stub.fireOpen()
	expectQuiet(t, ev.connected, "peer-connected before transport connected")

	stub.fireState(transport.StateConnected)
	waitFor(t, ev.connected, "b", "peer-connected after both signals")
}

func TestSendBeforeOpenFailsFast(t *testing.T) {
	net := memory.NewNetwork()
	factory := net.Factory("a")
	conn, err := factory.NewConn("b", true)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := conn.Send([]byte("early")); err != transport.ErrChannelNotReady {
		t.Fatalf("expected ErrChannelNotReady, got %v", err)
	}
}

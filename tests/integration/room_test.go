package integration

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roomdrop/roomdrop/internal/mailbox"
	"github.com/roomdrop/roomdrop/internal/transfer"
	"github.com/roomdrop/roomdrop/internal/transport"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestCreateJoinConnect(t *testing.T) {
	h := NewHarness()
	creator := h.NewClient(t, "alice")
	joiner := h.NewClient(t, "bob")

	roomID, err := creator.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := joiner.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("join room: %v", err)
	}

	ev := waitPeer(t, creator.Events().PeerConnected, "creator's peer-connected")
	if ev.ID != joiner.ID() || ev.Name != "bob" {
		t.Errorf("creator saw %s/%q, want %s/bob", ev.ID, ev.Name, joiner.ID())
	}
	ev = waitPeer(t, joiner.Events().PeerConnected, "joiner's peer-connected")
	if ev.ID != creator.ID() || ev.Name != "alice" {
		t.Errorf("joiner saw %s/%q, want %s/alice", ev.ID, ev.Name, creator.ID())
	}

	r, err := creator.Room(context.Background())
	if err != nil {
		t.Fatalf("fetch room: %v", err)
	}
	if len(r.Peers) != 2 {
		t.Errorf("roster has %d peers, want 2", len(r.Peers))
	}
}

func TestJoinMissingRoom(t *testing.T) {
	h := NewHarness()
	c := h.NewClient(t, "alice")

	err := c.JoinRoom(context.Background(), "no-such-room")
	if !errors.Is(err, mailbox.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestFileTransfer(t *testing.T) {
	h := NewHarness()
	creator := h.NewClient(t, "alice")
	joiner := h.NewClient(t, "bob")

	roomID, err := creator.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := joiner.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("join room: %v", err)
	}
	waitPeer(t, creator.Events().PeerConnected, "creator's peer-connected")
	waitPeer(t, joiner.Events().PeerConnected, "joiner's peer-connected")

	const size = 40_000
	src := pattern(size)
	id, err := creator.SendFile(joiner.ID(), "photo.jpg", "image/jpeg", bytes.NewReader(src), size)
	if err != nil {
		t.Fatalf("send file: %v", err)
	}

	started := waitTransfer(t, joiner.Events().FileReceived, "joiner's file-received")
	if started.Transfer.Name != "photo.jpg" || started.Transfer.Size != size {
		t.Errorf("announced %q/%d, want photo.jpg/%d", started.Transfer.Name, started.Transfer.Size, size)
	}
	if started.Transfer.MimeType != "image/jpeg" {
		t.Errorf("announced mime type %q", started.Transfer.MimeType)
	}

	done := waitTransfer(t, joiner.Events().TransferComplete, "joiner's transfer-complete")
	if done.Err != nil {
		t.Fatalf("receive failed: %v", done.Err)
	}
	if done.Transfer.Status != transfer.StatusCompleted {
		t.Errorf("receive finished with status %s", done.Transfer.Status)
	}
	if !bytes.Equal(done.Data, src) {
		t.Fatalf("received %d bytes, sent %d, contents differ", len(done.Data), len(src))
	}

	sent := waitTransfer(t, creator.Events().TransferComplete, "creator's transfer-complete")
	if sent.Err != nil {
		t.Fatalf("send failed: %v", sent.Err)
	}
	if sent.Transfer.ID != id || sent.Transfer.Status != transfer.StatusCompleted {
		t.Errorf("send finished as %s/%s, want %s/completed", sent.Transfer.ID, sent.Transfer.Status, id)
	}
	if sent.Transfer.Progress() != 100 {
		t.Errorf("completed send at %v%%", sent.Transfer.Progress())
	}

	// 40000 bytes splits into two full chunks and a 7232-byte tail; the
	// receiver's progress ticks once per chunk, cumulatively.
	if want := 3; transfer.TotalChunks(size) != want {
		t.Fatalf("TotalChunks(%d) = %d, want %d", size, transfer.TotalChunks(size), want)
	}
	wantBytes := []int64{transfer.ChunkSize, 2 * transfer.ChunkSize, size}
	for i, want := range wantBytes {
		ev := waitTransfer(t, joiner.Events().TransferProgress, "receiver progress")
		if ev.Transfer.BytesTransferred != want {
			t.Errorf("progress tick %d at %d bytes, want %d", i, ev.Transfer.BytesTransferred, want)
		}
	}
}

func TestEmptyFileTransfer(t *testing.T) {
	h := NewHarness()
	creator := h.NewClient(t, "alice")
	joiner := h.NewClient(t, "bob")

	roomID, _ := creator.CreateRoom(context.Background())
	if err := joiner.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("join room: %v", err)
	}
	waitPeer(t, creator.Events().PeerConnected, "creator's peer-connected")
	waitPeer(t, joiner.Events().PeerConnected, "joiner's peer-connected")

	if _, err := creator.SendFile(joiner.ID(), "empty.txt", "text/plain", bytes.NewReader(nil), 0); err != nil {
		t.Fatalf("send empty file: %v", err)
	}

	done := waitTransfer(t, joiner.Events().TransferComplete, "joiner's transfer-complete")
	if done.Err != nil {
		t.Fatalf("receive failed: %v", done.Err)
	}
	if len(done.Data) != 0 {
		t.Errorf("received %d bytes for an empty file", len(done.Data))
	}
	if done.Transfer.Progress() != 100 {
		t.Errorf("empty file at %v%%, want 100", done.Transfer.Progress())
	}
}

func TestSendWithoutConnection(t *testing.T) {
	h := NewHarness()
	c := h.NewClient(t, "alice")

	if _, err := c.CreateRoom(context.Background()); err != nil {
		t.Fatalf("create room: %v", err)
	}
	_, err := c.SendFile("nobody", "a.txt", "", bytes.NewReader([]byte("x")), 1)
	if !errors.Is(err, transport.ErrChannelNotReady) {
		t.Fatalf("expected ErrChannelNotReady, got %v", err)
	}
}

func TestDisconnectPropagates(t *testing.T) {
	h := NewHarness()
	creator := h.NewClient(t, "alice")
	joiner := h.NewClient(t, "bob")

	roomID, _ := creator.CreateRoom(context.Background())
	if err := joiner.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("join room: %v", err)
	}
	waitPeer(t, creator.Events().PeerConnected, "creator's peer-connected")
	waitPeer(t, joiner.Events().PeerConnected, "joiner's peer-connected")

	if err := joiner.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	ev := waitPeer(t, creator.Events().PeerDisconnected, "creator's peer-disconnected")
	if ev.ID != joiner.ID() {
		t.Errorf("disconnected peer %s, want %s", ev.ID, joiner.ID())
	}
	// Whichever of the leave broadcast and the transport drop arrives
	// first closes the session; the other must not fire a second event.
	expectNoPeerEvent(t, creator.Events().PeerDisconnected, "second disconnect")

	if err := joiner.Disconnect(); err != nil {
		t.Fatalf("repeated disconnect: %v", err)
	}
}

func TestDisconnectAbortsInFlightReceive(t *testing.T) {
	h := NewHarness()
	creator := h.NewClient(t, "alice")
	joiner := h.NewClient(t, "bob")

	roomID, _ := creator.CreateRoom(context.Background())
	if err := joiner.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("join room: %v", err)
	}
	waitPeer(t, creator.Events().PeerConnected, "creator's peer-connected")
	waitPeer(t, joiner.Events().PeerConnected, "joiner's peer-connected")

	// A reader that stalls after the first chunk keeps the transfer
	// in flight while the sender disconnects.
	stall := &stallingReader{data: pattern(transfer.ChunkSize), gate: make(chan struct{})}
	if _, err := creator.SendFile(joiner.ID(), "big.bin", "", stall, 4*transfer.ChunkSize); err != nil {
		t.Fatalf("send file: %v", err)
	}
	waitTransfer(t, joiner.Events().FileReceived, "joiner's file-received")

	if err := creator.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	close(stall.gate)

	done := waitTransfer(t, joiner.Events().TransferComplete, "joiner's aborted transfer")
	if done.Err == nil {
		t.Fatal("interrupted receive must fail, not complete")
	}
	if done.Transfer.Status != transfer.StatusFailed {
		t.Errorf("interrupted receive has status %s", done.Transfer.Status)
	}
}

// stallingReader yields its data, then blocks until released and reports
// end of input.
type stallingReader struct {
	data []byte
	gate chan struct{}
	off  int
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if r.off < len(r.data) {
		n := copy(p, r.data[r.off:])
		r.off += n
		return n, nil
	}
	<-r.gate
	return 0, errors.New("source interrupted")
}

func TestThreePeerRoom(t *testing.T) {
	h := NewHarness()
	alice := h.NewClient(t, "alice")
	bob := h.NewClient(t, "bob")
	carol := h.NewClient(t, "carol")

	roomID, err := alice.CreateRoom(context.Background())
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := bob.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitPeer(t, alice.Events().PeerConnected, "alice sees bob")
	waitPeer(t, bob.Events().PeerConnected, "bob sees alice")

	if err := carol.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("carol join: %v", err)
	}
	waitPeer(t, alice.Events().PeerConnected, "alice sees carol")
	waitPeer(t, bob.Events().PeerConnected, "bob sees carol")
	waitPeer(t, carol.Events().PeerConnected, "carol's first peer")
	waitPeer(t, carol.Events().PeerConnected, "carol's second peer")

	// A direct send reaches only the addressed peer.
	src := pattern(1000)
	if _, err := carol.SendFile(alice.ID(), "note.txt", "text/plain", bytes.NewReader(src), 1000); err != nil {
		t.Fatalf("carol send: %v", err)
	}

	done := waitTransfer(t, alice.Events().TransferComplete, "alice's transfer-complete")
	if done.Err != nil || !bytes.Equal(done.Data, src) {
		t.Fatalf("alice's receive wrong: err=%v len=%d", done.Err, len(done.Data))
	}

	select {
	case ev := <-bob.Events().FileReceived:
		t.Fatalf("bob received a file not addressed to him: %s", ev.Transfer.Name)
	case <-time.After(200 * time.Millisecond):
	}
}

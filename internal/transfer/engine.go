package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sender is the established channel the engine writes to. A
// transport.Conn satisfies it.
type Sender interface {
	Send(data []byte) error
}

// Events report transfer lifecycle upward. A callback may be nil.
// Complete carries the assembled bytes for receives and nil for sends;
// persistence of received bytes is the caller's concern.
type Events struct {
	FileReceived func(peerID string, t Transfer)
	Progress     func(peerID string, t Transfer)
	Complete     func(peerID string, t Transfer, data []byte)
	Failed       func(peerID string, t Transfer, err error)
}

// Engine drives outbound chunk streams and reassembles inbound ones.
// Transfers are independent: multiple sends and receives, to the same
// peer or different peers, interleave freely. One transfer's chunk loop
// is sequential so the channel's send buffer applies backpressure.
type Engine struct {
	log    *logrus.Logger
	events Events

	mu       sync.Mutex
	inbound  map[string]*inboundState
	outbound map[string]*outboundState
}

type inboundState struct {
	t      Transfer
	peerID string
	chunks [][]byte
	hash   hash.Hash
}

type outboundState struct {
	t      Transfer
	peerID string
	cancel chan struct{}
	once   sync.Once
}

func NewEngine(events Events, log *logrus.Logger) *Engine {
	return &Engine{
		log:      log,
		events:   events,
		inbound:  make(map[string]*inboundState),
		outbound: make(map[string]*outboundState),
	}
}

// SendFile starts an outbound transfer and returns its id. The file-start
// message is sent synchronously, so a channel that is not open fails fast
// with the transport's not-ready error; the chunk loop then runs in its
// own goroutine and reports through events.
func (e *Engine) SendFile(peerID string, conn Sender, name, mimeType string, r io.Reader, size int64) (string, error) {
	if size < 0 {
		return "", fmt.Errorf("negative file size %d", size)
	}

	out := &outboundState{
		t: Transfer{
			ID:        uuid.NewString(),
			Name:      name,
			Size:      size,
			MimeType:  mimeType,
			Direction: DirectionSend,
			Status:    StatusPending,
		},
		peerID: peerID,
		cancel: make(chan struct{}),
	}

	start, err := encodeControl(controlMessage{
		Type:     msgFileStart,
		ID:       out.t.ID,
		Name:     name,
		Size:     size,
		MimeType: mimeType,
	})
	if err != nil {
		return "", err
	}
	if err := conn.Send(start); err != nil {
		return "", err
	}
	out.t.Status = StatusTransferring

	e.mu.Lock()
	e.outbound[out.t.ID] = out
	e.mu.Unlock()

	go e.runSend(out, conn, r)
	return out.t.ID, nil
}

func (e *Engine) runSend(out *outboundState, conn Sender, r io.Reader) {
	if closer, ok := r.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	sum := sha256.New()
	buf := make([]byte, ChunkSize)
	var seq, sent int64

	for sent < out.t.Size {
		select {
		case <-out.cancel:
			e.failOutbound(out, fmt.Errorf("%w: session closed mid-transfer", ErrTransferFailed))
			return
		default:
		}

		// Never read past the declared size: a source that keeps
		// yielding must not stream extra bytes to the peer.
		want := out.t.Size - sent
		if want > ChunkSize {
			want = ChunkSize
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			chunk, encErr := encodeControl(controlMessage{
				Type:  msgFileChunk,
				ID:    out.t.ID,
				Seq:   seq,
				Bytes: buf[:n],
			})
			if encErr != nil {
				e.failOutbound(out, fmt.Errorf("%w: %v", ErrTransferFailed, encErr))
				return
			}
			if sendErr := conn.Send(chunk); sendErr != nil {
				e.failOutbound(out, fmt.Errorf("%w: send chunk %d: %v", ErrTransferFailed, seq, sendErr))
				return
			}
			sum.Write(buf[:n])
			seq++
			sent += int64(n)
			e.emitSendProgress(out, sent)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			e.failOutbound(out, fmt.Errorf("%w: read source: %v", ErrTransferFailed, err))
			return
		}
	}

	if sent != out.t.Size {
		e.failOutbound(out, fmt.Errorf("%w: source yielded %d bytes, expected %d", ErrTransferFailed, sent, out.t.Size))
		return
	}

	end, err := encodeControl(controlMessage{
		Type:     msgFileEnd,
		ID:       out.t.ID,
		Checksum: hex.EncodeToString(sum.Sum(nil)),
	})
	if err != nil {
		e.failOutbound(out, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	if err := conn.Send(end); err != nil {
		e.failOutbound(out, fmt.Errorf("%w: send file-end: %v", ErrTransferFailed, err))
		return
	}

	e.mu.Lock()
	delete(e.outbound, out.t.ID)
	out.t.Status = StatusCompleted
	out.t.BytesTransferred = sent
	done := out.t
	e.mu.Unlock()

	if e.events.Complete != nil {
		e.events.Complete(out.peerID, done, nil)
	}
}

func (e *Engine) emitSendProgress(out *outboundState, sent int64) {
	e.mu.Lock()
	out.t.BytesTransferred = sent
	snapshot := out.t
	e.mu.Unlock()

	if e.events.Progress != nil {
		e.events.Progress(out.peerID, snapshot)
	}
}

func (e *Engine) failOutbound(out *outboundState, err error) {
	e.mu.Lock()
	delete(e.outbound, out.t.ID)
	out.t.Status = StatusFailed
	snapshot := out.t
	e.mu.Unlock()

	e.log.Warnf("outbound transfer %s to %s failed: %v", out.t.ID, out.peerID, err)
	if e.events.Failed != nil {
		e.events.Failed(out.peerID, snapshot, err)
	}
}

// HandleMessage processes one data-channel message from a peer. Chunks
// accumulate in arrival order; the channel's ordered delivery is a
// precondition, not something re-checked here.
func (e *Engine) HandleMessage(peerID string, data []byte) {
	msg, err := decodeControl(data)
	if err != nil {
		e.log.Warnf("dropping message from %s: %v", peerID, err)
		return
	}

	switch msg.Type {
	case msgFileStart:
		e.handleFileStart(peerID, msg)
	case msgFileChunk:
		e.handleFileChunk(peerID, msg)
	case msgFileEnd:
		e.handleFileEnd(peerID, msg)
	default:
		e.log.Warnf("unknown control message %q from %s", msg.Type, peerID)
	}
}

func (e *Engine) handleFileStart(peerID string, msg controlMessage) {
	in := &inboundState{
		t: Transfer{
			ID:        msg.ID,
			Name:      msg.Name,
			Size:      msg.Size,
			MimeType:  msg.MimeType,
			Direction: DirectionReceive,
			Status:    StatusTransferring,
		},
		peerID: peerID,
		hash:   sha256.New(),
	}

	e.mu.Lock()
	if _, exists := e.inbound[msg.ID]; exists {
		e.mu.Unlock()
		e.log.Warnf("duplicate file-start for transfer %s from %s, ignoring", msg.ID, peerID)
		return
	}
	e.inbound[msg.ID] = in
	snapshot := in.t
	e.mu.Unlock()

	e.log.Infof("receiving %q (%d bytes) from %s", msg.Name, msg.Size, peerID)
	if e.events.FileReceived != nil {
		e.events.FileReceived(peerID, snapshot)
	}
}

func (e *Engine) handleFileChunk(peerID string, msg controlMessage) {
	e.mu.Lock()
	in, exists := e.inbound[msg.ID]
	if !exists || in.peerID != peerID {
		e.mu.Unlock()
		e.log.Warnf("chunk for unknown transfer %s from %s", msg.ID, peerID)
		return
	}
	chunk := make([]byte, len(msg.Bytes))
	copy(chunk, msg.Bytes)
	in.chunks = append(in.chunks, chunk)
	in.hash.Write(chunk)
	in.t.BytesTransferred += int64(len(chunk))
	snapshot := in.t
	e.mu.Unlock()

	if e.events.Progress != nil {
		e.events.Progress(peerID, snapshot)
	}
}

func (e *Engine) handleFileEnd(peerID string, msg controlMessage) {
	e.mu.Lock()
	in, exists := e.inbound[msg.ID]
	if !exists || in.peerID != peerID {
		e.mu.Unlock()
		e.log.Warnf("file-end for unknown transfer %s from %s", msg.ID, peerID)
		return
	}
	delete(e.inbound, msg.ID)

	data := bytes.Join(in.chunks, nil)
	if data == nil {
		data = []byte{}
	}
	if int64(len(data)) != in.t.Size {
		snapshot := in.t
		snapshot.Status = StatusFailed
		e.mu.Unlock()
		e.failInbound(peerID, snapshot, fmt.Errorf("%w: assembled %d bytes, expected %d", ErrTransferFailed, len(data), in.t.Size))
		return
	}
	if msg.Checksum != "" {
		actual := hex.EncodeToString(in.hash.Sum(nil))
		if actual != msg.Checksum {
			snapshot := in.t
			snapshot.Status = StatusFailed
			e.mu.Unlock()
			e.failInbound(peerID, snapshot, fmt.Errorf("%w: checksum mismatch", ErrTransferFailed))
			return
		}
	}
	in.t.Status = StatusCompleted
	in.t.BytesTransferred = in.t.Size
	snapshot := in.t
	e.mu.Unlock()

	if e.events.Complete != nil {
		e.events.Complete(peerID, snapshot, data)
	}
}

func (e *Engine) failInbound(peerID string, t Transfer, err error) {
	e.log.Warnf("inbound transfer %s from %s failed: %v", t.ID, peerID, err)
	if e.events.Failed != nil {
		e.events.Failed(peerID, t, err)
	}
}

// AbortPeer fails every in-flight transfer with a peer. Called when the
// peer's session closes; partial inbound data is discarded.
func (e *Engine) AbortPeer(peerID string) {
	e.mu.Lock()
	var failed []Transfer
	for id, in := range e.inbound {
		if in.peerID != peerID {
			continue
		}
		delete(e.inbound, id)
		in.t.Status = StatusFailed
		failed = append(failed, in.t)
	}
	var cancels []*outboundState
	for _, out := range e.outbound {
		if out.peerID == peerID {
			cancels = append(cancels, out)
		}
	}
	e.mu.Unlock()

	for _, out := range cancels {
		out.once.Do(func() { close(out.cancel) })
	}
	for _, t := range failed {
		e.failInbound(peerID, t, fmt.Errorf("%w: session closed", ErrTransferFailed))
	}
}

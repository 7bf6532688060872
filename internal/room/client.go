// Package room is the top of the stack: a Client discovers peers through
// a shared mailbox room, negotiates direct transports with them and
// streams files over the result.
package room

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/logger"
	"github.com/roomdrop/roomdrop/internal/mailbox"
	"github.com/roomdrop/roomdrop/internal/relay"
	"github.com/roomdrop/roomdrop/internal/session"
	"github.com/roomdrop/roomdrop/internal/signal"
	"github.com/roomdrop/roomdrop/internal/transfer"
	"github.com/roomdrop/roomdrop/internal/transport"
)

const defaultEventBuffer = 64

type Config struct {
	// Store is the shared mailbox peers rendezvous through. Required.
	Store mailbox.Store
	// Factory builds transport connections. Required.
	Factory transport.Factory
	// DisplayName is shown to other peers. Defaults to the hostname.
	DisplayName string
	// PollInterval for the signaling relay. Defaults to relay.DefaultInterval.
	PollInterval time.Duration
	// EventBuffer sizes each event channel.
	EventBuffer int
	Logger      *logrus.Logger
}

// Client is one peer. Its id is unique for the life of the process.
type Client struct {
	id      string
	name    string
	store   mailbox.Store
	factory transport.Factory
	log     *logrus.Logger

	interval time.Duration
	events   *Events
	engine   *transfer.Engine
	sessions *session.Manager

	mu       sync.Mutex
	roomID   string
	poller   *relay.Poller
	stopPoll context.CancelFunc
	closed   bool
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("room: config needs a mailbox store")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("room: config needs a transport factory")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.New()
	}
	name := cfg.DisplayName
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	c := &Client{
		id:       uuid.NewString(),
		name:     name,
		store:    cfg.Store,
		factory:  cfg.Factory,
		log:      log,
		interval: cfg.PollInterval,
		events:   newEvents(buffer),
	}

	c.engine = transfer.NewEngine(transfer.Events{
		FileReceived: func(peerID string, t transfer.Transfer) {
			emitTransfer(c.events.FileReceived, TransferEvent{PeerID: peerID, Transfer: t}, log)
		},
		Progress: func(peerID string, t transfer.Transfer) {
			emitTransfer(c.events.TransferProgress, TransferEvent{PeerID: peerID, Transfer: t}, log)
		},
		Complete: func(peerID string, t transfer.Transfer, data []byte) {
			emitTransfer(c.events.TransferComplete, TransferEvent{PeerID: peerID, Transfer: t, Data: data}, log)
		},
		Failed: func(peerID string, t transfer.Transfer, err error) {
			emitTransfer(c.events.TransferComplete, TransferEvent{PeerID: peerID, Transfer: t, Err: err}, log)
		},
	}, log)

	c.sessions = session.NewManager(c.id, name, cfg.Factory, outbox{c}, session.Callbacks{
		PeerConnected: func(peerID, displayName string) {
			emitPeer(c.events.PeerConnected, PeerEvent{ID: peerID, Name: displayName}, log)
		},
		PeerDisconnected: func(peerID string) {
			c.engine.AbortPeer(peerID)
			emitPeer(c.events.PeerDisconnected, PeerEvent{ID: peerID}, log)
		},
		Message: c.engine.HandleMessage,
		NegotiationFailed: func(peerID string, err error) {
			log.Warnf("negotiation with %s failed: %v", peerID, err)
		},
	}, log)

	return c, nil
}

func (c *Client) ID() string          { return c.id }
func (c *Client) DisplayName() string { return c.name }
func (c *Client) Events() *Events     { return c.events }

// RoomID returns the joined room's id, or empty.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// CreateRoom makes a new room with this peer as creator and starts the
// relay. It returns once the initial mailbox write succeeds; the creator
// sits idle until another peer's join arrives.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("client is disconnected")
	}
	if c.roomID != "" {
		return "", fmt.Errorf("already in room %s", c.roomID)
	}

	roomID := uuid.NewString()
	err := c.store.CreateRoom(ctx, mailbox.Room{
		ID:          roomID,
		CreatorID:   c.id,
		CreatorName: c.name,
		Peers:       []mailbox.Peer{{ID: c.id, Name: c.name}},
		CreatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	c.startRelayLocked(roomID, 0)
	c.log.Infof("created room %s", roomID)
	return roomID, nil
}

// JoinRoom adds this peer to an existing room, broadcasts its join and
// starts the relay. The joining peer never offers; it waits for offers
// from peers that observe the join.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is disconnected")
	}
	if c.roomID != "" {
		return fmt.Errorf("already in room %s", c.roomID)
	}

	if _, err := c.store.GetRoom(ctx, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	if err := c.store.AppendPeer(ctx, roomID, mailbox.Peer{ID: c.id, Name: c.name}); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	seq, err := c.store.AppendMessage(ctx, roomID, signal.NewJoin(c.id, c.name))
	if err != nil {
		return fmt.Errorf("announce join to %s: %w", roomID, err)
	}

	// Relay from the join onward: earlier joins belong to peers that will
	// offer to us once they see ours.
	c.startRelayLocked(roomID, seq)
	c.log.Infof("joined room %s", roomID)
	return nil
}

func (c *Client) startRelayLocked(roomID string, afterSeq int64) {
	c.roomID = roomID
	ctx, cancel := context.WithCancel(context.Background())
	c.stopPoll = cancel
	c.poller = relay.NewPoller(c.store, roomID, c.id, afterSeq, c.interval, c.handleSignal, c.log)
	c.poller.Start(ctx)
}

func (c *Client) handleSignal(msg signal.Message) {
	c.sessions.HandleSignal(context.Background(), msg)
}

// Room returns the current roster from the mailbox.
func (c *Client) Room(ctx context.Context) (mailbox.Room, error) {
	roomID := c.RoomID()
	if roomID == "" {
		return mailbox.Room{}, fmt.Errorf("not in a room")
	}
	return c.store.GetRoom(ctx, roomID)
}

// SendFile streams size bytes from r to a connected peer and returns the
// transfer id. Fails fast with the transport's not-ready error when no
// open channel exists for the peer.
func (c *Client) SendFile(peerID, name, mimeType string, r io.Reader, size int64) (string, error) {
	conn, connected := c.sessions.Conn(peerID)
	if conn == nil || !connected {
		return "", fmt.Errorf("peer %s: %w", peerID, transport.ErrChannelNotReady)
	}
	return c.engine.SendFile(peerID, conn, name, mimeType, r, size)
}

// SendFilePath sends a file from disk, deriving name and mime type from
// the path. The engine closes the file when the transfer finishes.
func (c *Client) SendFilePath(peerID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id, err := c.SendFile(peerID, name, mimeType, f, info.Size())
	if err != nil {
		_ = f.Close()
		return "", err
	}
	return id, nil
}

// Peers lists remote peers with a live session.
func (c *Client) Peers() []string {
	return c.sessions.Peers()
}

// Disconnect broadcasts a leave, stops the relay and closes every
// session, aborting in-flight transfers. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	roomID := c.roomID
	poller := c.poller
	stopPoll := c.stopPoll
	c.mu.Unlock()

	if roomID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := c.store.AppendMessage(ctx, roomID, signal.NewLeave(c.id)); err != nil {
			c.log.Warnf("failed to announce leave: %v", err)
		}
		cancel()
	}

	if poller != nil {
		poller.Stop()
	}
	if stopPoll != nil {
		stopPoll()
	}

	c.sessions.CloseAll()
	c.log.Info("disconnected")
	return nil
}

// outbox lets the session manager append signaling messages and wake the
// relay so replies do not wait a full poll interval.
type outbox struct {
	c *Client
}

func (o outbox) Send(ctx context.Context, msg signal.Message) error {
	roomID := o.c.RoomID()
	if roomID == "" {
		return fmt.Errorf("not in a room")
	}
	if _, err := o.c.store.AppendMessage(ctx, roomID, msg); err != nil {
		return err
	}
	o.c.mu.Lock()
	poller := o.c.poller
	o.c.mu.Unlock()
	if poller != nil {
		poller.Kick()
	}
	return nil
}

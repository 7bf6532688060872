// Package mailbox is the shared message store peers discover each other
// through. A room holds an append-only signaling log and a peer roster;
// every operation is safe under concurrent callers from independent
// processes.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/signal"
)

var (
	// ErrRoomNotFound is returned when the requested room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached. Callers degrade to local-only operation and retry.
	ErrStoreUnavailable = errors.New("mailbox store unavailable")
)

type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Room struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creatorId"`
	CreatorName string `json:"creatorName,omitempty"`
	Peers       []Peer `json:"peers,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Store is the mailbox contract. The message log is append-only and
// sequence-numbered; AppendMessage returns the assigned sequence.
// AppendPeer is idempotent on peer id. A reader marks a message
// processed with its own id; marks from different readers merge, they
// never overwrite each other.
type Store interface {
	CreateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, roomID string) (Room, error)
	AppendPeer(ctx context.Context, roomID string, peer Peer) error
	AppendMessage(ctx context.Context, roomID string, msg signal.Message) (int64, error)
	// Messages returns log entries with Seq > afterSeq, in log order,
	// with ProcessedBy populated.
	Messages(ctx context.Context, roomID string, afterSeq int64) ([]signal.Message, error)
	MarkProcessed(ctx context.Context, roomID string, seq int64, peerID string) error
	Close() error
}

// Open selects a store implementation from a target string:
// "mem://" for in-process rooms, "redis://..." for networked rooms,
// anything else is treated as a sqlite database path.
func Open(target string, log *logrus.Logger) (Store, error) {
	switch {
	case target == "" || target == "mem://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(target, "redis://"):
		return OpenRedisStore(target, log)
	default:
		return OpenSQLiteStore(target, log)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

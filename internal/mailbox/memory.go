package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/roomdrop/roomdrop/internal/signal"
)

// MemoryStore keeps rooms in process memory. Peers sharing one process
// (and tests) use it as the mailbox; it honors the same merge semantics
// as the durable stores.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memRoom
}

type memRoom struct {
	room      Room
	log       []signal.Message
	processed map[int64]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memRoom)}
}

func (s *MemoryStore) CreateRoom(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists", room.ID)
	}
	r := &memRoom{
		room:      room,
		processed: make(map[int64]map[string]struct{}),
	}
	r.room.Peers = append([]Peer(nil), room.Peers...)
	s.rooms[room.ID] = r
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rooms[roomID]
	if !exists {
		return Room{}, ErrRoomNotFound
	}
	room := r.room
	room.Peers = append([]Peer(nil), r.room.Peers...)
	return room, nil
}

func (s *MemoryStore) AppendPeer(_ context.Context, roomID string, peer Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.rooms[roomID]
	if !exists {
		return ErrRoomNotFound
	}
	for _, p := range r.room.Peers {
		if p.ID == peer.ID {
			return nil
		}
	}
	r.room.Peers = append(r.room.Peers, peer)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, roomID string, msg signal.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.rooms[roomID]
	if !exists {
		return 0, ErrRoomNotFound
	}
	msg.Seq = int64(len(r.log)) + 1
	msg.ProcessedBy = nil
	r.log = append(r.log, msg)
	return msg.Seq, nil
}

func (s *MemoryStore) Messages(_ context.Context, roomID string, afterSeq int64) ([]signal.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rooms[roomID]
	if !exists {
		return nil, ErrRoomNotFound
	}

	var out []signal.Message
	for _, msg := range r.log {
		if msg.Seq <= afterSeq {
			continue
		}
		for id := range r.processed[msg.Seq] {
			msg.ProcessedBy = append(msg.ProcessedBy, id)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, roomID string, seq int64, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.rooms[roomID]
	if !exists {
		return ErrRoomNotFound
	}
	marks, exists := r.processed[seq]
	if !exists {
		marks = make(map[string]struct{})
		r.processed[seq] = marks
	}
	marks[peerID] = struct{}{}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

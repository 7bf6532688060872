package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/roomdrop/roomdrop/internal/signal"
)

// RedisStore backs rooms with redis, for peers separated by a network.
// The message log is an RPUSH-only list so appends from independent
// processes interleave without lost updates; processed marks and the
// roster guard are sets, so concurrent marks merge by construction.
type RedisStore struct {
	client *redis.Client
	log    *logrus.Logger
}

func OpenRedisStore(target string, log *logrus.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(target)
	if err != nil {
		return nil, fmt.Errorf("parse redis target: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, unavailable("connect redis mailbox", err)
	}
	return &RedisStore{client: client, log: log}, nil
}

func metaKey(roomID string) string      { return "room:" + roomID }
func rosterKey(roomID string) string    { return "room:" + roomID + ":peers" }
func rosterSetKey(roomID string) string { return "room:" + roomID + ":peerset" }
func logKey(roomID string) string       { return "room:" + roomID + ":log" }

func processedKey(roomID string, seq int64) string {
	return fmt.Sprintf("room:%s:processed:%d", roomID, seq)
}

func (s *RedisStore) CreateRoom(ctx context.Context, room Room) error {
	meta, err := json.Marshal(Room{
		ID:          room.ID,
		CreatorID:   room.CreatorID,
		CreatorName: room.CreatorName,
		CreatedAt:   room.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	created, err := s.client.SetNX(ctx, metaKey(room.ID), meta, 0).Result()
	if err != nil {
		return unavailable("create room", err)
	}
	if !created {
		return fmt.Errorf("room %s already exists", room.ID)
	}

	for _, p := range room.Peers {
		if err := s.AppendPeer(ctx, room.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	meta, err := s.client.Get(ctx, metaKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, unavailable("get room", err)
	}

	var room Room
	if err := json.Unmarshal(meta, &room); err != nil {
		return Room{}, fmt.Errorf("unmarshal room %s: %w", roomID, err)
	}

	entries, err := s.client.LRange(ctx, rosterKey(roomID), 0, -1).Result()
	if err != nil {
		return Room{}, unavailable("get room peers", err)
	}
	for _, entry := range entries {
		var p Peer
		if err := json.Unmarshal([]byte(entry), &p); err != nil {
			s.log.Warnf("skipping malformed roster entry in room %s: %v", roomID, err)
			continue
		}
		room.Peers = append(room.Peers, p)
	}
	return room, nil
}

func (s *RedisStore) AppendPeer(ctx context.Context, roomID string, peer Peer) error {
	if err := s.roomExists(ctx, roomID); err != nil {
		return err
	}

	// The guard set makes the roster append idempotent: only the first
	// SADD for a peer id pushes onto the roster list.
	added, err := s.client.SAdd(ctx, rosterSetKey(roomID), peer.ID).Result()
	if err != nil {
		return unavailable("append peer", err)
	}
	if added == 0 {
		return nil
	}

	entry, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal peer: %w", err)
	}
	if err := s.client.RPush(ctx, rosterKey(roomID), entry).Err(); err != nil {
		return unavailable("append peer", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, roomID string, msg signal.Message) (int64, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return 0, err
	}

	msg.Seq = 0
	msg.ProcessedBy = nil
	entry, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	// RPUSH returns the new list length; list position fixes the seq.
	length, err := s.client.RPush(ctx, logKey(roomID), entry).Result()
	if err != nil {
		return 0, unavailable("append message", err)
	}
	return length, nil
}

func (s *RedisStore) Messages(ctx context.Context, roomID string, afterSeq int64) ([]signal.Message, error) {
	entries, err := s.client.LRange(ctx, logKey(roomID), afterSeq, -1).Result()
	if err != nil {
		return nil, unavailable("read messages", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	out := make([]signal.Message, 0, len(entries))
	for i, entry := range entries {
		var msg signal.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			s.log.Warnf("skipping malformed log entry in room %s: %v", roomID, err)
			continue
		}
		msg.Seq = afterSeq + int64(i) + 1
		out = append(out, msg)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(out))
	for i, msg := range out {
		cmds[i] = pipe.SMembers(ctx, processedKey(roomID, msg.Seq))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("read processed marks", err)
	}
	for i, cmd := range cmds {
		out[i].ProcessedBy = cmd.Val()
	}
	return out, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, roomID string, seq int64, peerID string) error {
	if err := s.client.SAdd(ctx, processedKey(roomID, seq), peerID).Err(); err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *RedisStore) roomExists(ctx context.Context, roomID string) error {
	exists, err := s.client.Exists(ctx, metaKey(roomID)).Result()
	if err != nil {
		return unavailable("check room", err)
	}
	if exists == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)

package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/roomdrop/roomdrop/internal/signal"
)

// SQLiteStore backs rooms with a sqlite database, for peers that share a
// host (or a network filesystem) but not a process. The message log is a
// table of append-only rows keyed by an autoincrement sequence, so
// concurrent appenders can never lose each other's writes.
type SQLiteStore struct {
	db  *gorm.DB
	log *logrus.Logger
}

type roomRow struct {
	ID          string `gorm:"primaryKey"`
	CreatorID   string
	CreatorName string
	CreatedAt   int64
}

type peerRow struct {
	ID     uint   `gorm:"primaryKey"`
	RoomID string `gorm:"uniqueIndex:idx_room_peer"`
	PeerID string `gorm:"uniqueIndex:idx_room_peer"`
	Name   string
}

type messageRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	RoomID    string `gorm:"index"`
	Type      string
	FromID    string
	ToID      string
	FromName  string
	Timestamp int64
	Payload   []byte
}

type processedRow struct {
	ID     uint   `gorm:"primaryKey"`
	RoomID string `gorm:"uniqueIndex:idx_seq_peer"`
	Seq    int64  `gorm:"uniqueIndex:idx_seq_peer"`
	PeerID string `gorm:"uniqueIndex:idx_seq_peer"`
}

func (roomRow) TableName() string      { return "rooms" }
func (peerRow) TableName() string      { return "room_peers" }
func (messageRow) TableName() string   { return "room_messages" }
func (processedRow) TableName() string { return "room_processed" }

func OpenSQLiteStore(path string, log *logrus.Logger) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, unavailable("open sqlite mailbox", err)
	}
	if err := db.AutoMigrate(&roomRow{}, &peerRow{}, &messageRow{}, &processedRow{}); err != nil {
		return nil, unavailable("migrate sqlite mailbox", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, room Room) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := roomRow{
			ID:          room.ID,
			CreatorID:   room.CreatorID,
			CreatorName: room.CreatorName,
			CreatedAt:   room.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, p := range room.Peers {
			if err := appendPeerTx(tx, room.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("create room", err)
	}
	return nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var row roomRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, unavailable("get room", err)
	}

	var peers []peerRow
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("id").Find(&peers).Error; err != nil {
		return Room{}, unavailable("get room peers", err)
	}

	room := Room{
		ID:          row.ID,
		CreatorID:   row.CreatorID,
		CreatorName: row.CreatorName,
		CreatedAt:   row.CreatedAt,
	}
	for _, p := range peers {
		room.Peers = append(room.Peers, Peer{ID: p.PeerID, Name: p.Name})
	}
	return room, nil
}

func (s *SQLiteStore) AppendPeer(ctx context.Context, roomID string, peer Peer) error {
	if err := s.roomExists(ctx, roomID); err != nil {
		return err
	}
	if err := appendPeerTx(s.db.WithContext(ctx), roomID, peer); err != nil {
		return unavailable("append peer", err)
	}
	return nil
}

func appendPeerTx(tx *gorm.DB, roomID string, peer Peer) error {
	row := peerRow{RoomID: roomID, PeerID: peer.ID, Name: peer.Name}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, roomID string, msg signal.Message) (int64, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return 0, err
	}
	row := messageRow{
		RoomID:    roomID,
		Type:      string(msg.Type),
		FromID:    msg.From,
		ToID:      msg.To,
		FromName:  msg.FromName,
		Timestamp: msg.Timestamp,
		Payload:   []byte(msg.Data),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, unavailable("append message", err)
	}
	return row.Seq, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, roomID string, afterSeq int64) ([]signal.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("read messages", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var marks []processedRow
	err = s.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, afterSeq).
		Find(&marks).Error
	if err != nil {
		return nil, unavailable("read processed marks", err)
	}
	processed := make(map[int64][]string, len(marks))
	for _, m := range marks {
		processed[m.Seq] = append(processed[m.Seq], m.PeerID)
	}

	out := make([]signal.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, signal.Message{
			Seq:         row.Seq,
			Type:        signal.Type(row.Type),
			From:        row.FromID,
			To:          row.ToID,
			Data:        json.RawMessage(row.Payload),
			FromName:    row.FromName,
			Timestamp:   row.Timestamp,
			ProcessedBy: processed[row.Seq],
		})
	}
	return out, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, roomID string, seq int64, peerID string) error {
	row := processedRow{RoomID: roomID, Seq: seq, PeerID: peerID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *SQLiteStore) roomExists(ctx context.Context, roomID string) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&roomRow{}).Where("id = ?", roomID).Count(&count).Error
	if err != nil {
		return unavailable("check room", err)
	}
	if count == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close sqlite mailbox: %w", err)
	}
	return db.Close()
}

var _ Store = (*SQLiteStore)(nil)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS rooms (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS presence (
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	UNIQUE (room_id, user_id)
);
CREATE TABLE IF NOT EXISTS group_messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	room_id   INTEGER REFERENCES rooms(id) ON DELETE CASCADE,
	content   TEXT NOT NULL,
	sent_at   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS direct_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id    TEXT REFERENCES users(id) ON DELETE SET NULL,
	recipient_id TEXT REFERENCES users(id) ON DELETE CASCADE,
	content      TEXT NOT NULL,
	sent_at      TIMESTAMP NOT NULL,
	seen         INTEGER NOT NULL DEFAULT 0,
	seen_at      TIMESTAMP
);
`

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each pool connection to ":memory:" is its own empty database;
		// pin the pool to one connection so the schema stays visible.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureUser(ctx context.Context, u User) error {
	query := `INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username`
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.Username, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ResolveUser(ctx context.Context, id string) (User, error) {
	var u User
	query := `SELECT id, username FROM users WHERE id = ?`
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("error querying user %s: %w", id, err)
	}
	return u, nil
}

func (s *SQLiteStore) GetOrCreateRoom(ctx context.Context, name string) (Room, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now())
	if err != nil {
		return Room{}, false, fmt.Errorf("failed to insert room '%s': %w", name, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Room{}, false, fmt.Errorf("failed to read insert result for room '%s': %w", name, err)
	}

	var room Room
	if err := s.db.QueryRowContext(ctx, `SELECT id, name FROM rooms WHERE name = ?`, name).
		Scan(&room.ID, &room.Name); err != nil {
		return Room{}, false, fmt.Errorf("error querying room '%s': %w", name, err)
	}
	return room, inserted > 0, nil
}

func (s *SQLiteStore) ResolveRoom(ctx context.Context, name string) (Room, error) {
	var room Room
	if err := s.db.QueryRowContext(ctx, `SELECT id, name FROM rooms WHERE name = ?`, name).
		Scan(&room.ID, &room.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("error querying room '%s': %w", name, err)
	}
	return room, nil
}

func (s *SQLiteStore) roomOccupancy(ctx context.Context, roomID int64) (int, error) {
	var occupancy int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM presence WHERE room_id = ?`, roomID).Scan(&occupancy); err != nil {
		return 0, fmt.Errorf("error counting presence for room %d: %w", roomID, err)
	}
	return occupancy, nil
}

func (s *SQLiteStore) AddMember(ctx context.Context, roomID int64, userID string) (int, error) {
	query := `INSERT INTO presence (room_id, user_id) VALUES (?, ?)
		ON CONFLICT(room_id, user_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return 0, fmt.Errorf("failed to add member %s to room %d: %w", userID, roomID, err)
	}
	return s.roomOccupancy(ctx, roomID)
}

func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID int64, userID string) (int, error) {
	query := `DELETE FROM presence WHERE room_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return 0, fmt.Errorf("failed to remove member %s from room %d: %w", userID, roomID, err)
	}
	return s.roomOccupancy(ctx, roomID)
}

func (s *SQLiteStore) DeleteRoomIfEmpty(ctx context.Context, roomID int64) error {
	query := `DELETE FROM rooms WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM presence WHERE room_id = ?)`
	if _, err := s.db.ExecContext(ctx, query, roomID, roomID); err != nil {
		return fmt.Errorf("failed to delete empty room %d: %w", roomID, err)
	}
	return nil
}

func (s *SQLiteStore) CreateGroupMessage(ctx context.Context, senderID, roomName, content string) (GroupMessage, error) {
	var roomID int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM rooms WHERE name = ?`, roomName).Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GroupMessage{}, ErrNotFound
		}
		return GroupMessage{}, fmt.Errorf("error querying room '%s': %w", roomName, err)
	}

	sentAt := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO group_messages (sender_id, room_id, content, sent_at) VALUES (?, ?, ?, ?)`,
		senderID, roomID, content, sentAt)
	if err != nil {
		return GroupMessage{}, fmt.Errorf("failed to insert group message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return GroupMessage{}, fmt.Errorf("failed to read group message id: %w", err)
	}
	return GroupMessage{
		Message: Message{ID: id, SenderID: senderID, Content: content, SentAt: sentAt},
		RoomID:  roomID,
	}, nil
}

func (s *SQLiteStore) CreateDirectMessage(ctx context.Context, senderID, recipientID, content string) (DirectMessage, error) {
	if _, err := s.ResolveUser(ctx, recipientID); err != nil {
		return DirectMessage{}, err
	}

	sentAt := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO direct_messages (sender_id, recipient_id, content, sent_at) VALUES (?, ?, ?, ?)`,
		senderID, recipientID, content, sentAt)
	if err != nil {
		return DirectMessage{}, fmt.Errorf("failed to insert direct message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return DirectMessage{}, fmt.Errorf("failed to read direct message id: %w", err)
	}
	return DirectMessage{
		Message:     Message{ID: id, SenderID: senderID, Content: content, SentAt: sentAt},
		RecipientID: recipientID,
	}, nil
}

func (s *SQLiteStore) MarkDirectMessageSeen(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE direct_messages SET seen = 1, seen_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark direct message %d seen: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for direct message %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

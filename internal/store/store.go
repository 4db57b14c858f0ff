// Package store is the persistence collaborator: durable records for
// users, rooms, presence and message history. The in-memory room directory
// stays authoritative for occupancy and atomicity; this layer is the
// write-through record of what happened.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced user or room does not exist.
var ErrNotFound = errors.New("not found")

type User struct {
	ID       string
	Username string
}

type Room struct {
	ID   int64
	Name string
}

// Message is the common field set shared by group and direct messages.
// The two record kinds are independent tables distinguished at the protocol
// boundary by msg_type; there is no polymorphic base record.
type Message struct {
	ID       int64
	SenderID string
	Content  string
	SentAt   time.Time
}

type GroupMessage struct {
	Message
	RoomID int64
}

type DirectMessage struct {
	Message
	RecipientID string
	Seen        bool
	SeenAt      *time.Time
}

type Store interface {
	// EnsureUser upserts the identity row so message and presence rows have
	// a valid target. Called once per connect.
	EnsureUser(ctx context.Context, u User) error
	// ResolveUser returns ErrNotFound for an unknown id.
	ResolveUser(ctx context.Context, id string) (User, error)

	// GetOrCreateRoom returns the room record, creating it on first use;
	// created reports whether this call created it.
	GetOrCreateRoom(ctx context.Context, name string) (room Room, created bool, err error)
	// ResolveRoom returns ErrNotFound for an unknown name.
	ResolveRoom(ctx context.Context, name string) (Room, error)
	// AddMember and RemoveMember maintain presence rows and return the
	// room's recorded occupancy after the change. Both are idempotent.
	AddMember(ctx context.Context, roomID int64, userID string) (occupancy int, err error)
	RemoveMember(ctx context.Context, roomID int64, userID string) (occupancy int, err error)
	// DeleteRoomIfEmpty drops the room record once its last member left.
	DeleteRoomIfEmpty(ctx context.Context, roomID int64) error

	// CreateGroupMessage resolves the room by name (ErrNotFound if absent)
	// and persists the message.
	CreateGroupMessage(ctx context.Context, senderID, roomName, content string) (GroupMessage, error)
	// CreateDirectMessage persists a message to a resolved recipient
	// (ErrNotFound if the recipient id is unknown).
	CreateDirectMessage(ctx context.Context, senderID, recipientID, content string) (DirectMessage, error)
	// MarkDirectMessageSeen stamps seen/seen_at on a direct message.
	MarkDirectMessageSeen(ctx context.Context, id int64) error

	Close() error
}

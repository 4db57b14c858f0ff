package state

import (
	"github.com/a-essam23/go-parlor/pkg/transport"
	"github.com/google/uuid"
)

// Announce is invoked by JoinRoom/LeaveRoom while the room's lock is still
// held, so broadcasts enqueued inside it observe the same order in which the
// membership changes committed. Implementations must not block on network or
// storage inside an Announce.
type Announce func(occupancy int, edge bool)

// Manager is the shared mutable state every session goes through: the
// session registry (user -> live connections) and the room directory
// (room -> membership with occupancy). All compound operations are atomic
// with respect to each other; sessions never share state directly.
type Manager interface {
	// --- Connection lifecycle (session registry) ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)

	// --- User management (session registry) ---
	// AssociateUser links a connection to a user, creating the user entry if
	// it does not exist yet.
	AssociateUser(connID uuid.UUID, identity Identity) (*User, error)
	FindUser(userID string) (*User, bool)
	// UserConnections returns every live handle for a user; empty when the
	// user is unknown or has fully disconnected.
	UserConnections(userID string) []*transport.Connection
	GetUserConnectionCount(userID string) (int, error)
	GetAllUsers() []*User

	// --- Room directory ---
	// JoinRoom atomically gets-or-creates the room, adds the user and counts
	// occupancy. Exactly one of any set of concurrent first-joins observes
	// created=true. A non-nil announce runs inside the room's critical
	// section with (occupancy, created).
	JoinRoom(room, userID string, announce Announce) (occupancy int, created bool)
	// LeaveRoom atomically removes the user, counts occupancy and deletes
	// the room when it empties. Leaving a room one is not a member of is a
	// no-op returning the current occupancy and deleted=false. A non-nil
	// announce runs inside the room's critical section with
	// (occupancy, deleted).
	LeaveRoom(room, userID string, announce Announce) (occupancy int, deleted bool)
	// RoomOccupancy reports current occupancy; ok=false when the room does
	// not exist.
	RoomOccupancy(room string) (occupancy int, ok bool)
}

package state

import (
	"time"

	"github.com/a-essam23/go-parlor/pkg/transport"
	"github.com/google/uuid"
)

// Identity is the authenticated principal attached to a connection. It
// arrives from the auth layer; this package never creates or verifies one.
type Identity struct {
	ID       string
	Username string
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection // The actual connection for sending messages
	User      *User                 // Pointer to the owning user (nil until associated)
	CreatedAt time.Time
}

// canonical representation of a user, aggregating all their connections.
// One user may hold several live connections (multiple devices or tabs).
type User struct {
	Identity
	Connections map[uuid.UUID]*Connection // All active connections for this user
}

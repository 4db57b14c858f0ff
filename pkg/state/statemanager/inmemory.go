package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-parlor/pkg/state"
	"github.com/a-essam23/go-parlor/pkg/transport"
	"github.com/google/uuid"
)

// room is one directory entry. Membership is guarded by the room's own
// mutex so operations on unrelated rooms never serialize; the manager's
// roomMu guards only the name -> room map (create, delete, lookup).
type room struct {
	mu      sync.Mutex
	name    string
	members map[string]struct{}
	// defunct marks a room that emptied and is being removed from the map.
	// Joiners that raced the removal retry against a fresh entry.
	defunct bool
}

type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User
	rooms map[string]*room

	connMu sync.RWMutex
	userMu sync.RWMutex
	roomMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]*state.User),
		rooms:  make(map[string]*room),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	// detach conn from user, dropping the user entry once its last
	// connection is gone so direct sends to them report not-found.
	if conn.User != nil {
		m.userMu.Lock()
		defer m.userMu.Unlock()

		user := conn.User
		delete(user.Connections, connID)
		if len(user.Connections) == 0 {
			delete(m.users, user.ID)
		}
		m.logger.Debug("Detached connection from user", slog.String("connID", connID.String()), slog.String("userID", user.ID))
	}
	m.logger.Debug("Connection deregistered", "connID", connID.String())
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}

	var oldestConn *state.Connection
	var oldestTime time.Time

	for _, conn := range user.Connections {
		if oldestConn == nil || conn.CreatedAt.Before(oldestTime) {
			oldestConn = conn
			oldestTime = conn.CreatedAt
		}
	}

	if oldestConn == nil {
		return nil, false // User has no connections.
	}

	return oldestConn, true
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, identity state.Identity) (*state.User, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()
	defer m.userMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot associate user with unknown connection")
	}

	// Find or create the user session.
	user, exists := m.users[identity.ID]
	if !exists {
		user = &state.User{
			Identity:    identity,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[identity.ID] = user
		m.logger.Debug("Created new user session", slog.String("userID", identity.ID))
	}

	conn.User = user
	user.Connections[connID] = conn

	m.logger.Debug("Associated connection with user", slog.String("connID", connID.String()), slog.String("userID", identity.ID))
	return user, nil
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemoryManager) UserConnections(userID string) []*transport.Connection {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil
	}

	conns := make([]*transport.Connection, 0, len(user.Connections))
	for _, c := range user.Connections {
		conns = append(conns, c.Transport)
	}
	return conns
}

func (m *InMemoryManager) GetAllUsers() []*state.User {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	users := make([]*state.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	return users
}

// --- Room Directory ---

func (m *InMemoryManager) JoinRoom(name, userID string, announce state.Announce) (int, bool) {
	for {
		m.roomMu.Lock()
		r, ok := m.rooms[name]
		created := false
		if !ok {
			r = &room{name: name, members: make(map[string]struct{})}
			m.rooms[name] = r
			created = true
		}
		m.roomMu.Unlock()

		r.mu.Lock()
		if r.defunct {
			// Raced a concurrent removal; the map entry is stale or about
			// to vanish. Retry until we land on a live room.
			r.mu.Unlock()
			continue
		}
		r.members[userID] = struct{}{}
		occupancy := len(r.members)
		if announce != nil {
			announce(occupancy, created)
		}
		r.mu.Unlock()

		if created {
			m.logger.Debug("Room created", slog.String("room", name))
		}
		m.logger.Debug("User joined room", "userID", userID, "room", name, "occupancy", occupancy)
		return occupancy, created
	}
}

func (m *InMemoryManager) LeaveRoom(name, userID string, announce state.Announce) (int, bool) {
	m.roomMu.RLock()
	r, ok := m.rooms[name]
	m.roomMu.RUnlock()
	if !ok {
		// Disconnect cleanup may race an explicit leave; absent room is a
		// no-op, not an error.
		return 0, false
	}

	r.mu.Lock()
	if r.defunct {
		r.mu.Unlock()
		return 0, false
	}
	if _, member := r.members[userID]; !member {
		occupancy := len(r.members)
		r.mu.Unlock()
		return occupancy, false
	}
	delete(r.members, userID)
	occupancy := len(r.members)
	deleted := occupancy == 0
	if deleted {
		r.defunct = true
	}
	if announce != nil {
		announce(occupancy, deleted)
	}
	r.mu.Unlock()

	if deleted {
		m.roomMu.Lock()
		// Guard against the slot having been re-created by a racing join.
		if cur, ok := m.rooms[name]; ok && cur == r {
			delete(m.rooms, name)
		}
		m.roomMu.Unlock()
		m.logger.Debug("Removed empty room", slog.String("room", name))
	}

	m.logger.Debug("User left room", "userID", userID, "room", name, "occupancy", occupancy)
	return occupancy, deleted
}

func (m *InMemoryManager) RoomOccupancy(name string) (int, bool) {
	m.roomMu.RLock()
	r, ok := m.rooms[name]
	m.roomMu.RUnlock()
	if !ok {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defunct {
		return 0, false
	}
	return len(r.members), true
}

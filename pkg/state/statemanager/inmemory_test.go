package statemanager_test

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-parlor/pkg/state"
	"github.com/a-essam23/go-parlor/pkg/state/statemanager"
	"github.com/a-essam23/go-parlor/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

func newTransportConn() *transport.Connection {
	// The underlying websocket conn and handlers are irrelevant here; the
	// manager only needs an addressable handle.
	logger := newTestLogger()
	var wg sync.WaitGroup
	return transport.NewConnection(context.Background(), &wg, nil, transport.ConnectionConfig{}, nil, nil, logger)
}

func ident(id string) state.Identity {
	return state.Identity{ID: id, Username: "u-" + id}
}

// --- Connection and User Management Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newTransportConn()

	// 1. Register
	stateConn, err := m.RegisterConnection(conn, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}

	// 2. Get
	retrievedConn, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrievedConn.ID != conn.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	// 3. Deregister
	err = m.DeregisterConnection(conn.ID())
	if err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	_, found = m.GetConnection(conn.ID())
	if found {
		t.Error("Found connection after it should have been deregistered")
	}

	// 4. Deregistering again is a no-op
	if err := m.DeregisterConnection(conn.ID()); err != nil {
		t.Errorf("Second DeregisterConnection should be a no-op, got %v", err)
	}
}

func TestUserAssociationAndConnectionCount(t *testing.T) {
	m := newTestManager()
	userID := "user-1"
	conn1 := newTransportConn()
	conn2 := newTransportConn()

	m.RegisterConnection(conn1, "1.1.1.1")
	m.RegisterConnection(conn2, "2.2.2.2")

	// Associate first connection
	user, err := m.AssociateUser(conn1.ID(), ident(userID))
	if err != nil {
		t.Fatalf("AssociateUser (1) failed: %v", err)
	}
	if user.ID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, user.ID)
	}

	count, _ := m.GetUserConnectionCount(userID)
	if count != 1 {
		t.Errorf("Expected connection count 1, got %d", count)
	}

	// Associate second connection to the same user
	_, err = m.AssociateUser(conn2.ID(), ident(userID))
	if err != nil {
		t.Fatalf("AssociateUser (2) failed: %v", err)
	}

	count, _ = m.GetUserConnectionCount(userID)
	if count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}

	if handles := m.UserConnections(userID); len(handles) != 2 {
		t.Errorf("Expected 2 handles, got %d", len(handles))
	}

	// Deregister one connection
	m.DeregisterConnection(conn1.ID())
	count, _ = m.GetUserConnectionCount(userID)
	if count != 1 {
		t.Errorf("Expected connection count 1 after deregister, got %d", count)
	}

	// Deregistering the last one removes the user entirely
	m.DeregisterConnection(conn2.ID())
	if _, found := m.FindUser(userID); found {
		t.Error("Expected user gone after last connection deregistered")
	}
	if handles := m.UserConnections(userID); len(handles) != 0 {
		t.Errorf("Expected no handles for fully disconnected user, got %d", len(handles))
	}
}

func TestFindOldestUserConnection(t *testing.T) {
	m := newTestManager()
	userID := "user-cycle"
	conn1 := newTransportConn()
	conn2 := newTransportConn()

	m.RegisterConnection(conn1, "1.1.1.1")
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	m.RegisterConnection(conn2, "2.2.2.2")
	m.AssociateUser(conn1.ID(), ident(userID))
	m.AssociateUser(conn2.ID(), ident(userID))

	oldest, found := m.FindOldestUserConnection(userID)
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

// --- Room Directory Tests ---

func TestRoomJoinLeave(t *testing.T) {
	m := newTestManager()
	roomName := "test-room"

	occ, created := m.JoinRoom(roomName, "alice", nil)
	if !created {
		t.Error("First join should have created the room")
	}
	if occ != 1 {
		t.Errorf("Expected occupancy 1, got %d", occ)
	}

	occ, created = m.JoinRoom(roomName, "bob", nil)
	if created {
		t.Error("Second join should not report created")
	}
	if occ != 2 {
		t.Errorf("Expected occupancy 2, got %d", occ)
	}

	// Re-joining is idempotent for occupancy.
	occ, created = m.JoinRoom(roomName, "bob", nil)
	if created || occ != 2 {
		t.Errorf("Expected (2,false) for repeat join, got (%d,%v)", occ, created)
	}

	occ, deleted := m.LeaveRoom(roomName, "alice", nil)
	if deleted {
		t.Error("Leave with members remaining must not delete the room")
	}
	if occ != 1 {
		t.Errorf("Expected occupancy 1 after leave, got %d", occ)
	}

	occ, deleted = m.LeaveRoom(roomName, "bob", nil)
	if !deleted {
		t.Error("Last leave should delete the room")
	}
	if occ != 0 {
		t.Errorf("Expected occupancy 0 after last leave, got %d", occ)
	}

	if _, ok := m.RoomOccupancy(roomName); ok {
		t.Error("Room should be absent from the directory after deletion")
	}
}

func TestLeaveAbsentMembershipIsNoop(t *testing.T) {
	m := newTestManager()
	roomName := "noop-room"

	// Leaving a room that doesn't exist at all.
	occ, deleted := m.LeaveRoom(roomName, "ghost", nil)
	if occ != 0 || deleted {
		t.Errorf("Expected (0,false) for unknown room, got (%d,%v)", occ, deleted)
	}

	m.JoinRoom(roomName, "alice", nil)

	// Leaving without being a member: disconnect cleanup may race an
	// explicit leave, so this must be a silent no-op.
	occ, deleted = m.LeaveRoom(roomName, "ghost", nil)
	if occ != 1 || deleted {
		t.Errorf("Expected (1,false) for non-member leave, got (%d,%v)", occ, deleted)
	}

	// Double-leave after a real leave.
	m.LeaveRoom(roomName, "alice", nil)
	occ, deleted = m.LeaveRoom(roomName, "alice", nil)
	if deleted {
		t.Error("Double leave must not report deleted twice")
	}
	_ = occ
}

func TestConcurrentFirstJoins(t *testing.T) {
	m := newTestManager()
	roomName := "fresh-room"
	const n = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	occupancies := make(map[int]int)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			occ, created := m.JoinRoom(roomName, "user"+strconv.Itoa(i), nil)
			mu.Lock()
			defer mu.Unlock()
			if created {
				createdCount++
			}
			occupancies[occ]++
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one join to observe created=true, got %d", createdCount)
	}
	// The multiset of reported occupancies must be exactly {1..n}.
	for i := 1; i <= n; i++ {
		if occupancies[i] != 1 {
			t.Errorf("Expected occupancy %d to be reported exactly once, got %d times", i, occupancies[i])
		}
	}

	if occ, ok := m.RoomOccupancy(roomName); !ok || occ != n {
		t.Errorf("Expected final occupancy %d, got (%d,%v)", n, occ, ok)
	}
}

func TestConcurrentLeaves(t *testing.T) {
	m := newTestManager()
	roomName := "draining-room"
	const n = 50

	for i := 0; i < n; i++ {
		m.JoinRoom(roomName, "user"+strconv.Itoa(i), nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	deletedCount := 0
	deletedAtZero := false

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			occ, deleted := m.LeaveRoom(roomName, "user"+strconv.Itoa(i), nil)
			if deleted {
				mu.Lock()
				deletedCount++
				deletedAtZero = occ == 0
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if deletedCount != 1 {
		t.Errorf("Expected exactly one leave to observe deleted=true, got %d", deletedCount)
	}
	if !deletedAtZero {
		t.Error("The deleting leave must be the one that brought occupancy to 0")
	}
	if _, ok := m.RoomOccupancy(roomName); ok {
		t.Error("Room must be absent from the directory immediately after draining")
	}
}

func TestConcurrentJoinLeaveChurn(t *testing.T) {
	m := newTestManager()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomName := "room" + strconv.Itoa(i%5)
			userID := "user" + strconv.Itoa(i)
			m.JoinRoom(roomName, userID, nil)
			m.LeaveRoom(roomName, userID, nil)
		}(i)
	}
	wg.Wait()

	// Every joiner left, so no room may survive the churn.
	for i := 0; i < 5; i++ {
		if occ, ok := m.RoomOccupancy("room" + strconv.Itoa(i)); ok {
			t.Errorf("room%d survived churn with occupancy %d", i, occ)
		}
	}
}

func TestAnnounceRunsInCommitOrder(t *testing.T) {
	m := newTestManager()
	roomName := "ordered-room"
	const n = 30

	var mu sync.Mutex
	var observed []int

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.JoinRoom(roomName, "user"+strconv.Itoa(i), func(occupancy int, _ bool) {
				// Runs inside the room's critical section: appends must
				// come out strictly increasing.
				mu.Lock()
				observed = append(observed, occupancy)
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	if len(observed) != n {
		t.Fatalf("Expected %d announces, got %d", n, len(observed))
	}
	for i, occ := range observed {
		if occ != i+1 {
			t.Fatalf("Announce order broken: position %d saw occupancy %d", i, occ)
		}
	}
}

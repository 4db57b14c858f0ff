// Package session holds the per-connection state machine: it owns one
// transport connection, turns inbound commands into room directory and
// store mutations, and relays broadcast events back out as frames.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/a-essam23/go-parlor/internal/broker"
	"github.com/a-essam23/go-parlor/internal/store"
	"github.com/a-essam23/go-parlor/pkg/state"
	"github.com/a-essam23/go-parlor/pkg/transport"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Session lifecycle phases.
const (
	phaseConnecting int32 = iota
	phaseActive
	phaseClosed
)

type Session struct {
	conn     *transport.Connection
	identity state.Identity

	manager       state.Manager
	broker        *broker.Broker
	store         store.Store
	presenceGroup string

	phase atomic.Int32

	// mu serializes command dispatch with teardown: a command either runs
	// to completion before Disconnect starts releasing state, or not at
	// all. It also guards rooms, the set the client explicitly joined,
	// which Disconnect drains so memberships are released exactly once.
	mu    sync.Mutex
	rooms map[string]struct{}

	logger *slog.Logger
}

func New(conn *transport.Connection, identity state.Identity, manager state.Manager, b *broker.Broker, st store.Store, presenceGroup string, logger *slog.Logger) *Session {
	return &Session{
		conn:          conn,
		identity:      identity,
		manager:       manager,
		broker:        b,
		store:         st,
		presenceGroup: presenceGroup,
		rooms:         make(map[string]struct{}),
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("connID", conn.ID().String()),
			slog.String("userID", identity.ID),
		),
	}
}

// Connect transitions CONNECTING -> ACTIVE. The identity precondition is the
// only fatal check a session makes: without it the session closes before any
// side effect. On success the connection is registered under the user and
// the session performs the implicit join of the presence group.
func (s *Session) Connect(ctx context.Context) error {
	if s.identity.ID == "" {
		s.phase.Store(phaseClosed)
		return ErrUnauthenticated
	}

	if err := s.store.EnsureUser(ctx, store.User{ID: s.identity.ID, Username: s.identity.Username}); err != nil {
		// Identity rows are write-through; a store outage degrades history,
		// not liveness.
		s.logger.Error("failed to persist user identity", slog.Any("error", err))
	}

	if _, err := s.manager.AssociateUser(s.conn.ID(), s.identity); err != nil {
		s.phase.Store(phaseClosed)
		return err
	}

	s.phase.Store(phaseActive)
	s.broker.Subscribe(s.presenceGroup, s.conn)
	s.joinRoom(ctx, s.presenceGroup)
	return nil
}

// joinRoom joins a room, creating it if necessary, and broadcasts the
// needed presence events. The room-open and presence-join events are
// published while the room's commit lock is held, so every subscriber
// observes them in commit order.
func (s *Session) joinRoom(ctx context.Context, name string) error {
	s.broker.Subscribe(name, s.conn)
	s.manager.JoinRoom(name, s.identity.ID, func(occupancy int, created bool) {
		if created {
			s.broker.Publish(s.presenceGroup, RoomFrame{
				Type:   FrameRoom,
				Action: ActionOpen,
				Room:   name,
			})
		}
		s.broker.Publish(s.presenceGroup, PresenceFrame{
			Type:      FramePresence,
			Action:    ActionJoin,
			Room:      name,
			UserID:    s.identity.ID,
			Username:  s.identity.Username,
			Occupancy: occupancy,
		})
	})

	// Write-through presence record, outside any lock.
	room, _, err := s.store.GetOrCreateRoom(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.store.AddMember(ctx, room.ID, s.identity.ID); err != nil {
		return err
	}
	return nil
}

// leaveRoom leaves a room, deleting it if the user was the last one out,
// and broadcasts the needed presence events in commit order.
func (s *Session) leaveRoom(ctx context.Context, name string) error {
	_, deleted := s.manager.LeaveRoom(name, s.identity.ID, func(occupancy int, deleted bool) {
		if deleted {
			s.broker.Publish(s.presenceGroup, RoomFrame{
				Type:   FrameRoom,
				Action: ActionClose,
				Room:   name,
			})
		}
		s.broker.Publish(s.presenceGroup, PresenceFrame{
			Type:      FramePresence,
			Action:    ActionLeave,
			Room:      name,
			UserID:    s.identity.ID,
			Username:  s.identity.Username,
			Occupancy: occupancy,
		})
	})
	s.broker.Unsubscribe(name, s.conn)

	room, err := s.store.ResolveRoom(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.store.RemoveMember(ctx, room.ID, s.identity.ID); err != nil {
		return err
	}
	if deleted {
		if err := s.store.DeleteRoomIfEmpty(ctx, room.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendGroupMessage(ctx context.Context, roomName, content string) error {
	if _, ok := s.manager.RoomOccupancy(roomName); !ok {
		return fmt.Errorf("unknown room '%s': %w", roomName, ErrNotFound)
	}

	msg, err := s.store.CreateGroupMessage(ctx, s.identity.ID, roomName, content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown room '%s': %w", roomName, ErrNotFound)
		}
		return err
	}

	s.broker.Publish(roomName, MessageFrame{
		Type:           FrameMessage,
		MsgType:        MsgTypeGroup,
		Content:        content,
		SenderID:       s.identity.ID,
		SenderUsername: s.identity.Username,
		MessageID:      msg.ID,
	})
	return nil
}

func (s *Session) sendDirectMessage(ctx context.Context, recipientID, content string) error {
	handles := s.manager.UserConnections(recipientID)
	if len(handles) == 0 {
		return fmt.Errorf("recipient '%s' is not reachable: %w", recipientID, ErrNotFound)
	}

	msg, err := s.store.CreateDirectMessage(ctx, s.identity.ID, recipientID, content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown recipient '%s': %w", recipientID, ErrNotFound)
		}
		return err
	}

	frame := MessageFrame{
		Type:           FrameMessage,
		MsgType:        MsgTypeDirect,
		Content:        content,
		SenderID:       s.identity.ID,
		SenderUsername: s.identity.Username,
		MessageID:      msg.ID,
	}
	// Direct delivery to every live handle of the recipient, never a group
	// broadcast. A handle that died in the meantime is the broker's problem
	// to log, not the sender's.
	for _, h := range handles {
		s.broker.Send(h, frame)
	}
	return nil
}

// Disconnect releases everything the session holds: its registry entry, its
// room memberships and its subscriptions. It is idempotent and safe to call
// mid-command; cleanup errors are logged, never surfaced, since there is no
// longer a client to report to.
func (s *Session) Disconnect(ctx context.Context) {
	// Taking mu first means any in-flight command finishes before teardown
	// begins, so a join cannot commit a membership after the drain below.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.phase.CompareAndSwap(phaseActive, phaseClosed) {
		// Never became active, or already torn down.
		s.phase.Store(phaseClosed)
		return
	}

	if err := s.manager.DeregisterConnection(s.conn.ID()); err != nil {
		s.logger.Error("failed to deregister connection", slog.Any("error", err))
	}

	joined := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		joined = append(joined, name)
	}
	s.rooms = make(map[string]struct{})

	for _, name := range joined {
		if err := s.leaveRoom(ctx, name); err != nil {
			s.logger.Warn("failed to leave room during teardown", slog.String("room", name), slog.Any("error", err))
		}
	}
	if err := s.leaveRoom(ctx, s.presenceGroup); err != nil {
		s.logger.Warn("failed to leave presence group during teardown", slog.Any("error", err))
	}

	// Final sweep: nothing may stay subscribed past this point.
	s.broker.DropConnection(s.conn)
	s.logger.Info("session closed")
}

// HandleMessage is the transport's message callback: it parses one inbound
// frame and dispatches it. A malformed or unknown command is reported back
// to this client only and never terminates the connection.
func (s *Session) HandleMessage(ctx context.Context, _ uuid.UUID, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Load() != phaseActive {
		return
	}

	if !gjson.ValidBytes(raw) {
		s.sendError(CodeProtocol, "malformed frame: not valid JSON")
		return
	}

	command := gjson.GetBytes(raw, "command")
	if !command.Exists() {
		s.sendError(CodeProtocol, "missing required field 'command'")
		return
	}

	switch command.String() {
	case CommandJoin:
		name, ok := s.roomField(raw)
		if !ok {
			return
		}
		s.rooms[name] = struct{}{}
		if err := s.joinRoom(ctx, name); err != nil {
			s.reportError(err)
		}

	case CommandLeave:
		name, ok := s.roomField(raw)
		if !ok {
			return
		}
		err := s.leaveRoom(ctx, name)
		delete(s.rooms, name)
		if err != nil {
			s.reportError(err)
		}

	case CommandMessage:
		s.handleSend(ctx, raw)

	default:
		s.sendError(CodeProtocol, "unknown command: "+command.String())
	}
}

func (s *Session) handleSend(ctx context.Context, raw []byte) {
	msgType := gjson.GetBytes(raw, "type")
	if !msgType.Exists() {
		s.sendError(CodeProtocol, "missing required field 'type'")
		return
	}
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		s.sendError(CodeProtocol, "missing required field 'content'")
		return
	}

	switch msgType.String() {
	case MsgTypeGroup:
		roomName := gjson.GetBytes(raw, "room")
		if !roomName.Exists() || roomName.String() == "" {
			s.sendError(CodeProtocol, "missing required field 'room'")
			return
		}
		if err := s.sendGroupMessage(ctx, roomName.String(), content.String()); err != nil {
			s.reportError(err)
		}

	case MsgTypeDirect:
		recipient := gjson.GetBytes(raw, "recipient")
		if !recipient.Exists() || recipient.String() == "" {
			s.sendError(CodeProtocol, "missing required field 'recipient'")
			return
		}
		if err := s.sendDirectMessage(ctx, recipient.String(), content.String()); err != nil {
			s.reportError(err)
		}

	default:
		s.sendError(CodeProtocol, "unknown message type: "+msgType.String())
	}
}

// roomField extracts and validates the 'room' field of a join/leave
// command. The reserved presence group name is not a valid room.
func (s *Session) roomField(raw []byte) (string, bool) {
	roomName := gjson.GetBytes(raw, "room")
	if !roomName.Exists() || roomName.String() == "" {
		s.sendError(CodeProtocol, "missing required field 'room'")
		return "", false
	}
	if roomName.String() == s.presenceGroup {
		s.sendError(CodeProtocol, "room name '"+roomName.String()+"' is reserved")
		return "", false
	}
	return roomName.String(), true
}

func (s *Session) reportError(err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		s.sendError(CodeNotFound, err.Error())
	case errors.Is(err, ErrProtocol):
		s.sendError(CodeProtocol, err.Error())
	default:
		// Store outages and the like: a generic error to the sender, the
		// details stay in the log.
		s.logger.Error("command failed", slog.Any("error", err))
		s.sendError(CodePersistence, "internal error, try again")
	}
}

func (s *Session) sendError(code, message string) {
	s.broker.Send(s.conn, ErrorFrame{Type: FrameError, Code: code, Message: message})
}

// Conn exposes the session's transport handle to the server wiring.
func (s *Session) Conn() *transport.Connection {
	return s.conn
}

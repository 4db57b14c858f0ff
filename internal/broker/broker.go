// Package broker is the named-group publish/subscribe relay between
// sessions. Groups are room names plus the reserved presence group;
// subscribers are live transport connections.
package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-parlor/pkg/transport"
	"github.com/google/uuid"
)

type group struct {
	mu      sync.RWMutex
	members map[uuid.UUID]*transport.Connection
	// Set when the group is pruned from the map; a subscriber that raced
	// the prune retries against the current entry instead of joining a
	// group no publish will ever see.
	defunct bool
}

type Broker struct {
	mu     sync.RWMutex
	groups map[string]*group
	logger *slog.Logger
}

func New(logger *slog.Logger) *Broker {
	return &Broker{
		groups: make(map[string]*group),
		logger: logger.With(slog.String("component", "broker")),
	}
}

// Subscribe adds a connection to a group, creating the group on first use.
// Subscribing an already-subscribed connection is a no-op.
func (b *Broker) Subscribe(name string, conn *transport.Connection) {
	for {
		b.mu.Lock()
		g, ok := b.groups[name]
		if !ok {
			g = &group{members: make(map[uuid.UUID]*transport.Connection)}
			b.groups[name] = g
		}
		b.mu.Unlock()

		g.mu.Lock()
		if g.defunct {
			// Lost a race with the last member's unsubscribe; the map entry
			// is gone, so take another pass and land on a live group.
			g.mu.Unlock()
			continue
		}
		g.members[conn.ID()] = conn
		g.mu.Unlock()
		return
	}
}

// Unsubscribe removes a connection from a group. Unknown group or
// non-member connection is a no-op. Empty groups are pruned.
func (b *Broker) Unsubscribe(name string, conn *transport.Connection) {
	b.mu.RLock()
	g, ok := b.groups[name]
	b.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	delete(g.members, conn.ID())
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		b.mu.Lock()
		if cur, ok := b.groups[name]; ok && cur == g {
			cur.mu.Lock()
			if len(cur.members) == 0 {
				cur.defunct = true
				delete(b.groups, name)
			}
			cur.mu.Unlock()
		}
		b.mu.Unlock()
	}
}

// Publish delivers an event to every connection subscribed to the group at
// call time. Each subscriber receives the event at most once; a connection
// whose unsubscription completed before the call receives nothing.
func (b *Broker) Publish(name string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal group event", slog.String("group", name), slog.Any("error", err))
		return
	}

	b.mu.RLock()
	g, ok := b.groups[name]
	b.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, conn := range g.members {
		if err := conn.Send(payload); err != nil {
			b.deliveryFailed(name, conn, err)
		}
	}
}

// deliveryFailed handles a subscriber that could not take a frame. A closed
// connection is routine: its disconnect sweep will drop it from the group. A
// full buffer means the client stopped draining its write pump, and the only
// safe move is to disconnect it; Send must never block while group locks are
// held, so a slow consumer forfeits the connection rather than stalling the
// publisher. The close runs on its own goroutine because the ensuing
// disconnect sweep re-enters the broker.
func (b *Broker) deliveryFailed(name string, conn *transport.Connection, err error) {
	if errors.Is(err, transport.ErrSendBufferFull) {
		b.logger.Warn("disconnecting slow consumer",
			slog.String("group", name),
			slog.String("connID", conn.ID().String()),
		)
		go conn.Close(err)
		return
	}
	b.logger.Debug("dropped group event for closed connection",
		slog.String("group", name),
		slog.String("connID", conn.ID().String()),
	)
}

// Send delivers an event to exactly one connection. Delivery failure is
// logged and swallowed: the recipient may have disconnected between send
// and delivery, and that is not the sender's fault.
func (b *Broker) Send(conn *transport.Connection, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal direct event", slog.Any("error", err))
		return
	}
	if err := conn.Send(payload); err != nil {
		if errors.Is(err, transport.ErrSendBufferFull) {
			b.logger.Warn("disconnecting slow consumer", slog.String("connID", conn.ID().String()))
			go conn.Close(err)
			return
		}
		b.logger.Debug("direct delivery to closed connection dropped", slog.String("connID", conn.ID().String()))
	}
}

// DropConnection removes a connection from every group it is subscribed to.
// Disconnect cleanup calls this as a final sweep so a session that died
// mid-command cannot leak subscriptions.
func (b *Broker) DropConnection(conn *transport.Connection) {
	b.mu.RLock()
	names := make([]string, 0, len(b.groups))
	for name := range b.groups {
		names = append(names, name)
	}
	b.mu.RUnlock()

	for _, name := range names {
		b.Unsubscribe(name, conn)
	}
}

// GroupSize reports the current subscriber count of a group.
func (b *Broker) GroupSize(name string) int {
	b.mu.RLock()
	g, ok := b.groups[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

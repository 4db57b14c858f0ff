package broker_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-parlor/internal/broker"
	"github.com/a-essam23/go-parlor/pkg/transport"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newConn() *transport.Connection {
	return newConnBuffered(0)
}

func newConnBuffered(sendBufferSize int) *transport.Connection {
	var wg sync.WaitGroup
	cfg := transport.ConnectionConfig{SendBufferSize: sendBufferSize}
	return transport.NewConnection(context.Background(), &wg, nil, cfg, nil, nil, newTestLogger())
}

// waitClosed blocks until the connection finishes teardown.
func waitClosed(t *testing.T, conn *transport.Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never closed")
	}
}

// drain collects every frame currently queued on a connection.
func drain(t *testing.T, conn *transport.Connection) []testEvent {
	t.Helper()
	var events []testEvent
	for {
		select {
		case raw := <-conn.Outgoing():
			var evt testEvent
			require.NoError(t, json.Unmarshal(raw, &evt))
			events = append(events, evt)
		default:
			return events
		}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := broker.New(newTestLogger())
	connA, connB, connC := newConn(), newConn(), newConn()

	b.Subscribe("general", connA)
	b.Subscribe("general", connB)
	b.Subscribe("random", connC)

	b.Publish("general", testEvent{Type: "chat", Body: "hi"})

	require.Len(t, drain(t, connA), 1)
	require.Len(t, drain(t, connB), 1)
	require.Empty(t, drain(t, connC), "subscriber of another group must receive nothing")
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := broker.New(newTestLogger())
	connA, connB := newConn(), newConn()

	b.Subscribe("general", connA)
	b.Subscribe("general", connB)
	b.Unsubscribe("general", connB)

	b.Publish("general", testEvent{Type: "chat", Body: "hi"})

	require.Len(t, drain(t, connA), 1)
	require.Empty(t, drain(t, connB), "fully unsubscribed handle must not receive the publish")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := broker.New(newTestLogger())
	conn := newConn()

	b.Subscribe("general", conn)
	b.Subscribe("general", conn)
	require.Equal(t, 1, b.GroupSize("general"))

	b.Publish("general", testEvent{Type: "chat", Body: "once"})
	require.Len(t, drain(t, conn), 1, "double subscription must not double-deliver")

	b.Unsubscribe("general", conn)
	b.Unsubscribe("general", conn)
	require.Equal(t, 0, b.GroupSize("general"))
}

func TestEmptyGroupsArePruned(t *testing.T) {
	b := broker.New(newTestLogger())
	conn := newConn()

	b.Subscribe("general", conn)
	b.Unsubscribe("general", conn)

	// Publishing to a pruned group is a no-op, not a panic.
	b.Publish("general", testEvent{Type: "chat"})
	require.Empty(t, drain(t, conn))
}

func TestSendDeliversToExactlyOneHandle(t *testing.T) {
	b := broker.New(newTestLogger())
	connA, connB := newConn(), newConn()
	b.Subscribe("general", connA)
	b.Subscribe("general", connB)

	b.Send(connA, testEvent{Type: "dm", Body: "psst"})

	require.Len(t, drain(t, connA), 1)
	require.Empty(t, drain(t, connB))
}

func TestSendToClosedConnectionIsSwallowed(t *testing.T) {
	b := broker.New(newTestLogger())
	conn := newConn()
	conn.Close(nil)

	// Must not panic or surface anything; the failure is the broker's to log.
	b.Send(conn, testEvent{Type: "dm", Body: "too late"})
}

func TestDropConnectionSweepsEveryGroup(t *testing.T) {
	b := broker.New(newTestLogger())
	conn, other := newConn(), newConn()

	b.Subscribe("general", conn)
	b.Subscribe("random", conn)
	b.Subscribe("general", other)

	b.DropConnection(conn)

	require.Equal(t, 1, b.GroupSize("general"))
	require.Equal(t, 0, b.GroupSize("random"))

	b.Publish("general", testEvent{Type: "chat"})
	require.Empty(t, drain(t, conn))
	require.Len(t, drain(t, other), 1)
}

func TestPublishDoesNotBlockOnSlowConsumer(t *testing.T) {
	b := broker.New(newTestLogger())
	slow := newConnBuffered(1)
	healthy := newConn()
	b.Subscribe("general", slow)
	b.Subscribe("general", healthy)

	// Neither call may stall even though slow never drains its queue.
	b.Publish("general", testEvent{Type: "chat", Body: "first"})
	b.Publish("general", testEvent{Type: "chat", Body: "second"})

	require.Len(t, drain(t, healthy), 2)
	require.Len(t, drain(t, slow), 1, "overflow frame is dropped, not queued")
	waitClosed(t, slow)
}

func TestSendDisconnectsSlowConsumer(t *testing.T) {
	b := broker.New(newTestLogger())
	conn := newConnBuffered(1)

	b.Send(conn, testEvent{Type: "dm", Body: "first"})
	b.Send(conn, testEvent{Type: "dm", Body: "second"})

	require.Len(t, drain(t, conn), 1)
	waitClosed(t, conn)
}

func TestSubscribeSurvivesConcurrentPrune(t *testing.T) {
	b := broker.New(newTestLogger())

	for i := 0; i < 500; i++ {
		member := newConn()
		churn := newConn()
		b.Subscribe("general", churn)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe("general", member)
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe("general", churn)
		}()
		wg.Wait()

		// However the two interleaved, member must be in the live group.
		b.Publish("general", testEvent{Type: "chat", Body: "x"})
		require.Len(t, drain(t, member), 1, "subscriber landed on a pruned group")
		require.Equal(t, 1, b.GroupSize("general"))
		b.Unsubscribe("general", member)
	}
}

func TestConcurrentPublishAndChurn(t *testing.T) {
	b := broker.New(newTestLogger())
	stable := newConn()
	b.Subscribe("general", stable)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := newConn()
			b.Subscribe("general", conn)
			b.Publish("general", testEvent{Type: "chat", Body: "x"})
			b.Unsubscribe("general", conn)
		}()
	}
	wg.Wait()

	// The stable subscriber saw every publish exactly once.
	require.Len(t, drain(t, stable), 50)
	require.Equal(t, 1, b.GroupSize("general"))
}

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/lock"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/modules/control"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn: inbound frames are pre-loaded onto a
// channel, outbound writes are captured onto another, mirroring a real
// websocket connection closely enough to drive a Runner end to end.
type fakeConn struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) pushFrame(namespace, action string, payload any) {
	raw, _ := json.Marshal(payload)
	frame := map[string]any{"namespace": namespace, "action": action, "payload": json.RawMessage(raw)}
	data, _ := json.Marshal(frame)
	c.inbound <- data
}

func (c *fakeConn) closeInbound() { c.once.Do(func() { close(c.inbound) }) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, fmt.Errorf("fakeConn: closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.written <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func newTestDeps(t *testing.T) (Deps, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	store := roomcoord.NewStore(b)
	rooms := roomcoord.NewRegistry(b)
	locker := lock.New(b, 5*time.Second)
	registry := module.NewRegistry(control.New(store))

	return Deps{
		Store:   store,
		Bus:     b,
		Rooms:   rooms,
		Locker:  locker,
		Modules: registry,
	}, mr
}

// readFrame waits for one outbound frame off a fakeConn's written channel,
// decoded into a wire.OutboundFrame-shaped map for easy field assertions.
func readFrame(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-c.written:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func TestJoinProtocolDirectEntry(t *testing.T) {
	deps, mr := newTestDeps(t)
	defer mr.Close()

	conn := newFakeConn()
	r := New(conn, "room-1", Identity{UserID: "u1", DisplayNameHint: "Alice"}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	conn.pushFrame("control", "join", map[string]string{"display_name": "Alice"})

	frame := readFrame(t, conn)
	assert.Equal(t, "control", frame["namespace"])
	assert.Equal(t, "join_success", frame["message"])

	conn.closeInbound()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit after connection closed")
	}

	roster, err := deps.Store.Roster(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, roster, "participant should be removed from roster on disconnect")
}

func TestJoinProtocolWaitingRoom(t *testing.T) {
	deps, mr := newTestDeps(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, deps.Store.SetFlags(ctx, "room-2", roomcoord.RoomFlags{WaitingRoomEnabled: true}))

	conn := newFakeConn()
	r := New(conn, "room-2", Identity{UserID: "u2", DisplayNameHint: "Bob"}, deps)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); r.Run(runCtx) }()

	conn.pushFrame("control", "join", map[string]string{"display_name": "Bob"})

	frame := readFrame(t, conn)
	assert.Equal(t, "in_waiting_room", frame["message"])

	waiting, err := deps.Store.WaitingRoster(ctx, "room-2")
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	conn.closeInbound()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit after connection closed")
	}

	waitingAfter, err := deps.Store.WaitingRoster(ctx, "room-2")
	require.NoError(t, err)
	assert.Empty(t, waitingAfter, "waiting participant should be removed from the waiting roster on disconnect")
}

func TestJoinProtocolRejectsNonJoinFirstFrame(t *testing.T) {
	deps, mr := newTestDeps(t)
	defer mr.Close()

	conn := newFakeConn()
	r := New(conn, "room-3", Identity{UserID: "u3"}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	conn.pushFrame("chat", "send", map[string]string{"text": "hi"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["message"])

	conn.closeInbound()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit")
	}
}

func TestCrossSessionDeliveryRoomBroadcast(t *testing.T) {
	deps, mr := newTestDeps(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connA := newFakeConn()
	rA := New(connA, "room-4", Identity{UserID: "creatorA", DisplayNameHint: "A"}, deps)
	doneA := make(chan struct{})
	go func() { defer close(doneA); rA.Run(ctx) }()
	connA.pushFrame("control", "join", map[string]string{"display_name": "A"})
	readFrame(t, connA) // join_success

	connB := newFakeConn()
	rB := New(connB, "room-4", Identity{UserID: "userB", DisplayNameHint: "B"}, deps)
	doneB := make(chan struct{})
	go func() { defer close(doneB); rB.Run(ctx) }()
	connB.pushFrame("control", "join", map[string]string{"display_name": "B"})
	readFrame(t, connB) // join_success

	// A's join_success already flushed; B joining should broadcast a
	// participant_joined-style control event that A observes as a second
	// frame, without B ever receiving its own broadcast back.
	frame := readFrame(t, connA)
	assert.Equal(t, "control", frame["namespace"])

	connA.closeInbound()
	connB.closeInbound()
	for _, d := range []chan struct{}{doneA, doneB} {
		select {
		case <-d:
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not exit")
		}
	}
}

func TestRoomDestroyedOnLastParticipantLeft(t *testing.T) {
	deps, mr := newTestDeps(t)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newFakeConn()
	r := New(conn, "room-5", Identity{UserID: "solo", DisplayNameHint: "Solo"}, deps)
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }()

	conn.pushFrame("control", "join", map[string]string{"display_name": "Solo"})
	readFrame(t, conn)

	roster, err := deps.Store.Roster(context.Background(), "room-5")
	require.NoError(t, err)
	require.Len(t, roster, 1)

	conn.closeInbound()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit")
	}

	rosterAfter, err := deps.Store.Roster(context.Background(), "room-5")
	require.NoError(t, err)
	assert.Empty(t, rosterAfter)
	assert.Equal(t, 0, deps.Rooms.Count(), "registry should release the room handle once empty")
}

package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"presencehub/internal/websocket"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

// recordingConnection captures every envelope written to it
type recordingConnection struct {
	id       string
	userID   string
	writeErr error
	closed   atomic.Bool

	mu       sync.Mutex
	received []*types.Envelope
	notify   chan struct{}
}

func newRecordingConnection(id, userID string) *recordingConnection {
	return &recordingConnection{id: id, userID: userID, notify: make(chan struct{}, 100)}
}

func (c *recordingConnection) WriteJSON(v interface{}) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	env := *(v.(*types.Envelope))
	c.mu.Lock()
	c.received = append(c.received, &env)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *recordingConnection) Close() error   { c.closed.Store(true); return nil }
func (c *recordingConnection) ID() string     { return c.id }
func (c *recordingConnection) UserID() string { return c.userID }

func (c *recordingConnection) State() interfaces.ConnectionState {
	if c.closed.Load() {
		return interfaces.StateClosed
	}
	return interfaces.StateAuthenticated
}

func (c *recordingConnection) IsAuthenticated() bool { return !c.closed.Load() }

func (c *recordingConnection) messages() []*types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Envelope, len(c.received))
	copy(out, c.received)
	return out
}

func (c *recordingConnection) waitFor(t *testing.T, n int) []*types.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(c.messages()) < n {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("%s: expected %d messages, got %d", c.id, n, len(c.messages()))
		}
	}
	return c.messages()
}

func join(t *testing.T, registry *websocket.Registry, conn *recordingConnection, rooms ...string) {
	t.Helper()
	if _, ok := registry.GetConnection(conn.ID()); !ok {
		if err := registry.Register(conn); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	for _, room := range rooms {
		if err := registry.Join(conn, room); err != nil {
			t.Fatalf("Join %s failed: %v", room, err)
		}
	}
}

func startHub(t *testing.T, registry interfaces.RoomRegistry, opts Options) *Hub {
	t.Helper()
	h := NewHub(registry, opts, zaptest.NewLogger(t))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(websocket.NewRegistry(), Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}

	env, _ := types.NewEnvelope(types.EventPostCreated, "", nil)
	if err := h.Broadcast(ctx, env, "", types.FeedRoom); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning after stop, got %v", err)
	}
}

func TestHub_BroadcastValidation(t *testing.T) {
	h := startHub(t, websocket.NewRegistry(), Options{})
	ctx := context.Background()

	if err := h.Broadcast(ctx, nil, "", types.FeedRoom); err != ErrNilEnvelope {
		t.Errorf("Expected ErrNilEnvelope, got %v", err)
	}
	env, _ := types.NewEnvelope(types.EventPostCreated, "", nil)
	if err := h.Broadcast(ctx, env, ""); err != ErrNoRooms {
		t.Errorf("Expected ErrNoRooms, got %v", err)
	}
	if err := h.SendTo(nil, env); err != interfaces.ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}
}

func TestHub_BroadcastOncePerConnectionAndExcludesSender(t *testing.T) {
	registry := websocket.NewRegistry()
	h := startHub(t, registry, Options{})

	sender := newRecordingConnection("c1", "alice")
	both := newRecordingConnection("c2", "bob")
	feedOnly := newRecordingConnection("c3", "carol")
	outsider := newRecordingConnection("c4", "dave")
	join(t, registry, sender, types.FeedRoom, types.PostRoom(1))
	join(t, registry, both, types.FeedRoom, types.PostRoom(1))
	join(t, registry, feedOnly, types.FeedRoom)
	join(t, registry, outsider, types.UserRoom("dave"))

	env, _ := types.NewEnvelope(types.EventPostUpdated, "", types.Post{ID: 1})
	if err := h.Broadcast(context.Background(), env, sender.ID(), types.PostRoom(1), types.FeedRoom); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	// A marker through the same queue proves the first delivery finished.
	marker, _ := types.NewEnvelope(types.EventUserOnline, "", nil)
	if err := h.Broadcast(context.Background(), marker, "", types.FeedRoom); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	got := both.waitFor(t, 2)
	if len(got) != 2 || got[0].Type != types.EventPostUpdated || got[1].Type != types.EventUserOnline {
		t.Errorf("Expected one update then the marker, got %+v", got)
	}
	if got[0].Room != types.PostRoom(1) {
		t.Errorf("Expected room defaulted to first target, got %s", got[0].Room)
	}
	if got := feedOnly.waitFor(t, 2); got[0].Type != types.EventPostUpdated {
		t.Errorf("feed member should receive the update first, got %+v", got)
	}

	if got := sender.waitFor(t, 1); len(got) != 1 || got[0].Type != types.EventUserOnline {
		t.Errorf("Sender should only see the marker, got %+v", got)
	}
	if len(outsider.messages()) != 0 {
		t.Errorf("Non-member received %d messages", len(outsider.messages()))
	}
}

func TestHub_PreservesOrderPerRoom(t *testing.T) {
	registry := websocket.NewRegistry()
	h := startHub(t, registry, Options{})
	conn := newRecordingConnection("c1", "alice")
	join(t, registry, conn, types.PostRoom(5))

	const n = 50
	for i := 0; i < n; i++ {
		env, _ := types.NewEnvelope(types.EventPostLiked, "", types.PostLikeEvent{PostID: 5, LikeCount: int64(i)})
		if err := h.Broadcast(context.Background(), env, "", types.PostRoom(5)); err != nil {
			t.Fatalf("Broadcast %d failed: %v", i, err)
		}
	}

	got := conn.waitFor(t, n)
	for i, env := range got {
		var ev types.PostLikeEvent
		if err := env.Decode(&ev); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if ev.LikeCount != int64(i) {
			t.Fatalf("Out of order at %d: got %d", i, ev.LikeCount)
		}
	}
}

func TestHub_ClosesSlowConnection(t *testing.T) {
	registry := websocket.NewRegistry()
	h := startHub(t, registry, Options{})

	slow := newRecordingConnection("slow", "alice")
	slow.writeErr = websocket.ErrWriteTimeout
	broken := newRecordingConnection("broken", "bob")
	broken.writeErr = errors.New("broken pipe")
	healthy := newRecordingConnection("ok", "carol")
	join(t, registry, slow, types.FeedRoom)
	join(t, registry, broken, types.FeedRoom)
	join(t, registry, healthy, types.FeedRoom)

	env, _ := types.NewEnvelope(types.EventPostCreated, "", nil)
	for i := 0; i < 2; i++ {
		if err := h.Broadcast(context.Background(), env, "", types.FeedRoom); err != nil {
			t.Fatalf("Broadcast failed: %v", err)
		}
	}
	// The second delivery only starts once the first has visited everyone.
	healthy.waitFor(t, 2)

	if !slow.closed.Load() {
		t.Error("Connection that timed out should be closed")
	}
	if broken.closed.Load() {
		t.Error("Other write failures are left to the read loop")
	}
}

func TestHub_StopDrainsAcceptedDeliveries(t *testing.T) {
	registry := websocket.NewRegistry()
	h := NewHub(registry, Options{QueueSize: 64}, zaptest.NewLogger(t))
	conn := newRecordingConnection("c1", "alice")
	join(t, registry, conn, types.FeedRoom)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		env, _ := types.NewEnvelope(types.EventPostCreated, "", nil)
		if err := h.Broadcast(context.Background(), env, "", types.FeedRoom); err != nil {
			t.Fatalf("Broadcast failed: %v", err)
		}
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(conn.messages()); got != 20 {
		t.Errorf("Expected 20 deliveries before Stop returned, got %d", got)
	}
}

func TestHub_RelayBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	logger := zaptest.NewLogger(t)

	registryA := websocket.NewRegistry()
	registryB := websocket.NewRegistry()
	hubA := startHub(t, registryA, Options{Relay: NewRelay(newClient(), "test", "node-a", logger)})
	hubB := startHub(t, registryB, Options{Relay: NewRelay(newClient(), "test", "node-b", logger)})

	onA := newRecordingConnection("a1", "alice")
	onB := newRecordingConnection("b1", "bob")
	join(t, registryA, onA, types.PostRoom(9))
	join(t, registryB, onB, types.PostRoom(9))

	env, _ := types.NewEnvelope(types.EventCommentCreated, "", types.Comment{ID: 1, PostID: 9})
	if err := hubA.Broadcast(context.Background(), env, "", types.PostRoom(9)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if got := onB.waitFor(t, 1); got[0].Type != types.EventCommentCreated || got[0].Room != types.PostRoom(9) {
		t.Errorf("Unexpected relayed envelope: %+v", got[0])
	}

	// Node A must not re-deliver its own relayed copy.
	marker, _ := types.NewEnvelope(types.EventUserOnline, "", nil)
	if err := hubB.Broadcast(context.Background(), marker, "", types.PostRoom(9)); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	got := onA.waitFor(t, 2)
	if got[0].Type != types.EventCommentCreated || got[1].Type != types.EventUserOnline {
		t.Errorf("Expected local copy then remote marker on node A, got %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(onA.messages()); n != 2 {
		t.Errorf("Node A received %d messages, expected 2", n)
	}
}

func TestHub_RevokeEvictsAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	logger := zaptest.NewLogger(t)

	registryA := websocket.NewRegistry()
	registryB := websocket.NewRegistry()
	hubA := startHub(t, registryA, Options{Relay: NewRelay(newClient(), "test", "node-a", logger)})
	startHub(t, registryB, Options{Relay: NewRelay(newClient(), "test", "node-b", logger)})

	room := types.PostRoom(3)
	owner := newRecordingConnection("a1", "alice")
	local := newRecordingConnection("a2", "carol")
	remote := newRecordingConnection("b1", "bob")
	join(t, registryA, owner, room)
	join(t, registryA, local, room)
	join(t, registryB, remote, room, types.FeedRoom)

	revoked, _ := types.NewEnvelope(types.EventPostRevoked, "", types.PostRevokedEvent{PostID: 3})
	if err := hubA.Revoke(context.Background(), revoked, "alice", room, room, types.FeedRoom); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if got := local.waitFor(t, 1); got[0].Type != types.EventPostRevoked {
		t.Errorf("Unexpected envelope on node A: %+v", got[0])
	}
	if got := remote.waitFor(t, 1); got[0].Type != types.EventPostRevoked {
		t.Errorf("Unexpected envelope on node B: %+v", got[0])
	}
	if registryA.IsMember(local, room) || registryB.IsMember(remote, room) {
		t.Error("Non-owners should be evicted on both instances")
	}
	if !registryB.IsMember(remote, types.FeedRoom) {
		t.Error("Only the evicted room should be left")
	}

	update, _ := types.NewEnvelope(types.EventPostUpdated, "", types.Post{ID: 3})
	if err := hubA.Broadcast(context.Background(), update, "", room); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if got := owner.waitFor(t, 1); got[0].Type != types.EventPostUpdated {
		t.Errorf("Owner should only see the update, got %+v", got)
	}
	time.Sleep(50 * time.Millisecond)
	if len(local.messages()) != 1 || len(remote.messages()) != 1 {
		t.Errorf("Evicted connections kept receiving room events: %d, %d", len(local.messages()), len(remote.messages()))
	}
}

func TestHub_RevokeValidation(t *testing.T) {
	h := startHub(t, websocket.NewRegistry(), Options{})
	env, _ := types.NewEnvelope(types.EventPostRevoked, "", nil)
	if err := h.Revoke(context.Background(), nil, "alice", "post:1", "post:1"); !errors.Is(err, ErrNilEnvelope) {
		t.Errorf("Expected ErrNilEnvelope, got %v", err)
	}
	if err := h.Revoke(context.Background(), env, "alice", "post:1"); !errors.Is(err, ErrNoRooms) {
		t.Errorf("Expected ErrNoRooms, got %v", err)
	}
}

func TestRelay_Names(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRelay(client, "presence", "", nil)
	if r.Channel() != "presence:events" {
		t.Errorf("Unexpected channel %s", r.Channel())
	}
	if r.NodeID() == "" {
		t.Error("Expected generated node ID")
	}
}

package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"presencehub/internal/database"
	"presencehub/internal/hub"
	"presencehub/internal/presence"
	"presencehub/internal/websocket"
	dbconfig "presencehub/pkg/database"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

const eventMarker = "test:marker"

// testEnv wires a router to real collaborators: SQLite in a temp dir, Redis
// from miniredis and a running hub.
type testEnv struct {
	router   *Router
	db       *database.Manager
	presence *presence.Store
	registry *websocket.Registry
	hub      *hub.Hub
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithDB(t, opts, nil)
}

func newTestEnvWithDB(t *testing.T, opts Options, wrap func(interfaces.DatabaseManager) interfaces.DatabaseManager) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "router.db")
	db, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store, err := presence.NewStore(client, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create presence store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := websocket.NewRegistry()
	h := hub.NewHub(registry, hub.Options{}, logger)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	var dbm interfaces.DatabaseManager = db
	if wrap != nil {
		dbm = wrap(db)
	}
	r, err := NewRouter(dbm, store, registry, h, opts, logger)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	return &testEnv{router: r, db: db, presence: store, registry: registry, hub: h, mr: mr}
}

// connect registers an authenticated connection the way the websocket
// handler does and joins any extra rooms.
func (e *testEnv) connect(t *testing.T, userID string, rooms ...string) *recordingConnection {
	t.Helper()
	conn := newRecordingConnection(uuid.NewString(), userID)
	if err := e.registry.Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, room := range append([]string{types.UserRoom(userID)}, rooms...) {
		if err := e.registry.Join(conn, room); err != nil {
			t.Fatalf("Join %s failed: %v", room, err)
		}
	}
	e.router.Connected(context.Background(), conn)
	return conn
}

func (e *testEnv) disconnect(conn *recordingConnection) {
	e.registry.Unregister(conn)
	_ = conn.Close()
	e.router.Disconnected(context.Background(), conn)
}

func (e *testEnv) dispatch(t *testing.T, conn *recordingConnection, cmdType string, payload interface{}, ackID string) {
	t.Helper()
	cmd, err := types.NewEnvelope(cmdType, "", payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	cmd.AckID = ackID
	e.router.Dispatch(context.Background(), conn, cmd)
}

// request dispatches with an ack and returns the decoded ack
func (e *testEnv) request(t *testing.T, conn *recordingConnection, cmdType string, payload interface{}) *types.AckPayload {
	t.Helper()
	ackID := uuid.NewString()
	e.dispatch(t, conn, cmdType, payload, ackID)
	env := conn.waitFor(t, func(env *types.Envelope) bool {
		return env.Type == types.EventAck && env.AckID == ackID
	})
	var ack types.AckPayload
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("Decode ack failed: %v", err)
	}
	return &ack
}

func (e *testEnv) createPost(t *testing.T, conn *recordingConnection, visibility string) *types.Post {
	t.Helper()
	ack := e.request(t, conn, types.CommandPostCreate,
		types.PostCreatePayload{Title: "Hello", Body: "World", Visibility: visibility})
	if !ack.OK {
		t.Fatalf("post:create failed: %+v", ack.Error)
	}
	var post types.Post
	if err := json.Unmarshal(ack.Data, &post); err != nil {
		t.Fatalf("Decode post failed: %v", err)
	}
	return &post
}

// flush pushes a marker through the hub and waits for it on conn, so every
// broadcast queued before it has been delivered.
func (e *testEnv) flush(t *testing.T, conn *recordingConnection) {
	t.Helper()
	id := uuid.NewString()
	marker, _ := types.NewEnvelope(eventMarker, "", id)
	if err := e.hub.Broadcast(context.Background(), marker, "", types.UserRoom(conn.UserID())); err != nil {
		t.Fatalf("Broadcast marker failed: %v", err)
	}
	conn.waitFor(t, func(env *types.Envelope) bool {
		var got string
		return env.Type == eventMarker && env.Decode(&got) == nil && got == id
	})
}

// recordingConnection is an in-memory interfaces.Connection that keeps every
// envelope written to it.
type recordingConnection struct {
	id     string
	userID string
	closed atomic.Bool

	mu       sync.Mutex
	received []*types.Envelope
	notify   chan struct{}
}

func newRecordingConnection(id, userID string) *recordingConnection {
	return &recordingConnection{id: id, userID: userID, notify: make(chan struct{}, 1)}
}

func (c *recordingConnection) WriteJSON(v interface{}) error {
	env := *(v.(*types.Envelope))
	c.mu.Lock()
	c.received = append(c.received, &env)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
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

func (c *recordingConnection) all() []*types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Envelope, len(c.received))
	copy(out, c.received)
	return out
}

func (c *recordingConnection) find(match func(*types.Envelope) bool) *types.Envelope {
	for _, env := range c.all() {
		if match(env) {
			return env
		}
	}
	return nil
}

func (c *recordingConnection) waitFor(t *testing.T, match func(*types.Envelope) bool) *types.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if env := c.find(match); env != nil {
			return env
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("%s: expected envelope not received; got %d envelopes", c.userID, len(c.all()))
			return nil
		}
	}
}

func (c *recordingConnection) waitForType(t *testing.T, eventType string) *types.Envelope {
	t.Helper()
	return c.waitFor(t, func(env *types.Envelope) bool { return env.Type == eventType })
}

func (c *recordingConnection) count(eventType string) int {
	n := 0
	for _, env := range c.all() {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

func (c *recordingConnection) firstError(t *testing.T) *types.ErrorPayload {
	t.Helper()
	env := c.waitForType(t, types.EventError)
	var payload types.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		t.Fatalf("Decode error payload failed: %v", err)
	}
	return &payload
}

// Package client is the in-process connection manager for talking to a
// presencehub gateway. One Manager owns one long-lived websocket per
// authenticated session and hides reconnects from its callers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"presencehub/pkg/types"
)

const (
	DefaultReadyTimeout = 5 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultAckTimeout       = 10 * time.Second
	defaultReconnectMin     = 250 * time.Millisecond
	defaultReconnectMax     = 30 * time.Second
)

// State is the lifecycle of a Manager
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenSource returns the bearer credential for the next connection attempt
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Handler receives one inbound event. Handlers run on the read goroutine and
// must not block.
type Handler func(env *types.Envelope)

type Options struct {
	// URL of the gateway websocket endpoint, e.g. ws://localhost:8080/ws
	URL   string
	Token TokenSource

	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AckTimeout       time.Duration

	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	DisableReconnect bool

	Logger *zap.Logger
}

// Handle is a view of one established connection
type Handle struct {
	id     string
	userID string
	ws     *websocket.Conn
	m      *Manager
}

// ID is the gateway-assigned connection id
func (h *Handle) ID() string { return h.id }

func (h *Handle) UserID() string { return h.userID }

// Connected reports whether this handle is still the manager's live connection
func (h *Handle) Connected() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.state == StateReady && h.m.handle == h
}

type readyResult struct {
	handle *Handle
	err    error
}

type subscription struct {
	id      uint64
	handler Handler
}

// Manager owns the connection of one client session
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger
	starts singleflight.Group

	mu           sync.Mutex
	state        State
	handle       *Handle
	waiters      map[uint64]chan readyResult
	handlers     map[string][]subscription
	rooms        map[string]struct{}
	acks         map[string]chan *types.AckPayload
	nextID       uint64
	reconnecting bool
	stopCh       chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewManager creates a manager. No connection is made until Start.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	if opts.Token == nil {
		return nil, ErrMissingToken
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
		if opts.ReconnectMax < opts.ReconnectMin {
			opts.ReconnectMax = opts.ReconnectMin
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}

	return &Manager{
		opts:     opts,
		dialer:   dialer,
		logger:   logger.Named("client"),
		waiters:  make(map[uint64]chan readyResult),
		handlers: make(map[string][]subscription),
		rooms:    make(map[string]struct{}),
		acks:     make(map[string]chan *types.AckPayload),
		stopCh:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the most recent connection, which may be disconnected, or
// nil before the first successful connect.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// IsReady reports whether the manager currently holds a live connection
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady
}

// WaiterCount returns the number of pending AwaitReady calls
func (m *Manager) WaiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Start connects to the gateway. Concurrent calls share one attempt; calling
// Start on a ready manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateReady:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err, _ := m.starts.Do("start", func() (interface{}, error) {
		return nil, m.connect(ctx)
	})
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateUninitialized:
		m.state = StateInitializing
	}
	m.mu.Unlock()

	handle, err := m.dial(ctx)
	if err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		_ = handle.ws.Close()
		return ErrClosed
	}
	// Not ready until the remembered rooms are rejoined, so nothing the
	// caller sends can overtake the rejoin.
	m.handle = handle
	m.state = StateInitializing
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(handle)

	for _, room := range rooms {
		if err := m.write(handle, types.CommandSubscribe, types.RoomPayload{Room: room}, ""); err != nil {
			m.logger.Warn("failed to rejoin room", zap.String("room", room), zap.Error(err))
		}
	}

	m.mu.Lock()
	if m.handle != handle || m.state != StateInitializing {
		m.mu.Unlock()
		return fmt.Errorf("%w: connection lost during setup", ErrConnectFailed)
	}
	m.state = StateReady
	m.resolveWaiters(readyResult{handle: handle})
	m.mu.Unlock()
	m.logger.Debug("connected", zap.String("conn", handle.id), zap.Int("rooms", len(rooms)))
	return nil
}

// dial opens the websocket and waits for the gateway's connected event
func (m *Manager) dial(ctx context.Context) (*Handle, error) {
	token, err := m.opts.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %v", ErrConnectFailed, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := m.dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, types.ErrAuthentication)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	var hello types.Envelope
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != types.EventConnected {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, ErrBadHandshake)
	}
	var event types.ConnectedEvent
	if err := hello.Decode(&event); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, ErrBadHandshake)
	}
	_ = ws.SetReadDeadline(time.Time{})

	return &Handle{id: event.ConnectionID, userID: event.UserID, ws: ws, m: m}, nil
}

// fail records a failed attempt and rejects current waiters
func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	if m.handle == nil {
		m.state = StateUninitialized
	} else {
		m.state = StateDisconnected
	}
	m.resolveWaiters(readyResult{err: err})
}

// resolveWaiters must be called with m.mu held
func (m *Manager) resolveWaiters(result readyResult) {
	for id, ch := range m.waiters {
		ch <- result
		delete(m.waiters, id)
	}
}

// AwaitReady returns the live handle, waiting up to timeout (DefaultReadyTimeout
// when zero) for a connection attempt in progress to succeed. A failed attempt
// rejects immediately; no attempt at all ends in ErrConnectionTimeout.
func (m *Manager) AwaitReady(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	m.mu.Lock()
	switch m.state {
	case StateReady:
		h := m.handle
		m.mu.Unlock()
		return h, nil
	case StateClosed:
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	ch := make(chan readyResult, 1)
	m.waiters[id] = ch
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer func() {
		timer.Stop()
		m.mu.Lock()
		delete(m.waiters, id)
		m.mu.Unlock()
	}()

	select {
	case result := <-ch:
		return result.handle, result.err
	case <-timer.C:
		return nil, ErrConnectionTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers fn for events of eventType. Subscriptions belong to the
// manager and survive reconnects. The returned func removes it.
func (m *Manager) Subscribe(eventType string, fn Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[eventType] = append(m.handlers[eventType], subscription{id: id, handler: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.handlers[eventType]
			for i, s := range subs {
				if s.id == id {
					m.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(m.handlers[eventType]) == 0 {
				delete(m.handlers, eventType)
			}
		})
	}
}

// Join subscribes to room and remembers it so it is rejoined after a
// reconnect. When not connected the room is only remembered.
func (m *Manager) Join(ctx context.Context, room string) error {
	if _, _, err := types.ParseRoom(room); err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.rooms[room]
	m.rooms[room] = struct{}{}
	ready := m.state == StateReady
	m.mu.Unlock()

	if !ready {
		return nil
	}
	if _, err := m.EmitWithAck(ctx, types.CommandSubscribe, types.RoomPayload{Room: room}); err != nil {
		var cmdErr *CommandError
		if !existed && errors.As(err, &cmdErr) {
			m.mu.Lock()
			delete(m.rooms, room)
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

// Leave unsubscribes from room and forgets it
func (m *Manager) Leave(ctx context.Context, room string) error {
	m.mu.Lock()
	delete(m.rooms, room)
	ready := m.state == StateReady
	m.mu.Unlock()

	if !ready {
		return nil
	}
	_, err := m.EmitWithAck(ctx, types.CommandUnsubscribe, types.RoomPayload{Room: room})
	return err
}

// Rooms returns the rooms that will be rejoined after a reconnect
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Emit sends a command without waiting for its outcome
func (m *Manager) Emit(cmdType string, payload interface{}) error {
	m.mu.Lock()
	h, ready := m.handle, m.state == StateReady
	m.mu.Unlock()
	if !ready {
		return ErrNotConnected
	}
	return m.write(h, cmdType, payload, "")
}

// EmitWithAck sends a command and waits for the gateway's acknowledgment.
// A negative ack is returned as a *CommandError.
func (m *Manager) EmitWithAck(ctx context.Context, cmdType string, payload interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	h, ready := m.handle, m.state == StateReady
	if !ready {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	ackID := uuid.NewString()
	ch := make(chan *types.AckPayload, 1)
	m.acks[ackID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.acks, ackID)
		m.mu.Unlock()
	}()

	if err := m.write(h, cmdType, payload, ackID); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack == nil {
			return nil, ErrDisconnected
		}
		if !ack.OK {
			return nil, commandError(ack.Error)
		}
		return ack.Data, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendNotification waits for a live connection, then asks the gateway to
// deliver a notification to req.TargetUserID within req.Timeout.
func (m *Manager) SendNotification(ctx context.Context, req types.NotificationDeliveryRequest, payload types.NotificationSendPayload) (*types.NotificationResult, error) {
	if _, err := m.AwaitReady(ctx, req.Timeout); err != nil {
		return nil, err
	}
	payload.TargetUserID = req.TargetUserID
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	data, err := m.EmitWithAck(ctx, types.CommandNotificationSend, payload)
	if err != nil {
		return nil, err
	}
	var result types.NotificationResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decode notification result: %w", err)
		}
	}
	return &result, nil
}

func (m *Manager) write(h *Handle, cmdType string, payload interface{}, ackID string) error {
	env, err := types.NewEnvelope(cmdType, "", payload)
	if err != nil {
		return err
	}
	env.AckID = ackID

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = h.ws.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := h.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (m *Manager) readLoop(h *Handle) {
	defer m.wg.Done()
	defer m.disconnected(h)

	for {
		var env types.Envelope
		if err := h.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug("read failed", zap.String("conn", h.id), zap.Error(err))
			}
			return
		}
		m.dispatch(&env)
	}
}

func (m *Manager) dispatch(env *types.Envelope) {
	if env.Type == types.EventAck && env.AckID != "" {
		var ack types.AckPayload
		if err := env.Decode(&ack); err != nil {
			m.logger.Warn("malformed ack", zap.String("ack", env.AckID))
			return
		}
		m.mu.Lock()
		ch, ok := m.acks[env.AckID]
		delete(m.acks, env.AckID)
		m.mu.Unlock()
		if ok {
			ch <- &ack
		}
		return
	}

	m.mu.Lock()
	if env.Type == types.EventPostRevoked {
		// The gateway already dropped this connection from the room.
		var ev types.PostRevokedEvent
		if env.Decode(&ev) == nil {
			delete(m.rooms, types.PostRoom(ev.PostID))
		}
	}
	subs := append([]subscription(nil), m.handlers[env.Type]...)
	m.mu.Unlock()
	for _, s := range subs {
		s.handler(env)
	}
}

// disconnected runs when h's read loop ends
func (m *Manager) disconnected(h *Handle) {
	_ = h.ws.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed || m.handle != h {
		return
	}
	m.state = StateDisconnected
	for id, ch := range m.acks {
		ch <- nil
		delete(m.acks, id)
	}
	m.logger.Info("connection lost", zap.String("conn", h.id))

	if m.opts.DisableReconnect || m.reconnecting {
		return
	}
	m.reconnecting = true
	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	delay := m.opts.ReconnectMin
	for {
		timer := time.NewTimer(delay)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := m.Start(ctx)
		cancel()
		switch {
		case err == nil, errors.Is(err, ErrClosed):
			return
		case errors.Is(err, types.ErrAuthentication):
			m.logger.Warn("reconnect rejected by gateway, giving up", zap.Error(err))
			return
		}
		m.logger.Debug("reconnect failed", zap.Duration("retry_in", delay), zap.Error(err))
		delay *= 2
		if delay > m.opts.ReconnectMax {
			delay = m.opts.ReconnectMax
		}
	}
}

// Stop closes the connection, rejects every waiter and pending ack, and waits
// for background goroutines. The manager cannot be restarted.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	close(m.stopCh)
	h := m.handle
	m.resolveWaiters(readyResult{err: ErrClosed})
	for id, ch := range m.acks {
		ch <- nil
		delete(m.acks, id)
	}
	m.mu.Unlock()

	if h != nil {
		m.writeMu.Lock()
		_ = h.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = h.ws.Close()
	}
	m.wg.Wait()
	return nil
}

package hub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"presencehub/internal/telemetry"
	"presencehub/internal/websocket"
	"presencehub/pkg/interfaces"
	"presencehub/pkg/types"
)

const defaultQueueSize = 1000

// Delivery is one fan-out job: an envelope, its target rooms, and an optional
// connection to skip. KeepUserID skips every connection of that user; when
// EvictRoom is set the recipients are removed from it once delivered.
type Delivery struct {
	Envelope     *types.Envelope `json:"envelope"`
	Rooms        []string        `json:"rooms"`
	ExceptConnID string          `json:"except,omitempty"`
	KeepUserID   string          `json:"keepUser,omitempty"`
	EvictRoom    string          `json:"evictRoom,omitempty"`
}

// Options configures a Hub
type Options struct {
	QueueSize int
	// Relay, when set, mirrors every local broadcast to other gateway
	// instances and delivers theirs locally.
	Relay   *Relay
	Metrics *telemetry.Metrics
}

// Hub serializes fan-out through one goroutine so every subscriber sees the
// events of a room in the order this instance accepted them.
type Hub struct {
	broadcastChannel chan *Delivery
	shutdownChannel  chan struct{}
	done             chan struct{}

	registry interfaces.RoomRegistry
	relay    *Relay
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(registry interfaces.RoomRegistry, opts Options, logger *zap.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcastChannel: make(chan *Delivery, opts.QueueSize),
		shutdownChannel:  make(chan struct{}),
		done:             make(chan struct{}),
		registry:         registry,
		relay:            opts.Relay,
		metrics:          opts.Metrics,
		logger:           logger.Named("hub"),
	}
}

// Start begins hub processing. With a relay configured, Start returns only
// after the relay subscription is confirmed.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}

	if h.relay != nil {
		sub, err := h.relay.Subscribe(ctx)
		if err != nil {
			return err
		}
		go h.relay.Run(sub, h.shutdownChannel, h.enqueueRemote)
	}

	h.running = true
	h.logger.Info("starting hub")
	go h.run(ctx)
	return nil
}

// Stop gracefully shuts down the hub and waits for the loop to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.done
	h.logger.Info("hub stopped")
	return nil
}

// Broadcast queues env for every member of rooms except exceptConnID
func (h *Hub) Broadcast(ctx context.Context, env *types.Envelope, exceptConnID string, rooms ...string) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if len(rooms) == 0 {
		return ErrNoRooms
	}
	return h.publish(ctx, &Delivery{Envelope: env, Rooms: rooms, ExceptConnID: exceptConnID})
}

// Revoke queues env for every member of rooms except keepUserID's connections
// and evicts those members from evictRoom, on every instance
func (h *Hub) Revoke(ctx context.Context, env *types.Envelope, keepUserID, evictRoom string, rooms ...string) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if len(rooms) == 0 {
		return ErrNoRooms
	}
	return h.publish(ctx, &Delivery{Envelope: env, Rooms: rooms, KeepUserID: keepUserID, EvictRoom: evictRoom})
}

func (h *Hub) publish(ctx context.Context, d *Delivery) error {
	if err := h.enqueue(ctx, d); err != nil {
		return err
	}

	if h.relay != nil {
		if err := h.relay.Publish(ctx, d); err != nil {
			h.logger.Warn("relay publish failed", zap.String("type", d.Envelope.Type), zap.Error(err))
		}
	}
	return nil
}

func (h *Hub) enqueue(ctx context.Context, d *Delivery) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	select {
	case h.broadcastChannel <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	}
}

func (h *Hub) enqueueRemote(d *Delivery) {
	if err := h.enqueue(context.Background(), d); err != nil && !errors.Is(err, ErrHubNotRunning) {
		h.logger.Warn("dropping relayed delivery", zap.Error(err))
	}
}

// SendTo writes env to a single connection, bypassing rooms
func (h *Hub) SendTo(conn interfaces.Connection, env *types.Envelope) error {
	if conn == nil {
		return interfaces.ErrNilConnection
	}
	if env == nil {
		return ErrNilEnvelope
	}
	return conn.WriteJSON(env)
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case d := <-h.broadcastChannel:
			h.deliver(ctx, d)
		case <-h.shutdownChannel:
			h.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain delivers what was already accepted before shutdown
func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case d := <-h.broadcastChannel:
			h.deliver(ctx, d)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ctx context.Context, d *Delivery) {
	env := *d.Envelope
	if env.Room == "" {
		env.Room = d.Rooms[0]
	}

	targets := h.registry.RoomConnections(d.Rooms...)
	if d.EvictRoom != "" {
		h.registry.EvictRoom(d.EvictRoom, func(conn interfaces.Connection) bool {
			return d.KeepUserID != "" && conn.UserID() == d.KeepUserID
		})
	}

	recipients := 0
	for _, conn := range targets {
		if conn.ID() == d.ExceptConnID {
			continue
		}
		if d.KeepUserID != "" && conn.UserID() == d.KeepUserID {
			continue
		}
		if err := conn.WriteJSON(&env); err != nil {
			if errors.Is(err, websocket.ErrWriteTimeout) {
				// Slow consumer: drop it rather than stall every room.
				h.logger.Warn("closing slow connection", zap.String("conn", conn.ID()))
				_ = conn.Close()
			}
			continue
		}
		recipients++
	}
	h.metrics.RecordBroadcast(ctx, env.Type, recipients)
}

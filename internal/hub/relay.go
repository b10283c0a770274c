package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// relayMessage is the pub/sub payload exchanged between gateway instances
type relayMessage struct {
	Node     string    `json:"node"`
	Delivery *Delivery `json:"delivery"`
}

// Relay mirrors deliveries between gateway instances over one Redis pub/sub
// channel. Each message is tagged with the publishing node so an instance
// never re-delivers its own broadcasts.
type Relay struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	logger  *zap.Logger
}

// NewRelay creates a relay on channel "<prefix>:events". An empty nodeID gets
// a random one.
func NewRelay(client redis.UniversalClient, prefix, nodeID string, logger *zap.Logger) *Relay {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:  client,
		channel: prefix + ":events",
		nodeID:  nodeID,
		logger:  logger.Named("relay").With(zap.String("node", nodeID)),
	}
}

// NodeID identifies this instance on the relay channel
func (r *Relay) NodeID() string {
	return r.nodeID
}

// Channel returns the Redis channel name
func (r *Relay) Channel() string {
	return r.channel
}

// Publish sends d to the other instances
func (r *Relay) Publish(ctx context.Context, d *Delivery) error {
	data, err := json.Marshal(relayMessage{Node: r.nodeID, Delivery: d})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Subscribe opens the subscription and waits for Redis to confirm it
func (r *Relay) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}
	return sub, nil
}

// Run hands every remote delivery to deliver until stop is closed
func (r *Relay) Run(sub *redis.PubSub, stop <-chan struct{}, deliver func(*Delivery)) {
	defer func() { _ = sub.Close() }()
	messages := sub.Channel()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var rm relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				r.logger.Warn("invalid relay message", zap.Error(err))
				continue
			}
			if rm.Node == r.nodeID || rm.Delivery == nil || rm.Delivery.Envelope == nil || len(rm.Delivery.Rooms) == 0 {
				continue
			}
			deliver(rm.Delivery)
		case <-stop:
			return
		}
	}
}

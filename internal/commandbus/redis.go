package commandbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trafficctl/control-plane/internal/command"
)

const presenceKey = "traffic:presence"

// RedisBus is the multi-node command bus backend: Pub/Sub for command
// fan-out, plus a Redis hash for the presence index (§4.4 "sessionHash ->
// nodeId"). Grounded on the redis/go-redis/v9 usage pulled from the
// corey-burns-dev-vibeshift and ManuGH-xg2g example manifests.
type RedisBus struct {
	client *redis.Client
	nodeID string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus creates a bus backed by client, identifying this node as
// nodeID in the presence index.
func NewRedisBus(client *redis.Client, nodeID string) *RedisBus {
	return &RedisBus{client: client, nodeID: nodeID}
}

// Publish broadcasts the command on the Redis Pub/Sub topic and returns
// immediately (best-effort delivery, §4.4). publish errors are logged and
// swallowed per the bus deadline policy in spec.md §5 (a deadline
// exceedance degrades to a no-op rather than propagating upward).
func (b *RedisBus) Publish(ctx context.Context, sessionHash string, env command.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	payload, err := json.Marshal(message{SessionHash: sessionHash, Command: env})
	if err != nil {
		return err
	}

	if err := b.client.HSet(ctx, presenceKey, sessionHash, b.nodeID).Err(); err != nil {
		slog.Warn("commandbus: failed to update presence index", "error", err)
	}

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		slog.Warn("commandbus: publish failed, degrading to no-op", "error", err)
		return nil
	}
	return nil
}

// Start subscribes to the topic and dispatches each decoded message to
// onDelivery until ctx is canceled or Close is called.
func (b *RedisBus) Start(ctx context.Context, onDelivery DeliveryFunc) error {
	subCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.pubsub = b.client.Subscribe(subCtx, topic)

	ch := b.pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var decoded message
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					logUnmarshalError(err)
					continue
				}
				if onDelivery != nil {
					onDelivery(decoded.SessionHash, decoded.Command)
				}
			}
		}
	}()
	return nil
}

// Present reports whether the presence index has any node recorded for
// sessionHash. A Redis error degrades to false (graceful degradation,
// §4.5) rather than propagating.
func (b *RedisBus) Present(sessionHash string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.client.HGet(ctx, presenceKey, sessionHash).Result()
	return err == nil
}

// Ping verifies connectivity, used by the /health endpoint.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close tears down the subscriber and Redis client.
func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	return b.client.Close()
}

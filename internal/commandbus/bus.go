// Package commandbus implements the pub/sub fan-out from the admin API to
// whichelever node holds a session's live connection, spec.md §4.4 (C4).
//
// Delivery is best-effort: Publish returns as soon as the message is
// handed to the transport; a node with no connection bound to the target
// sessionHash drops the frame silently (the admin write-through to C6 is
// the audit trail). Two backends satisfy the same Bus interface so C7 and
// C3 never know which is live: an in-process implementation for
// single-node deployments, and a Redis Pub/Sub implementation (grounded
// on the redis/go-redis/v9 usage in the corey-burns-dev-vibeshift and
// ManuGH-xg2g example manifests) for multi-node ones.
package commandbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/trafficctl/control-plane/internal/command"
)

const topic = "traffic:commands"

// message is the wire shape published on the topic.
type message struct {
	SessionHash string           `json:"sessionHash"`
	Command     command.Envelope `json:"command"`
}

// DeliveryFunc is invoked by a subscriber for every message received on
// the topic, including ones published locally. It must look up the live
// Connection for sessionHash via C2 and either enqueue the frame or drop
// it silently if no connection is bound on this node.
type DeliveryFunc func(sessionHash string, env command.Envelope)

// Bus publishes command envelopes for delivery to whatever node holds the
// target session's connection.
type Bus interface {
	// Publish broadcasts {sessionHash, command} on the topic and returns
	// immediately; delivery is best-effort, §4.4.
	Publish(ctx context.Context, sessionHash string, env command.Envelope) error
	// Start begins delivering received messages to onDelivery. It must be
	// called once before Publish is used for in-process delivery to work.
	Start(ctx context.Context, onDelivery DeliveryFunc) error
	// Present reports whether the presence index currently shows
	// sessionHash as held by some node (informational; delivery itself
	// never depends on this).
	Present(sessionHash string) bool
	// Close releases the subscriber and any transport resources.
	Close() error
}

// InProcess is a single-node Bus: publish and delivery happen on the same
// goroutine that calls Publish, ordered per spec.md §4.4/§5 (commands for
// one sessionHash are delivered in publish order at a given subscriber).
type InProcess struct {
	mu       sync.Mutex
	onDeliv  DeliveryFunc
	presence map[string]struct{}
}

// NewInProcess creates an in-process command bus.
func NewInProcess() *InProcess {
	return &InProcess{presence: make(map[string]struct{})}
}

// Start registers the delivery callback.
func (b *InProcess) Start(_ context.Context, onDelivery DeliveryFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeliv = onDelivery
	return nil
}

// Publish delivers synchronously in-process; there is only one node, so
// there is nothing to fan out over a network transport.
func (b *InProcess) Publish(_ context.Context, sessionHash string, env command.Envelope) error {
	b.mu.Lock()
	b.presence[sessionHash] = struct{}{}
	onDeliv := b.onDeliv
	b.mu.Unlock()

	if onDeliv != nil {
		onDeliv(sessionHash, env)
	}
	return nil
}

// Present reports whether any command has ever targeted sessionHash on
// this process (a simple proxy for "session known to exist").
func (b *InProcess) Present(sessionHash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.presence[sessionHash]
	return ok
}

// Close is a no-op for the in-process bus.
func (b *InProcess) Close() error { return nil }

// logUnmarshalError centralizes the "drop malformed bus message" path so
// both backends log identically.
func logUnmarshalError(err error) {
	slog.Warn("commandbus: dropping malformed message", "error", err)
}

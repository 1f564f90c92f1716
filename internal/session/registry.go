package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Deliverer is the outbound-capability handle C4 uses to push a command
// frame to whichever Connection is currently bound to a sessionHash. It
// replaces the cyclic tracker/dispatcher reference of the source system
// with a small interface the registry hands out, per spec.md §9.
type Deliverer interface {
	// Send enqueues a frame for delivery to the bound connection. It must
	// not block; an overloaded connection closes itself rather than stall
	// the caller (§4.3 slow_consumer).
	Send(frame interface{}) error
	// Close tears down the underlying socket with the given reason.
	Close(reason string)
}

// binding pairs a connectionId with the Deliverer that owns it.
type binding struct {
	connectionID string
	deliverer    Deliverer
}

// Registry is the in-memory map of live sessions and their bound
// connections, §4.2 (C2).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*State
	bindings map[string]*binding // sessionHash -> current binding
	byConn   map[string]string   // connectionId -> sessionHash

	// onTransition is invoked after a successful transition, outside the
	// lock, so C2 never suspends into C6 while holding a session lock.
	onTransition func(hash string, s State)
}

// NewRegistry creates an empty session registry.
func NewRegistry(onTransition func(hash string, s State)) *Registry {
	return &Registry{
		sessions:     make(map[string]*State),
		bindings:     make(map[string]*binding),
		byConn:       make(map[string]string),
		onTransition: onTransition,
	}
}

// ErrTerminated is returned by Bind when the session is sticky-terminated.
var ErrTerminated = fmt.Errorf("session terminated")

// Bind attaches a connection to a sessionHash, creating the session on
// first handshake. If a prior connection already holds the binding on
// this node, it is closed with reason "superseded" before the new one
// takes over, satisfying the at-most-one-binding invariant of §3/§8.2.
func (r *Registry) Bind(connectionID, sessionHash string, ip string, geo GeoInfo, device DeviceMeta, deliverer Deliverer) (State, error) {
	r.mu.Lock()

	st, ok := r.sessions[sessionHash]
	if ok && st.Mode == ModeTerminated {
		r.mu.Unlock()
		return State{}, ErrTerminated
	}

	now := time.Now()
	if !ok {
		st = &State{
			SessionHash: sessionHash,
			IPAddress:   ip,
			Geo:         geo,
			Device:      device,
			Mode:        ModeNormal,
			FirstSeen:   now,
			LastSeen:    now,
			Connected:   true,
		}
		r.sessions[sessionHash] = st
	} else {
		st.IPAddress = ip
		st.Geo = geo
		st.Device = device
		st.LastSeen = now
		st.Connected = true
	}

	var superseded *binding
	if prior, exists := r.bindings[sessionHash]; exists && prior.connectionID != connectionID {
		superseded = prior
	}

	r.bindings[sessionHash] = &binding{connectionID: connectionID, deliverer: deliverer}
	r.byConn[connectionID] = sessionHash
	snapshot := *st
	r.mu.Unlock()

	if superseded != nil {
		slog.Info("superseding prior connection on re-handshake", "session_hash", sessionHash, "connection_id", superseded.connectionID)
		superseded.deliverer.Close("superseded")
	}

	return snapshot, nil
}

// Unbind detaches a connection. It is idempotent: unbinding a connectionId
// that is not the currently-bound one for its session is a no-op, §4.2.
func (r *Registry) Unbind(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionHash, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)

	if b, exists := r.bindings[sessionHash]; exists && b.connectionID == connectionID {
		delete(r.bindings, sessionHash)
		if st, ok := r.sessions[sessionHash]; ok {
			st.Connected = false
		}
	}
}

// Deliverer returns the Deliverer currently bound to sessionHash, if any.
func (r *Registry) Deliverer(sessionHash string) (Deliverer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[sessionHash]
	if !ok {
		return nil, false
	}
	return b.deliverer, true
}

// Transition changes a session's mode and latency, enforcing the
// mode/latency invariant and terminal stickiness of §3/§4.2. On success it
// invokes onTransition with a snapshot, outside the lock, so the caller
// can schedule a durable write without holding the session lock across a
// suspension (§5).
func (r *Registry) Transition(sessionHash string, newMode Mode, latencyMs int) (State, error) {
	r.mu.Lock()
	st, ok := r.sessions[sessionHash]
	if !ok {
		r.mu.Unlock()
		return State{}, fmt.Errorf("unknown session: %s", sessionHash)
	}

	adjusted, err := ValidateTransition(st.Mode, newMode, latencyMs)
	if err != nil {
		r.mu.Unlock()
		return State{}, err
	}

	st.Mode = newMode
	st.CurrentLatencyMs = adjusted
	snapshot := *st
	r.mu.Unlock()

	if r.onTransition != nil {
		r.onTransition(sessionHash, snapshot)
	}
	return snapshot, nil
}

// Touch records inbound traffic for a session: increments the event
// counter and refreshes lastSeen, §4.2.
func (r *Registry) Touch(sessionHash string, eventsDelta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionHash]
	if !ok {
		return
	}
	st.TotalEvents += eventsDelta
	st.LastSeen = time.Now()
}

// SetRisk updates the risk score and bot flag computed by C1, §4.1/§3.
func (r *Registry) SetRisk(sessionHash string, score int, isBot bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionHash]; ok {
		st.RiskScore = score
		st.IsBot = isBot
	}
}

// MarkDisconnected flags a session as disconnected without removing it
// from the registry, so risk/mode history survives socket churn.
func (r *Registry) MarkDisconnected(sessionHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[sessionHash]; ok {
		st.Connected = false
	}
}

// Get returns a snapshot of a session's state.
func (r *Registry) Get(sessionHash string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[sessionHash]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Filter is a predicate used by Snapshot to select sessions for admin reads.
type Filter func(State) bool

// ActiveSince returns a Filter matching sessions seen within the window.
func ActiveSince(minutesAgo int) Filter {
	cutoff := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	return func(s State) bool { return s.LastSeen.After(cutoff) }
}

// HighRisk returns a Filter matching sessions flagged as bots.
func HighRisk() Filter {
	return func(s State) bool { return s.IsBot }
}

// Snapshot returns all sessions matching filter, the read-side for admin
// queries, §4.2.
func (r *Registry) Snapshot(filter Filter) []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.sessions))
	for _, st := range r.sessions {
		if filter == nil || filter(*st) {
			out = append(out, *st)
		}
	}
	return out
}

// Count returns the number of connections currently bound on this node.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// DeleteOlderThan removes disconnected sessions whose lastSeen predates
// the cutoff, for the C9 retention sweep, §4.7(b).
func (r *Registry) DeleteOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for hash, st := range r.sessions {
		if !st.Connected && st.LastSeen.Before(cutoff) {
			delete(r.sessions, hash)
			deleted++
		}
	}
	return deleted
}

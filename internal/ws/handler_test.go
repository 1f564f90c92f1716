package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/commandbus"
	"github.com/trafficctl/control-plane/internal/ratelimit"
	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store"
)

type fakeRepo struct {
	mu         sync.Mutex
	loggedCmds []command.AuditRecord
}

func (f *fakeRepo) Upsert(context.Context, session.State) error              { return nil }
func (f *fakeRepo) SetConnected(context.Context, string, bool) error         { return nil }
func (f *fakeRepo) IncrementEventCount(context.Context, string, int) error   { return nil }
func (f *fakeRepo) SetMode(context.Context, string, session.Mode, int) error { return nil }
func (f *fakeRepo) SetRisk(context.Context, string, int, bool) error         { return nil }
func (f *fakeRepo) IncrementViolations(context.Context, string, time.Time) error {
	return nil
}
func (f *fakeRepo) LogCommand(ctx context.Context, rec command.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedCmds = append(f.loggedCmds, rec)
	return nil
}
func (f *fakeRepo) UpdateCommandStatus(context.Context, string, command.Status, string, *time.Time) error {
	return nil
}
func (f *fakeRepo) GetActiveSessions(context.Context, int) ([]session.State, error) { return nil, nil }
func (f *fakeRepo) GetSession(context.Context, string) (session.State, bool, error) {
	return session.State{}, false, nil
}
func (f *fakeRepo) GetHighRiskSessions(context.Context) ([]session.State, error) { return nil, nil }
func (f *fakeRepo) GetCommandHistory(context.Context, string, int) ([]command.AuditRecord, error) {
	return nil, nil
}
func (f *fakeRepo) GetDashboardStats(context.Context) (store.DashboardStats, error) {
	return store.DashboardStats{}, nil
}
func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

func (f *fakeRepo) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loggedCmds)
}

type noopDeliverer struct{}

func (noopDeliverer) Send(interface{}) error { return nil }
func (noopDeliverer) Close(string)           {}

func newTestHandler(t *testing.T) (*Handler, *session.Registry, *commandbus.InProcess, *fakeRepo) {
	t.Helper()
	registry := session.NewRegistry(nil)
	if _, err := registry.Bind("c1", "hash-1", "1.2.3.4", session.GeoInfo{}, session.DeviceMeta{}, noopDeliverer{}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	bus := commandbus.NewInProcess()
	if err := bus.Start(context.Background(), func(_ string, _ command.Envelope) {}); err != nil {
		t.Fatalf("bus start: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Capacity: 1, RefillRate: 1, RefillInterval: time.Hour,
		MaxEventsPerSecond: 5, AutoThrottle: true, ThrottleLatencyMs: 2000,
		BanThreshold: 1000, BanDuration: time.Minute, InactivityEviction: time.Hour,
	}, nil)
	t.Cleanup(limiter.Stop)

	repo := &fakeRepo{}
	h := New(registry, limiter, nil, nil, repo, bus, nil)

	return h, registry, bus, repo
}

// TestHandler_AutoThrottleDebounces verifies that repeated rate-limit
// violations within the debounce window trigger at most one SET_LATENCY
// command and one downspin transition, per the Open Question decision in
// spec.md §9.
func TestHandler_AutoThrottleDebounces(t *testing.T) {
	h, registry, _, repo := newTestHandler(t)

	// Manufacture enough violations to cross the shouldThrottle threshold
	// (eventsPerSecond > MaxEventsPerSecond) without relying on real time.
	for i := 0; i < 10; i++ {
		h.limiter.Admit("hash-1", 1)
	}

	h.maybeAutoThrottle("hash-1")
	h.maybeAutoThrottle("hash-1")
	h.maybeAutoThrottle("hash-1")

	st, ok := registry.Get("hash-1")
	if !ok {
		t.Fatalf("session missing after throttle")
	}
	if st.Mode != session.ModeDownspin || st.CurrentLatencyMs != 2000 {
		t.Errorf("expected downspin at 2000ms, got mode=%s latency=%d", st.Mode, st.CurrentLatencyMs)
	}

	time.Sleep(50 * time.Millisecond) // let the fire-and-forget LogCommand goroutines land
	if calls := repo.calls(); calls != 1 {
		t.Errorf("expected exactly 1 audited auto-throttle command within the debounce window, got %d", calls)
	}
}

// TestHandler_AutoThrottleNoOpWithoutViolations verifies that a session
// with no rate-limit violations is left untouched.
func TestHandler_AutoThrottleNoOpWithoutViolations(t *testing.T) {
	h, registry, _, _ := newTestHandler(t)

	h.maybeAutoThrottle("hash-1")

	st, _ := registry.Get("hash-1")
	if st.Mode != session.ModeNormal {
		t.Errorf("expected mode to stay normal with no violations, got %s", st.Mode)
	}
}

func TestAdmitKeyFor(t *testing.T) {
	cases := []struct {
		name             string
		boundSessionHash string
		frameSessionHash string
		connectionID     string
		want             string
	}{
		{"bound session takes priority", "hash-1", "hash-2", "conn-1", "hash-1"},
		{"unbound handshake keys on the frame's own sessionHash", "", "hash-2", "conn-1", "hash-2"},
		{"unbound frame with no sessionHash falls back to the connection id", "", "", "conn-1", "conn-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := admitKeyFor(tc.boundSessionHash, tc.frameSessionHash, tc.connectionID); got != tc.want {
				t.Errorf("admitKeyFor(%q, %q, %q) = %q, want %q", tc.boundSessionHash, tc.frameSessionHash, tc.connectionID, got, tc.want)
			}
		})
	}
}

// TestConnState_AdmitFrame_BansHandshakeBeforeBind verifies spec.md §8
// scenario S4: a sessionHash banned on a prior connection must be
// rejected at admission on a fresh socket's handshake frame, before
// registry.Bind ever runs.
func TestConnState_AdmitFrame_BansHandshakeBeforeBind(t *testing.T) {
	h, registry, _, _ := newTestHandler(t)

	// Drive the limiter into a ban for "hash-2" without ever binding it.
	for i := 0; i < 2000; i++ {
		h.limiter.Admit("hash-2", 1)
	}
	if !h.limiter.IsBanned("hash-2") {
		t.Fatalf("setup: expected hash-2 to be banned")
	}

	s := &connState{
		handler:      h,
		conn:         &conn{queue: make(chan []byte, 4), cancel: func() {}},
		connectionID: "conn-fresh",
	}
	frame := inboundFrame{Type: "handshake", SessionHash: "hash-2"}

	if s.admitFrame(frame) {
		t.Fatalf("expected admitFrame to reject a banned sessionHash's handshake")
	}
	if !s.terminated {
		t.Errorf("expected the connection to be marked terminated on a ban")
	}
	if _, ok := registry.Get("hash-2"); ok {
		t.Errorf("expected registry.Bind to never run for a banned handshake")
	}
}

package session

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeDeliverer struct {
	mu     sync.Mutex
	closed bool
	reason string
}

func (f *fakeDeliverer) Send(frame interface{}) error { return nil }

func (f *fakeDeliverer) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
}

func (f *fakeDeliverer) isClosed() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func TestRegistry_BindCreatesSession(t *testing.T) {
	r := NewRegistry(nil)
	st, err := r.Bind("c-1", "hash-abc", "1.2.3.4", GeoInfo{Country: "US"}, DeviceMeta{}, &fakeDeliverer{})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if st.Mode != ModeNormal {
		t.Errorf("expected ModeNormal, got %v", st.Mode)
	}
	if !st.Connected {
		t.Errorf("expected session to be connected")
	}
}

func TestRegistry_RebindSupersedesPriorConnection(t *testing.T) {
	r := NewRegistry(nil)
	old := &fakeDeliverer{}
	if _, err := r.Bind("c-1", "hash-abc", "1.2.3.4", GeoInfo{}, DeviceMeta{}, old); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	newer := &fakeDeliverer{}
	if _, err := r.Bind("c-2", "hash-abc", "1.2.3.4", GeoInfo{}, DeviceMeta{}, newer); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	closed, reason := old.isClosed()
	if !closed || reason != "superseded" {
		t.Errorf("expected prior connection closed with reason 'superseded', got closed=%v reason=%q", closed, reason)
	}

	d, ok := r.Deliverer("hash-abc")
	if !ok || d != newer {
		t.Errorf("expected newer deliverer bound")
	}
}

func TestRegistry_BindRejectsTerminated(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Bind("c-1", "hash-abc", "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := r.Transition("hash-abc", ModeTerminated, 0); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if _, err := r.Bind("c-2", "hash-abc", "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{}); err != ErrTerminated {
		t.Errorf("expected ErrTerminated, got %v", err)
	}
}

func TestRegistry_UnbindIsIdempotentAndIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry(nil)
	conn1 := &fakeDeliverer{}
	conn2 := &fakeDeliverer{}
	if _, err := r.Bind("c-1", "hash-a", "1.2.3.4", GeoInfo{}, DeviceMeta{}, conn1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := r.Bind("c-2", "hash-b", "1.2.3.4", GeoInfo{}, DeviceMeta{}, conn2); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	r.Unbind("c-1")
	r.Unbind("c-1") // idempotent

	if _, ok := r.Deliverer("hash-b"); !ok {
		t.Errorf("expected hash-b binding to survive unrelated unbind")
	}
}

func TestRegistry_TransitionEnforcesUpspinZeroLatency(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Bind("c-1", "hash-abc", "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	st, err := r.Transition("hash-abc", ModeUpspin, 5000)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if st.CurrentLatencyMs != 0 {
		t.Errorf("expected latency forced to 0 on upspin, got %d", st.CurrentLatencyMs)
	}
}

func TestRegistry_TransitionIsStickyTerminated(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Bind("c-1", "hash-abc", "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := r.Transition("hash-abc", ModeTerminated, 0); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if _, err := r.Transition("hash-abc", ModeUpspin, 0); err == nil {
		t.Errorf("expected transition out of terminated to fail")
	}

	st, _ := r.Get("hash-abc")
	if st.Mode != ModeTerminated {
		t.Errorf("expected mode to remain terminated, got %v", st.Mode)
	}
}

func TestRegistry_ConcurrentBindAndSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := "hash-" + strconv.Itoa(i)
			_, _ = r.Bind("c-"+strconv.Itoa(i), hash, "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{})
			r.Touch(hash, 1)
			r.Snapshot(nil)
		}(i)
	}
	wg.Wait()

	if r.Count() != 200 {
		t.Errorf("expected 200 bindings, got %d", r.Count())
	}
}

func TestRegistry_DeleteOlderThanOnlyRemovesDisconnected(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Bind("c-1", "hash-old", "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	r.MarkDisconnected("hash-old")
	r.sessions["hash-old"].LastSeen = time.Now().Add(-8 * 24 * time.Hour)

	if _, err := r.Bind("c-2", "hash-live", "1.2.3.4", GeoInfo{}, DeviceMeta{}, &fakeDeliverer{}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	deleted := r.DeleteOlderThan(time.Now().Add(-7 * 24 * time.Hour))
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}
	if _, ok := r.Get("hash-live"); !ok {
		t.Errorf("expected live session to survive sweep")
	}
}

package eventsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]NormalizedEvent
	failNext int
}

func (w *fakeWriter) WriteBatch(_ context.Context, rows []NormalizedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return errors.New("simulated write failure")
	}
	cp := make([]NormalizedEvent, len(rows))
	copy(cp, rows)
	w.batches = append(w.batches, cp)
	return nil
}

func (w *fakeWriter) totalWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestSink_FlushesOnIntervalInBatches(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithTuning(w, 10000, 3, 20*time.Millisecond)
	defer s.Shutdown(context.Background())

	for i := 0; i < 7; i++ {
		if !s.Enqueue(RawEvent{SessionHash: "s", EventType: "click"}) {
			t.Fatalf("enqueue %d should have succeeded", i)
		}
	}

	deadline := time.After(2 * time.Second)
	for w.totalWritten() < 7 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for flush, wrote %d of 7", w.totalWritten())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSink_DropsOnOverflow(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithTuning(w, 2, 100, time.Hour)
	defer s.Shutdown(context.Background())

	if !s.Enqueue(RawEvent{SessionHash: "a"}) {
		t.Fatalf("first enqueue should succeed")
	}
	if !s.Enqueue(RawEvent{SessionHash: "b"}) {
		t.Fatalf("second enqueue should succeed")
	}
	if s.Enqueue(RawEvent{SessionHash: "c"}) {
		t.Fatalf("third enqueue should be dropped: queue is full")
	}
	if s.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", s.Dropped())
	}
}

func TestSink_RequeuesOnFlushFailure(t *testing.T) {
	w := &fakeWriter{failNext: 1}
	s := NewWithTuning(w, 10000, 5, 15*time.Millisecond)
	defer s.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		s.Enqueue(RawEvent{SessionHash: "s"})
	}

	deadline := time.After(2 * time.Second)
	for w.totalWritten() < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for requeued flush to succeed, wrote %d", w.totalWritten())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSink_ShutdownRefusesNewEventsAndDrainsResidual(t *testing.T) {
	w := &fakeWriter{}
	s := NewWithTuning(w, 10000, 100, time.Hour)

	for i := 0; i < 10; i++ {
		s.Enqueue(RawEvent{SessionHash: "s"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if w.totalWritten() != 10 {
		t.Errorf("expected final drain to flush all 10 events, wrote %d", w.totalWritten())
	}
	if s.Enqueue(RawEvent{SessionHash: "late"}) {
		t.Errorf("expected enqueue after shutdown to be refused")
	}
}

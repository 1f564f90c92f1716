package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trafficctl/control-plane/internal/eventsink"
)

type fakeWriter struct {
	mu   sync.Mutex
	rows []eventsink.NormalizedEvent
}

func (f *fakeWriter) WriteBatch(ctx context.Context, rows []eventsink.NormalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeWriter) all() []eventsink.NormalizedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventsink.NormalizedEvent(nil), f.rows...)
}

// TestHandleBeacon_NormalizesHostPortRemoteAddr guards against the
// port-included RemoteAddr bug: navigator.sendBeacon requests arrive with
// r.RemoteAddr as "host:port", and the IPv4 normalizer in C5 silently
// zeroes any address net.ParseIP can't parse.
func TestHandleBeacon_NormalizesHostPortRemoteAddr(t *testing.T) {
	writer := &fakeWriter{}
	sink := eventsink.NewWithTuning(writer, eventsink.MaxQueue, 1, 10*time.Millisecond)
	defer sink.Shutdown(context.Background())

	h := &Handler{sink: sink}

	body := strings.NewReader(`{"events":[{"type":"pageview","sessionHash":"abc123"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/beacon", body)
	req.RemoteAddr = "203.0.113.7:54321"
	rec := httptest.NewRecorder()

	h.handleBeacon(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(writer.all()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rows := writer.all()
	if len(rows) != 1 {
		t.Fatalf("expected 1 flushed row, got %d", len(rows))
	}
	if rows[0].IPAddressV4 == 0 {
		t.Errorf("expected a non-zero normalized IPv4 address, got 0 (RemoteAddr port not stripped)")
	}
}

// TestHandleBeacon_AlwaysNoContent verifies the beacon endpoint returns
// 204 even on a malformed body, since navigator.sendBeacon cannot read a
// response body, spec.md §6.2.
func TestHandleBeacon_AlwaysNoContent(t *testing.T) {
	writer := &fakeWriter{}
	sink := eventsink.New(writer)
	defer sink.Shutdown(context.Background())

	h := &Handler{sink: sink}

	req := httptest.NewRequest(http.MethodPost, "/beacon", strings.NewReader(`not json`))
	req.RemoteAddr = "203.0.113.7:54321"
	rec := httptest.NewRecorder()

	h.handleBeacon(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

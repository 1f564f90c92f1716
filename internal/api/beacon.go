package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/trafficctl/control-plane/internal/eventsink"
)

type beaconRequest struct {
	Events []json.RawMessage `json:"events"`
}

// POST /beacon — always 204, even on a parse error (navigator.sendBeacon
// cannot read the response body, spec.md §6.2). Events are enqueued into
// C5 after the response is written.
func (h *Handler) handleBeacon(w http.ResponseWriter, r *http.Request) {
	peerIP := clientIP(r)
	body, err := decodeBeaconBody(r)
	w.WriteHeader(http.StatusNoContent)
	if err != nil {
		return
	}

	for _, raw := range body.Events {
		var shape struct {
			Type            string     `json:"type"`
			SessionHash     string     `json:"sessionHash"`
			InteractionType string     `json:"interactionType"`
			Timestamp       *time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &shape); err != nil {
			continue
		}
		ts := time.Now()
		if shape.Timestamp != nil {
			ts = *shape.Timestamp
		}
		h.sink.Enqueue(eventsink.RawEvent{
			SessionHash:     shape.SessionHash,
			IPAddress:       peerIP,
			EventType:       shape.Type,
			InteractionType: shape.InteractionType,
			Timestamp:       ts,
			PayloadJSON:     raw,
		})
	}
}

// clientIP strips the port chiMiddleware.RealIP may have left attached to
// RemoteAddr, so downstream IPv4 normalization (eventsink.Normalize) can
// parse the address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBeaconBody(r *http.Request) (beaconRequest, error) {
	var body beaconRequest
	if r.Body == nil {
		return body, nil
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	return body, err
}

package commandbus

import (
	"context"
	"testing"

	"github.com/trafficctl/control-plane/internal/command"
)

func TestInProcess_DeliversInPublishOrder(t *testing.T) {
	bus := NewInProcess()
	defer bus.Close()

	var received []string
	if err := bus.Start(context.Background(), func(sessionHash string, env command.Envelope) {
		received = append(received, string(env.Type))
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	envs := []command.Envelope{
		command.New(command.SetLatency, command.SetLatencyPayload{LatencyMs: 1000}),
		command.New(command.ToastAlert, command.ToastAlertPayload{Message: "hi"}),
		command.New(command.Terminate, command.TerminatePayload{Reason: "bye"}),
	}
	for _, env := range envs {
		if err := bus.Publish(context.Background(), "hash-1", env); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if len(received) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(received))
	}
	want := []string{"SET_LATENCY", "TOAST_ALERT", "TERMINATE"}
	for i, w := range want {
		if received[i] != w {
			t.Errorf("delivery %d: expected %s, got %s", i, w, received[i])
		}
	}
}

func TestInProcess_PresentAfterPublish(t *testing.T) {
	bus := NewInProcess()
	defer bus.Close()
	_ = bus.Start(context.Background(), func(string, command.Envelope) {})

	if bus.Present("hash-1") {
		t.Errorf("expected not present before any publish")
	}
	_ = bus.Publish(context.Background(), "hash-1", command.New(command.Terminate, command.TerminatePayload{Reason: "x"}))
	if !bus.Present("hash-1") {
		t.Errorf("expected present after publish")
	}
}

func TestInProcess_NoSubscriberDropsSilently(t *testing.T) {
	bus := NewInProcess()
	defer bus.Close()
	// No Start call: Publish must not panic or block.
	if err := bus.Publish(context.Background(), "hash-1", command.New(command.Terminate, command.TerminatePayload{Reason: "x"})); err != nil {
		t.Fatalf("Publish without subscriber should not error: %v", err)
	}
}

package notifybus

import (
	"testing"
	"time"
)

// connectTestBus dials the notification bus on its default local address.
// Requires NATS running on localhost:4222. Tests are skipped if unavailable.
func connectTestBus(t *testing.T) *Bus {
	t.Helper()

	b, err := Connect(DefaultConfig())
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := connectTestBus(t)

	received := make(chan []byte, 1)
	if err := b.Subscribe("alice", func(payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer b.Unsubscribe("alice")

	if err := b.Publish("alice", []byte(`{"state":"MATCHED"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"state":"MATCHED"}` {
			t.Errorf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := connectTestBus(t)

	if err := b.Unsubscribe("nobody"); err != nil {
		t.Errorf("Unsubscribe on unknown user should be a no-op: %v", err)
	}

	if err := b.Subscribe("bob", func([]byte) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Unsubscribe("bob"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Unsubscribe("bob"); err != nil {
		t.Errorf("second Unsubscribe should be a no-op: %v", err)
	}
}

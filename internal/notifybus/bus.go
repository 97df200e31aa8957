// Package notifybus is the Notification Bus component (spec §4.3): the
// cross-instance push path from "initiator that found a waiter" to "waiter
// whose long-lived stream is held by another process instance."
//
// The lineage keeps the keyed durable store (Redis, for state) and the
// pub/sub fabric that wakes a specific process (NATS, for notification)
// as two separate clients with two separate concerns. This spec draws the
// same seam between the Queue Store and Notification Bus components, so
// NATS fills it here exactly as it does in the lineage's messaging package,
// trimmed to the one subject family this core needs.
package notifybus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix mirrors the match_notification:<userId> topic name from
// spec §3; NATS subjects don't allow ':' as a hierarchy separator the way
// Redis keys do, so '.' is used, matching the lineage's own subject style.
const subjectPrefix = "match_notification."

// Config holds connection settings for the notification bus.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "matchcore",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus is a per-process-instance pub/sub client. Each instance subscribes on
// behalf of the waiters whose streams it currently holds.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // userID -> subscription
}

// Connect dials the notification bus.
func Connect(cfg Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] disconnected: %v", err)
			} else {
				log.Printf("[notify] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[notify] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notifybus: connect: %w", err)
	}
	log.Printf("[notify] connected to %s", conn.ConnectedUrl())

	return &Bus{conn: conn, subs: make(map[string]*nats.Subscription)}, nil
}

func subject(userID string) string {
	return subjectPrefix + userID
}

// Subscribe registers a one-shot-in-spirit handler for userID's channel. The
// caller is expected to Unsubscribe once the waiter's stream closes, whether
// by match or by client disconnect; a stale subscription is otherwise leaked.
func (b *Bus) Subscribe(userID string, handler func(payload []byte)) error {
	sub, err := b.conn.Subscribe(subject(userID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("notifybus: subscribe %s: %w", userID, err)
	}

	b.mu.Lock()
	b.subs[userID] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe tears down userID's subscription. Idempotent: unsubscribing a
// user with no active subscription is a no-op, so that a late match publish
// racing a client disconnect never surfaces an error (spec §5 cancellation).
func (b *Bus) Unsubscribe(userID string) error {
	b.mu.Lock()
	sub, ok := b.subs[userID]
	if ok {
		delete(b.subs, userID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("notifybus: unsubscribe %s: %w", userID, err)
	}
	return nil
}

// Publish sends payload to userID's channel exactly once. Per spec §4.3 and
// §7, publish failures are logged and swallowed by the caller — the
// initiator's synchronous match result does not depend on delivery.
func (b *Bus) Publish(userID string, payload []byte) error {
	if err := b.conn.Publish(subject(userID), payload); err != nil {
		return fmt.Errorf("notifybus: publish to %s: %w", userID, err)
	}
	return nil
}

// Connected reports whether the underlying connection is currently up, for
// the /status health surface.
func (b *Bus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close drains all active subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	for userID, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[notify] drain %s: %v", userID, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		log.Printf("[notify] connection drain: %v", err)
	}
	log.Printf("[notify] bus closed")
}

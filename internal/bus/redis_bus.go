// Package bus fans document and awareness events out to every server process
// hosting connections for a document. Delivery is at-least-once: duplicates
// and reordering are expected and absorbed by replica convergence.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"collabsync/internal/protocol"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is one message on the bus.
type Event struct {
	Origin  string                `json:"origin"`
	Kind    protocol.Event        `json:"kind"`
	DocID   string                `json:"docId"`
	Sender  string                `json:"sender,omitempty"`
	Payload []byte                `json:"payload,omitempty"`
	Message *protocol.ChatMessage `json:"message,omitempty"`
}

// Handler receives events published by other processes.
type Handler func(Event)

// RedisBus implements the broadcast bus over Redis pub/sub with one channel
// per document.
type RedisBus struct {
	client *redis.Client
	nodeID string
	prefix string
	logger *zap.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]struct{}
}

// NewRedisBus creates a bus for nodeID. Events published by nodeID are never
// delivered back to it.
func NewRedisBus(ctx context.Context, client *redis.Client, nodeID string, logger *zap.Logger) *RedisBus {
	b := &RedisBus{
		client:   client,
		nodeID:   nodeID,
		prefix:   "collab:",
		logger:   logger.With(zap.String("module", "bus")),
		channels: make(map[string]struct{}),
	}
	// the node channel keeps the subscriber connection open before any
	// document is joined
	b.pubsub = client.Subscribe(ctx, b.prefix+"node:"+nodeID)
	return b
}

// NodeID returns the id stamped on outgoing events.
func (b *RedisBus) NodeID() string {
	return b.nodeID
}

// Channel returns the pub/sub channel name of docID.
func (b *RedisBus) Channel(docID string) string {
	return b.prefix + "doc:" + docID
}

// Publish sends ev to every other process subscribed to its document.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.nodeID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal bus event: %w", err)
	}
	if err := b.client.Publish(ctx, b.Channel(ev.DocID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe starts receiving events for docID.
func (b *RedisBus) Subscribe(ctx context.Context, docID string) error {
	ch := b.Channel(docID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[ch]; ok {
		return nil
	}
	if err := b.pubsub.Subscribe(ctx, ch); err != nil {
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	b.channels[ch] = struct{}{}
	return nil
}

// Unsubscribe stops receiving events for docID.
func (b *RedisBus) Unsubscribe(ctx context.Context, docID string) error {
	ch := b.Channel(docID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[ch]; !ok {
		return nil
	}
	delete(b.channels, ch)
	if err := b.pubsub.Unsubscribe(ctx, ch); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", ch, err)
	}
	return nil
}

// Run dispatches remote events to handle until ctx is done or the bus is
// closed. Undecodable messages are logged and skipped.
func (b *RedisBus) Run(ctx context.Context, handle Handler) {
	msgs := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("bus:decode_failed", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if ev.Origin == b.nodeID {
				continue
			}
			handle(ev)
		}
	}
}

// Close releases the subscriber connection.
func (b *RedisBus) Close() error {
	return b.pubsub.Close()
}

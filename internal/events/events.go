// Package events publishes committed stock and sale movements to downstream
// consumers.
package events

import (
	"context"
	"time"
)

const (
	TypeInventoryInitialized = "inventory.initialized"
	TypeInventoryAdjusted    = "inventory.adjusted"
	TypeInventoryTransferred = "inventory.transferred"
	TypeSaleCreated          = "sale.created"
	TypeSaleCancelled        = "sale.cancelled"
)

// Message is the envelope written to the broker. EventID is the festival
// event the movement belongs to and doubles as the partition key.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	EventID    int64     `json:"eventId"`
	ActorID    int64     `json:"actorId"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Message) error { return nil }

func (NoopPublisher) Close() error { return nil }

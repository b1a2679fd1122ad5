// Package events publishes subscription lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TypeRequested     = "subscription.requested"
	TypeApproved      = "subscription.approved"
	TypeDenied        = "subscription.denied"
	TypeGrantsChanged = "subscription.grants_modified"
	TypeDeleted       = "subscription.deleted"
	TypeResubmitted   = "subscription.resubmitted"
)

type Event struct {
	Type           string    `json:"type"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Owner          string    `json:"owner_principal"`
	Subscriber     string    `json:"subscriber_principal"`
	Status         string    `json:"status"`
	Permitted      []string  `json:"permitted_grants,omitempty"`
	Grantable      []string  `json:"grantable_grants,omitempty"`
	Actor          string    `json:"actor"`
	At             time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type noop struct{}

func NewNoop() Publisher { return noop{} }

func (noop) Publish(context.Context, Event) error { return nil }
func (noop) Close() error                         { return nil }

// messageWriter is the part of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	w       messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafka returns a Kafka publisher, or a no-op one when no brokers are
// configured.
func NewKafka(brokers []string, topic string, logger *zap.Logger) Publisher {
	if len(brokers) == 0 {
		return NewNoop()
	}
	if topic == "" {
		topic = "mesh.subscriptions"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafka(w, logger)
}

func newKafka(w messageWriter, logger *zap.Logger) *Kafka {
	return &Kafka{w: w, timeout: 2 * time.Second, logger: logger.Named("events")}
}

// Publish keys messages by subscription id so events of one subscription
// stay ordered within a partition.
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.SubscriptionID.String()),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
	if err != nil {
		k.logger.Warn("publish failed", zap.String("type", e.Type), zap.String("subscriptionID", e.SubscriptionID.String()), zap.Error(err))
	}
	return err
}

func (k *Kafka) Close() error { return k.w.Close() }

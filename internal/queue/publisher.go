package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LifecyclePublisher publishes masked call lifecycle events.
type LifecyclePublisher struct {
	writer messageWriter
}

// NewLifecyclePublisher constructs a publisher for the given topic.
func NewLifecyclePublisher(k *Kafka, topic string) *LifecyclePublisher {
	return &LifecyclePublisher{writer: k.NewWriter(topic)}
}

// PublishLifecycle emits an event keyed by session id.
func (p *LifecyclePublisher) PublishLifecycle(ctx context.Context, event LifecycleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("lifecycle publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(event.SessionID.String()),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("lifecycle publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *LifecyclePublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterPublisher publishes webhooks that failed processing.
type DeadLetterPublisher struct {
	writer messageWriter
}

// NewDeadLetterPublisher constructs a publisher for the given topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// PublishDeadLetter emits a message keyed by provider call reference.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, msg DeadLetterMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.Provider + ":" + msg.ProviderCallRef),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter publisher: write message: %w", err)
	}
	return nil
}

func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}

// Discard drops every message. It stands in when Kafka is not configured.
type Discard struct{}

func (Discard) PublishLifecycle(context.Context, LifecycleEvent) error     { return nil }
func (Discard) PublishDeadLetter(context.Context, DeadLetterMessage) error { return nil }

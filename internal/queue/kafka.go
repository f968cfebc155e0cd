package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/masked-call/internal/config"
)

// Kafka aggregates helpers for interacting with Kafka.
type Kafka struct {
	cfg config.KafkaConfig
}

// NewKafka initializes the Kafka helper.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	return &Kafka{cfg: cfg}, nil
}

const (
	defaultBatchTimeout   = 10 * time.Millisecond
	defaultPublishTimeout = 2 * time.Second
	writerMaxAttempts     = 3
)

// NewWriter creates a kafka writer for a specific topic. Messages are keyed
// by session id so one session's events stay ordered within a partition.
// Writes are synchronous and flushed after BatchTimeout rather than the
// library's one second default.
func (k *Kafka) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: k.batchTimeout(),
		WriteTimeout: k.PublishTimeout(),
		MaxAttempts:  writerMaxAttempts,
		Transport:    &kafka.Transport{ClientID: k.cfg.ClientID},
	}
}

func (k *Kafka) batchTimeout() time.Duration {
	if k.cfg.BatchTimeout > 0 {
		return k.cfg.BatchTimeout
	}
	return defaultBatchTimeout
}

// PublishTimeout bounds one publish, retries included.
func (k *Kafka) PublishTimeout() time.Duration {
	if k.cfg.PublishTimeout > 0 {
		return k.cfg.PublishTimeout
	}
	return defaultPublishTimeout
}

// NewReader creates a kafka reader for a topic. An empty groupID reads the
// partition directly without committing offsets.
func (k *Kafka) NewReader(topic, groupID string, fromStart bool) *kafka.Reader {
	start := kafka.LastOffset
	if fromStart {
		start = kafka.FirstOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: start,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
	})
}

// EnsureTopics creates topics if they do not exist.
func (k *Kafka) EnsureTopics(ctx context.Context, topics []string, partitions int, replicationFactor int) error {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, ClientID: k.cfg.ClientID}
	conn, err := dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	exists := make(map[string]bool)
	for _, p := range existing {
		exists[p.Topic] = true
	}

	for _, topic := range topics {
		if topic == "" || exists[topic] {
			continue
		}
		if err := conn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		}); err != nil {
			return fmt.Errorf("kafka: create topic %s: %w", topic, err)
		}
	}

	return nil
}

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/roach88/cairn/internal/ir"
)

// KafkaPublisher forwards accepted events to a Kafka topic, keyed by
// aggregate id so each aggregate's events stay in one partition in order.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	timeout  time.Duration
}

// NewKafkaPublisher creates a producer for bootstrapServers.
func NewKafkaPublisher(bootstrapServers, topic string, timeout time.Duration) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	slog.Info("kafka producer created", "event", "kafka_ready", "topic", topic)
	return &KafkaPublisher{producer: p, topic: topic, timeout: timeout}, nil
}

// Publish produces ev and waits for the delivery report.
func (p *KafkaPublisher) Publish(ctx context.Context, ev ir.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.AggregateID),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}, delivery)
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case e := <-delivery:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %T", e)
		}
		if msg.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", msg.TopicPartition.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("delivery timeout after %s", p.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes outstanding messages and closes the producer.
func (p *KafkaPublisher) Close() {
	slog.Info("closing kafka producer", "topic", p.topic)
	p.producer.Flush(15 * 1000)
	p.producer.Close()
}

package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter publishes events to a Kafka topic, keyed by event type so
// consumers can partition by kind. Delivery failures are logged and dropped;
// the event stream is observability, not the system of record.
type KafkaEmitter struct {
	writer *kafka.Writer
}

// NewKafkaEmitter creates an emitter writing to the given brokers and topic.
func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaEmitter) Emit(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		log.Printf("kafka emitter: marshal %s: %v", ev.Type, err)
		return
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: value,
	})
	if err != nil {
		log.Printf("kafka emitter: write %s: %v", ev.Type, err)
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}

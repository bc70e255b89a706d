package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// KafkaSink publishes lifecycle events to a Kafka topic, keyed by
// destination so per-user event streams stay ordered within a
// partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}

	util.Info("Kafka event sink initialized",
		util.Any("brokers", cfg.Brokers),
		util.String("topic", cfg.Topic))

	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Destination),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

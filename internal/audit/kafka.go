package audit

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a topic keyed by signature, so every event of
// one burn lands on the same partition.
type KafkaSink struct {
	writer messageWriter
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Async:    true,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := ev.Signature
	if key == "" {
		key = ev.Account
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Event, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

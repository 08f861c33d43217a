package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

type Producer struct {
	producer sarama.SyncProducer
}

func NewSyncProducer(brokers []string) (*Producer, error) {
	cfg := sarama.NewConfig()

	// SyncProducer requires both:
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sarama sync producer: %w", err)
	}

	return &Producer{producer: prod}, nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

// SendRaw publishes an already-serialized payload. The key picks the
// partition, so callers use the terminal address for per-device ordering.
func (p *Producer) SendRaw(topic, key string, value []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if len(value) == 0 {
		return fmt.Errorf("value is empty")
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}

	_, _, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send kafka message: %w", err)
	}

	return nil
}

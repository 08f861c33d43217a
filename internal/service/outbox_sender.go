package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"face_sync/internal/metrics"
	"face_sync/internal/models"
)

type OutboxStore interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*models.OutboxMessage, error)
	MarkAsSent(ctx context.Context, messageID string) error
	MarkAsFailed(ctx context.Context, messageID, errorMsg string) error
	CleanupOldMessages(ctx context.Context, retentionDays int) (int, error)
}

type TransmissionPublisher interface {
	SendRaw(topic, key string, value []byte) error
}

// OutboxSender drains the transactional outbox into Kafka. Rows are retried
// with a per-row counter; the store marks them failed once the cap is hit.
type OutboxSender struct {
	store         OutboxStore
	producer      TransmissionPublisher
	pollInterval  time.Duration
	batchSize     int
	retentionDays int
	maxRetries    int
	logger        *log.Logger

	cleanupEvery time.Duration
}

func NewOutboxSender(
	store OutboxStore,
	producer TransmissionPublisher,
	pollInterval time.Duration,
	batchSize int,
	retentionDays int,
	maxRetries int,
	logger *log.Logger,
) *OutboxSender {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if logger == nil {
		logger = log.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if retentionDays < 0 {
		retentionDays = 0
	}

	return &OutboxSender{
		store:         store,
		producer:      producer,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		retentionDays: retentionDays,
		maxRetries:    maxRetries,
		logger:        logger,
		// cleanup runs much less often than the flush loop
		cleanupEvery: 1 * time.Hour,
	}
}

// Start runs the flush loop in a goroutine. The returned channel closes when
// the loop exits after ctx cancellation.
func (s *OutboxSender) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.logger.Println("outbox sender started")
		defer s.logger.Println("outbox sender stopped")

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		cleanupTicker := time.NewTicker(s.cleanupEvery)
		defer cleanupTicker.Stop()

		s.FlushOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.FlushOnce(ctx)
			case <-cleanupTicker.C:
				s.cleanupOnce(ctx)
			}
		}
	}()
	return done
}

func (s *OutboxSender) FlushOnce(ctx context.Context) {
	msgs, err := s.store.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Printf("outbox get pending failed: %v", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	for _, m := range msgs {
		if err := s.sendOne(m); err != nil {
			// bump retry_count and record the error; the store flips the row
			// to failed once the cap is reached
			if err2 := s.store.MarkAsFailed(ctx, m.MessageID, err.Error()); err2 != nil {
				s.logger.Printf("outbox mark failed error: %v", err2)
			}
			if m.RetryCount+1 >= s.maxRetries {
				metrics.IncOutboxFailed()
			}
			continue
		}
		if err := s.store.MarkAsSent(ctx, m.MessageID); err != nil {
			s.logger.Printf("outbox mark sent failed: %v", err)
		}
	}
}

func (s *OutboxSender) sendOne(m *models.OutboxMessage) error {
	if m == nil {
		return fmt.Errorf("outbox message is nil")
	}
	if m.Topic == "" {
		return fmt.Errorf("outbox topic is empty")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("outbox payload is empty")
	}

	metrics.ObserveOutboxLagSeconds(time.Since(m.CreatedAt).Seconds())

	start := time.Now()

	// Kafka key is the terminal address so transmissions from the same
	// terminal stay ordered within their partition.
	key, err := extractDeviceAddress(m.Payload)
	if err != nil {
		metrics.IncKafkaError("producer", "prepare")
		metrics.ObserveOutboxProcessing(time.Since(start))
		return fmt.Errorf("extract device_address: %w", err)
	}

	if err := s.producer.SendRaw(m.Topic, key, m.Payload); err != nil {
		metrics.IncKafkaError("producer", "send")
		metrics.IncOutboxRetry()
		metrics.ObserveOutboxProcessing(time.Since(start))

		return fmt.Errorf("kafka send failed: %w", err)
	}

	metrics.IncKafkaSent()
	metrics.IncOutboxSent()
	metrics.ObserveOutboxProcessing(time.Since(start))

	return nil
}

func (s *OutboxSender) cleanupOnce(ctx context.Context) {
	if s.retentionDays <= 0 {
		return
	}
	n, err := s.store.CleanupOldMessages(ctx, s.retentionDays)
	if err != nil {
		s.logger.Printf("outbox cleanup failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("outbox cleanup: deleted %d messages", n)
	}
}

func extractDeviceAddress(payload []byte) (string, error) {
	var x struct {
		DeviceAddress string `json:"device_address"`
	}
	if err := json.Unmarshal(payload, &x); err != nil {
		return "", err
	}
	if x.DeviceAddress == "" {
		return "", fmt.Errorf("device_address is empty in payload")
	}
	return x.DeviceAddress, nil
}

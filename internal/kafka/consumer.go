package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"

	"face_sync/internal/metrics"
	"face_sync/internal/models"
)

// CommandEnqueuer puts a validated command string on the durable queue.
type CommandEnqueuer interface {
	Enqueue(ctx context.Context, command string) (int64, error)
}

// errBadMessage marks a message that can never be processed. Such messages
// are committed and dropped instead of poisoning the partition.
var errBadMessage = errors.New("bad kafka message")

// Consumer ingests externally produced queue commands. Payloads look like
// {"command":"F0ADD-10.0.0.5-EMP42"}; malformed ones are dropped, store
// failures are retried until the store comes back.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler sarama.ConsumerGroupHandler
	logger  *log.Logger
}

func NewConsumer(
	brokers []string,
	groupID string,
	topic string,
	enqueuer CommandEnqueuer,
	logger *log.Logger,
) (*Consumer, error) {
	if logger == nil {
		logger = log.Default()
	}

	cfg := sarama.NewConfig()

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	// commit by hand, only after the command is durably queued
	cfg.Consumer.Offsets.AutoCommit.Enable = false

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRange(),
	}
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	h := &commandGroupHandler{
		enqueuer: enqueuer,
		logger:   logger,
	}

	return &Consumer{
		group:   group,
		topic:   topic,
		handler: h,
		logger:  logger,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Printf("consumer group error: %v", err)
			metrics.IncKafkaError("consumer", "group")
		}
	}()

	for {
		err := c.group.Consume(ctx, []string{c.topic}, c.handler)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Printf("consume loop error: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type commandGroupHandler struct {
	enqueuer CommandEnqueuer
	logger   *log.Logger
}

func (h *commandGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *commandGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *commandGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for kafkaMsg := range claim.Messages() {
		lag := claim.HighWaterMarkOffset() - kafkaMsg.Offset - 1
		metrics.SetKafkaConsumerLag(kafkaMsg.Topic, kafkaMsg.Partition, lag)

		if err := h.processWithRetry(session.Context(), kafkaMsg); err != nil {
			if !errors.Is(err, errBadMessage) {
				metrics.IncKafkaError("consumer", "process")
				// not marked, not committed, will be read again
				return err
			}
			h.logger.Printf(
				"dropping bad command message topic=%s partition=%d offset=%d: %v",
				kafkaMsg.Topic, kafkaMsg.Partition, kafkaMsg.Offset, err,
			)
			metrics.IncKafkaError("consumer", "decode")
		} else {
			metrics.IncKafkaProcessed()
		}

		session.MarkMessage(kafkaMsg, "")
		session.Commit()
	}
	return nil
}

func (h *commandGroupHandler) processWithRetry(ctx context.Context, m *sarama.ConsumerMessage) error {
	attempt := 0

	for {
		attempt++
		err := h.processOnce(ctx, m)
		if err == nil || errors.Is(err, errBadMessage) {
			return err
		}

		backoff := retryBackoff(attempt)
		h.logger.Printf(
			"enqueue kafka command failed topic=%s partition=%d offset=%d attempt=%d err=%v; retry in %s",
			m.Topic, m.Partition, m.Offset, attempt, err, backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (h *commandGroupHandler) processOnce(ctx context.Context, m *sarama.ConsumerMessage) error {
	var x struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(m.Value, &x); err != nil {
		return fmt.Errorf("%w: decode: %v", errBadMessage, err)
	}
	if _, err := models.ParseCommand(x.Command); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}

	if _, err := h.enqueuer.Enqueue(ctx, x.Command); err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

func retryBackoff(attempt int) time.Duration {
	// linear backoff 1..30 sec
	d := time.Duration(attempt) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

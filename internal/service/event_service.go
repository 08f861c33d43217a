package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"face_sync/internal/metrics"
	"face_sync/internal/models"
	"face_sync/internal/repository"
)

// EventService ingests terminal push notifications. Each event is stored and,
// for access decisions, an outbox row is written in the same transaction so
// the downstream transmission cannot be lost once the terminal got its 200.
type EventService struct {
	db     *pgxpool.Pool
	events *repository.EventRepository
	outbox *repository.OutboxRepository
	topic  string
	logger *log.Logger
}

func NewEventService(db *pgxpool.Pool, events *repository.EventRepository, outbox *repository.OutboxRepository, topic string, logger *log.Logger) *EventService {
	return &EventService{
		db:     db,
		events: events,
		outbox: outbox,
		topic:  topic,
		logger: logger,
	}
}

func (s *EventService) Ingest(ctx context.Context, body []byte, contentType, remoteAddr string) (*models.DeviceEvent, error) {
	payload, err := decodeEventPayload(body, contentType)
	if err != nil {
		metrics.IncEventRejected()
		return nil, err
	}

	ev := classifyEvent(payload, remoteAddr)
	ev.RawPayload = body

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.events.CreateTx(ctx, tx, ev); err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}

	if transmission := transmissionFor(ev); transmission != "" {
		payload, err := json.Marshal(models.TransmissionPayload{
			DeviceAddress: ev.DeviceAddress,
			Transmission:  transmission,
			EventType:     ev.EventType,
			OccurredAt:    ev.OccurredAt,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal transmission: %w", err)
		}
		msg := &models.OutboxMessage{Topic: s.topic, Payload: payload}
		if err := s.outbox.CreateMessage(ctx, tx, msg); err != nil {
			return nil, fmt.Errorf("store outbox message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	metrics.IncEventIngested(ev.EventType)
	s.logger.Printf("event stored: id=%d type=%s device=%s", ev.ID, ev.EventType, ev.DeviceAddress)
	return ev, nil
}

func (s *EventService) ListRecent(ctx context.Context, limit int) ([]*models.DeviceEvent, error) {
	return s.events.ListRecent(ctx, limit)
}

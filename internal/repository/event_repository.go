package repository

import (
	"context"
	"fmt"

	"face_sync/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository owns creation of device event rows. Events are insert-only.
type EventRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// CreateTx inserts one event inside the caller's transaction, so the event
// and its outbox transmission commit or roll back together.
func (r *EventRepository) CreateTx(ctx context.Context, tx pgx.Tx, ev *models.DeviceEvent) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	if ev.DeviceAddress == "" {
		return fmt.Errorf("device address is empty")
	}
	if ev.EventType == "" {
		return fmt.Errorf("event type is empty")
	}

	q := r.sb.
		Insert("device_events").
		Columns("device_address", "event_type", "person_id", "occurred_at", "raw_payload").
		Values(ev.DeviceAddress, ev.EventType, ev.PersonID, ev.OccurredAt, ev.RawPayload).
		Suffix("RETURNING id, created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}

	if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return fmt.Errorf("insert device event: %w", err)
	}

	return nil
}

// ListRecent returns the newest events, for diagnostics.
func (r *EventRepository) ListRecent(ctx context.Context, limit int) ([]*models.DeviceEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	q := r.sb.
		Select("id", "device_address", "event_type", "person_id", "occurred_at", "raw_payload", "created_at").
		From("device_events").
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event select: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	res := make([]*models.DeviceEvent, 0, limit)
	for rows.Next() {
		var ev models.DeviceEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.DeviceAddress,
			&ev.EventType,
			&ev.PersonID,
			&ev.OccurredAt,
			&ev.RawPayload,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		res = append(res, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return res, nil
}

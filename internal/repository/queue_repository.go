package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"face_sync/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	QueueStatusPending = "pending"
	QueueStatusClaimed = "claimed"
	QueueStatusDone    = "done"
	QueueStatusFailed  = "failed"
)

type QueueRepository struct {
	db          *pgxpool.Pool
	sb          sq.StatementBuilderType
	maxAttempts int
	staleAfter  time.Duration
}

func NewQueueRepository(db *pgxpool.Pool, maxAttempts int, staleAfter time.Duration) *QueueRepository {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &QueueRepository{
		db:          db,
		sb:          sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		maxAttempts: maxAttempts,
		staleAfter:  staleAfter,
	}
}

// Enqueue inserts a pending row carrying the raw wire encoding.
func (r *QueueRepository) Enqueue(ctx context.Context, command string) (int64, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return 0, fmt.Errorf("command is empty")
	}

	q := r.sb.
		Insert("command_queue").
		Columns("command", "status", "attempts").
		Values(command, QueueStatusPending, 0).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build queue insert: %w", err)
	}

	var id int64
	if err := r.db.QueryRow(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: insert queue command: %v", ErrStoreUnavailable, err)
	}

	return id, nil
}

// claimSQL is a single read-modify-write statement: the subselect picks the
// oldest claimable row under FOR UPDATE SKIP LOCKED, so two concurrent
// claimers can never get the same row. Claimed rows whose worker went silent
// past the staleness window count as claimable again.
const claimSQL = `
UPDATE command_queue SET
	status = 'claimed',
	attempts = attempts + 1,
	worker_id = $1,
	claimed_at = NOW()
WHERE id = (
	SELECT id FROM command_queue
	WHERE status = 'pending'
	   OR (status = 'claimed' AND claimed_at < NOW() - make_interval(secs => $2))
	ORDER BY created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, command, status, attempts, last_error, worker_id, claimed_at, created_at, finished_at
`

// ClaimNext atomically claims the oldest due row and increments its attempt
// counter. Returns (nil, nil) when there is nothing to do.
func (r *QueueRepository) ClaimNext(ctx context.Context, workerID string) (*models.QueueCommand, error) {
	row := r.db.QueryRow(ctx, claimSQL, workerID, r.staleAfter.Seconds())

	cmd, err := scanQueueCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim queue command: %w", err)
	}

	return cmd, nil
}

// Complete transitions claimed -> done.
func (r *QueueRepository) Complete(ctx context.Context, id int64) error {
	q := r.sb.
		Update("command_queue").
		Set("status", QueueStatusDone).
		Set("finished_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "status": QueueStatusClaimed})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build queue complete: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("complete queue command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Fail transitions claimed -> failed. Failed is terminal for the row; when
// the error class is retryable and the attempt cap is not reached yet, a
// fresh pending clone is inserted in the same transaction, carrying the
// accumulated attempt count so the cap holds across clones. Each attempt
// stays on record as its own row.
func (r *QueueRepository) Fail(ctx context.Context, id int64, reason string, retryable bool) error {
	if reason == "" {
		reason = "unknown error"
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin fail tx: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		command  string
		attempts int
	)
	err = tx.QueryRow(ctx,
		`UPDATE command_queue SET status = 'failed', last_error = $1, finished_at = NOW()
		 WHERE id = $2 AND status = 'claimed'
		 RETURNING command, attempts`,
		reason, id,
	).Scan(&command, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("fail queue command: %w", err)
	}

	if retryable && attempts < r.maxAttempts {
		_, err = tx.Exec(ctx,
			`INSERT INTO command_queue (command, status, attempts) VALUES ($1, 'pending', $2)`,
			command, attempts,
		)
		if err != nil {
			return fmt.Errorf("clone queue command for retry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return nil
}

// ListPending returns the pending rows in claim order, for diagnostics.
func (r *QueueRepository) ListPending(ctx context.Context, limit int) ([]*models.QueueCommand, error) {
	return r.listByStatus(ctx, QueueStatusPending, "created_at ASC, id ASC", limit)
}

// ListFailed returns the most recent failed rows, for diagnostics.
func (r *QueueRepository) ListFailed(ctx context.Context, limit int) ([]*models.QueueCommand, error) {
	return r.listByStatus(ctx, QueueStatusFailed, "finished_at DESC, id DESC", limit)
}

func (r *QueueRepository) listByStatus(ctx context.Context, status, order string, limit int) ([]*models.QueueCommand, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.sb.
		Select("id", "command", "status", "attempts", "last_error", "worker_id", "claimed_at", "created_at", "finished_at").
		From("command_queue").
		Where(sq.Eq{"status": status}).
		OrderBy(order).
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build queue select: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue rows: %w", err)
	}
	defer rows.Close()

	res := make([]*models.QueueCommand, 0, limit)
	for rows.Next() {
		cmd, err := scanQueueCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		res = append(res, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}

	return res, nil
}

// CountByStatus feeds the queue depth gauges.
func (r *QueueRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM command_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count queue rows: %w", err)
	}
	defer rows.Close()

	res := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			cnt    int64
		)
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		res[status] = cnt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue counts: %w", err)
	}

	return res, nil
}

func scanQueueCommand(row pgx.Row) (*models.QueueCommand, error) {
	var (
		c          models.QueueCommand
		lastError  pgtype.Text
		workerID   pgtype.Text
		claimedAt  pgtype.Timestamptz
		finishedAt pgtype.Timestamptz
	)

	err := row.Scan(
		&c.ID,
		&c.Command,
		&c.Status,
		&c.Attempts,
		&lastError,
		&workerID,
		&claimedAt,
		&c.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		s := lastError.String
		c.LastError = &s
	}
	if workerID.Valid {
		s := workerID.String
		c.WorkerID = &s
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		c.ClaimedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		c.FinishedAt = &t
	}

	return &c, nil
}

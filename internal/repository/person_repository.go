package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"face_sync/internal/models"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PersonRepository reads the externally owned person records together with
// the active face blob, when one is on file.
type PersonRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewPersonRepository(db *pgxpool.Pool) *PersonRepository {
	return &PersonRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *PersonRepository) GetByID(ctx context.Context, personID string) (*models.Person, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return nil, fmt.Errorf("person id is empty")
	}

	q := r.sb.
		Select(
			"p.id",
			"p.first_name",
			"p.last_name",
			"p.start_date",
			"p.end_date",
			"p.enabled",
			"f.image",
		).
		From("persons p").
		LeftJoin("person_faces f ON f.person_id = p.id AND f.active").
		Where(sq.Eq{"p.id": personID}).
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get person sql: %w", err)
	}

	var (
		p         models.Person
		firstName pgtype.Text
		lastName  pgtype.Text
		startDate pgtype.Timestamptz
		endDate   pgtype.Timestamptz
		image     []byte
	)
	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(
		&p.ID,
		&firstName,
		&lastName,
		&startDate,
		&endDate,
		&p.Enabled,
		&image,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get person: %w", err)
	}

	if firstName.Valid {
		p.FirstName = firstName.String
	}
	if lastName.Valid {
		p.LastName = lastName.String
	}
	if startDate.Valid {
		t := startDate.Time
		p.StartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		p.EndDate = &t
	}
	p.FaceImage = image

	return &p, nil
}

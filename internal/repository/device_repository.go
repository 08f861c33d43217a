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

// Default terminal ports when the nullable port columns are not set.
const (
	defaultHTTPPort   = 80
	defaultHTTPSPort  = 443
	defaultRTSPPort   = 554
	defaultServerPort = 8000
)

// DeviceRepository reads the externally owned device configuration table.
// This service never writes to it.
type DeviceRepository struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

func NewDeviceRepository(db *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *DeviceRepository) GetByAddress(ctx context.Context, address string) (*models.DeviceTarget, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("address is empty")
	}

	q := r.sb.
		Select("address", "username", "password", "http_port", "https_port", "rtsp_port", "server_port", "enabled").
		From("devices").
		Where(sq.Eq{"address": address}).
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get device sql: %w", err)
	}

	var (
		d          models.DeviceTarget
		username   pgtype.Text
		httpPort   pgtype.Int4
		httpsPort  pgtype.Int4
		rtspPort   pgtype.Int4
		serverPort pgtype.Int4
	)
	err = r.db.QueryRow(ctx, sqlStr, args...).Scan(
		&d.Address,
		&username,
		&d.Password,
		&httpPort,
		&httpsPort,
		&rtspPort,
		&serverPort,
		&d.Enabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}

	d.Username = "admin"
	if username.Valid && strings.TrimSpace(username.String) != "" {
		d.Username = strings.TrimSpace(username.String)
	}
	d.HTTPPort = portOrDefault(httpPort, defaultHTTPPort)
	d.HTTPSPort = portOrDefault(httpsPort, defaultHTTPSPort)
	d.RTSPPort = portOrDefault(rtspPort, defaultRTSPPort)
	d.ServerPort = portOrDefault(serverPort, defaultServerPort)

	return &d, nil
}

func portOrDefault(v pgtype.Int4, def int) int {
	if v.Valid && v.Int32 > 0 {
		return int(v.Int32)
	}
	return def
}

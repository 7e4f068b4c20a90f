package database

import (
	"context"
	"fmt"
	"time"

	"auxite/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository defines the standard interface for journal operations.
type Repository interface {
	LogActivity(ctx context.Context, rec model.ActivityRecord) error
	Recent(ctx context.Context, address string, limit int) ([]model.ActivityRecord, error)
}

// DefaultRecentLimit is used by Recent when limit is not positive.
const DefaultRecentLimit = 20

const schemaSQL = `
CREATE TABLE IF NOT EXISTS activity_journal (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	address VARCHAR(42) NOT NULL,
	kind VARCHAR(20) NOT NULL,
	asset VARCHAR(32) NOT NULL,
	amount NUMERIC(36, 18) NOT NULL,
	price NUMERIC(36, 18) NOT NULL DEFAULT 0,
	reference VARCHAR(128) NOT NULL DEFAULT '',
	status VARCHAR(32) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS activity_journal_address_ts ON activity_journal (address, timestamp DESC);`

// PostgresRepository journals user activity in PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Migrate creates the journal table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate activity_journal: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// LogActivity inserts one record, filling in ID and Timestamp when unset.
func (r *PostgresRepository) LogActivity(ctx context.Context, rec model.ActivityRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO activity_journal (id, timestamp, address, kind, asset, amount, price, reference, status)
		VALUES ($1::uuid, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)`,
		rec.ID, rec.Timestamp, rec.Address, rec.Kind, rec.Asset,
		rec.Amount.String(), rec.Price.String(), rec.Reference, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("insert %s activity: %w", rec.Kind, err)
	}
	return nil
}

// Recent returns the newest records for address, newest first.
func (r *PostgresRepository) Recent(ctx context.Context, address string, limit int) ([]model.ActivityRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := r.Pool.Query(ctx, `
		SELECT id::text, timestamp, address, kind, asset, amount::text, price::text, reference, status
		FROM activity_journal
		WHERE address = $1
		ORDER BY timestamp DESC
		LIMIT $2`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityRecord
	for rows.Next() {
		var rec model.ActivityRecord
		var amount, price string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Address, &rec.Kind, &rec.Asset, &amount, &price, &rec.Reference, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TradeRecord maps an executed quote to its journal entry.
func TradeRecord(address string, q model.Quote, res model.TradeResult) model.ActivityRecord {
	status := res.Transaction.Status
	if status == "" {
		status = "completed"
	}
	return model.ActivityRecord{
		Address:   address,
		Kind:      model.ActivityTrade,
		Asset:     string(q.Metal) + ":" + string(q.Direction),
		Amount:    q.Grams,
		Price:     q.PricePerGram,
		Reference: res.Transaction.ID,
		Status:    status,
	}
}

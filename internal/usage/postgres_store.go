package usage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/glowdesk/glowdesk/internal/plans"
)

// PostgresStore persists usage counters in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a usage store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_daily (
			tenant_id  TEXT NOT NULL,
			day        DATE NOT NULL,
			operation  TEXT NOT NULL,
			count      INTEGER NOT NULL DEFAULT 0,
			credits    INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, day, operation)
		);
		CREATE INDEX IF NOT EXISTS idx_usage_daily_tenant_day
			ON usage_daily(tenant_id, day DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate usage_daily: %w", err)
	}
	return nil
}

func (s *PostgresStore) Increment(ctx context.Context, tenantID string, day Day, op plans.Operation, credits int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_daily (tenant_id, day, operation, count, credits)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (tenant_id, day, operation) DO UPDATE SET
			count      = usage_daily.count + 1,
			credits    = usage_daily.credits + EXCLUDED.credits,
			updated_at = NOW()
	`, tenantID, string(day), string(op), credits)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) Summary(ctx context.Context, tenantID string, days int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, to_char(day, 'YYYY-MM-DD'), operation, count, credits
		FROM usage_daily
		WHERE tenant_id = $1 AND day > CURRENT_DATE - $2::int
		ORDER BY day DESC, operation ASC
	`, tenantID, days)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var day, op string
		if err := rows.Scan(&e.TenantID, &day, &op, &e.Count, &e.Credits); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		e.Day = Day(day)
		e.Operation = plans.Operation(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

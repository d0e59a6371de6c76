package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/glowdesk/glowdesk/internal/idgen"
	"github.com/glowdesk/glowdesk/internal/pagination"
	"github.com/glowdesk/glowdesk/internal/plans"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	catalog *plans.Catalog
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB, catalog *plans.Catalog) *PostgresStore {
	return &PostgresStore{db: db, catalog: catalog}
}

// Migrate creates the subscription tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_subscriptions (
			tenant_id               TEXT PRIMARY KEY,
			plan                    TEXT NOT NULL,
			status                  TEXT NOT NULL,
			credits_remaining       INTEGER NOT NULL,
			monthly_credits_limit   INTEGER NOT NULL,
			stripe_customer_id      TEXT,
			stripe_subscription_id  TEXT,
			start_date              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			renewal_date            TIMESTAMPTZ,
			cancelled_at            TIMESTAMPTZ,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_credits_floor CHECK (credits_remaining >= -1)
		);

		CREATE INDEX IF NOT EXISTS idx_subs_stripe_customer
			ON tenant_subscriptions(stripe_customer_id);

		CREATE TABLE IF NOT EXISTS credit_events (
			id          VARCHAR(36) PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			type        VARCHAR(20) NOT NULL,
			operation   TEXT,
			amount      INTEGER NOT NULL,
			remaining   INTEGER NOT NULL,
			detail      TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_credit_events_tenant
			ON credit_events(tenant_id, created_at DESC);
	`)
	return err
}

const recordColumns = `
	tenant_id, plan, status, credits_remaining, monthly_credits_limit,
	stripe_customer_id, stripe_subscription_id,
	start_date, renewal_date, cancelled_at, updated_at`

func (p *PostgresStore) GetOrCreate(ctx context.Context, tenantID string) (*Record, error) {
	r, err := p.Get(ctx, tenantID)
	if err == nil {
		return r, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	free, err := p.catalog.Get(plans.PlanFree)
	if err != nil {
		return nil, err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenant_subscriptions
			(tenant_id, plan, status, credits_remaining, monthly_credits_limit)
		VALUES ($1, $2, $3, $4, $4)
	`, tenantID, string(plans.PlanFree), string(StatusActive), free.CreditAllowance)
	if err != nil {
		// Unique violation means a concurrent first access won the insert;
		// someone else created it, reread.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return p.Get(ctx, tenantID)
		}
		return nil, fmt.Errorf("insert default subscription: %w", err)
	}

	return p.Get(ctx, tenantID)
}

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM tenant_subscriptions WHERE tenant_id = $1
	`, tenantID)
	return scanRecord(row)
}

func (p *PostgresStore) FindByStripeCustomer(ctx context.Context, customerID string) (*Record, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM tenant_subscriptions WHERE stripe_customer_id = $1
	`, customerID)
	return scanRecord(row)
}

// ApplyDebit expresses the guard and the decrement as one conditional
// UPDATE so concurrent debits for the same tenant cannot both succeed on
// a single amount's worth of balance. The unlimited sentinel passes the
// guard and is left untouched by the CASE arm.
func (p *PostgresStore) ApplyDebit(ctx context.Context, tenantID string, amount int) (int, error) {
	var remaining int
	err := p.db.QueryRowContext(ctx, `
		UPDATE tenant_subscriptions SET
			credits_remaining = CASE
				WHEN credits_remaining = -1 THEN -1
				ELSE credits_remaining - $2
			END,
			updated_at = NOW()
		WHERE tenant_id = $1
		  AND (credits_remaining = -1 OR credits_remaining >= $2)
		RETURNING credits_remaining
	`, tenantID, amount).Scan(&remaining)

	if err == sql.ErrNoRows {
		// Guard rejected the update: either no row, or not enough balance.
		r, getErr := p.Get(ctx, tenantID)
		if getErr != nil {
			return 0, getErr
		}
		return r.CreditsRemaining, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("apply debit: %w", err)
	}
	return remaining, nil
}

func (p *PostgresStore) ApplyPlanChange(ctx context.Context, tenantID string, change PlanChange) error {
	// Upsert: webhook handlers create prerequisite state lazily, so a grant
	// may arrive before the tenant's first authenticated access.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_subscriptions
			(tenant_id, plan, status, credits_remaining, monthly_credits_limit,
			 stripe_customer_id, stripe_subscription_id, renewal_date)
		VALUES ($1, $2, $3, $4, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan                   = EXCLUDED.plan,
			status                 = EXCLUDED.status,
			credits_remaining      = EXCLUDED.credits_remaining,
			monthly_credits_limit  = EXCLUDED.monthly_credits_limit,
			stripe_customer_id     = COALESCE(EXCLUDED.stripe_customer_id, tenant_subscriptions.stripe_customer_id),
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, tenant_subscriptions.stripe_subscription_id),
			renewal_date           = EXCLUDED.renewal_date,
			cancelled_at           = NULL,
			updated_at             = NOW()
	`, tenantID, string(change.Plan), string(StatusActive), change.Allowance,
		change.StripeCustomerID, change.StripeSubscriptionID, nullTime(change.RenewalDate))
	if err != nil {
		return fmt.Errorf("apply plan change: %w", err)
	}
	return nil
}

// ApplyRenewal resets the balance to the monthly limit exactly. Resetting
// to an absolute value (rather than incrementing) is what makes duplicate
// payment-succeeded deliveries harmless.
func (p *PostgresStore) ApplyRenewal(ctx context.Context, tenantID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenant_subscriptions SET
			credits_remaining = monthly_credits_limit,
			status            = $2,
			updated_at        = NOW()
		WHERE tenant_id = $1
	`, tenantID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("apply renewal: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) ApplyStatus(ctx context.Context, tenantID string, status Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenant_subscriptions SET status = $2, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, string(status))
	if err != nil {
		return fmt.Errorf("apply status: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) ApplyCancellation(ctx context.Context, tenantID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenant_subscriptions SET
			status       = $2,
			cancelled_at = NOW(),
			updated_at   = NOW()
		WHERE tenant_id = $1
	`, tenantID, string(StatusCancelled))
	if err != nil {
		return fmt.Errorf("apply cancellation: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) SetStripeCustomer(ctx context.Context, tenantID, customerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenant_subscriptions SET stripe_customer_id = $2, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) RecordEvent(ctx context.Context, ev *CreditEvent) error {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("cev_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_events (id, tenant_id, type, operation, amount, remaining, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.TenantID, string(ev.Type), ev.Operation, ev.Amount, ev.Remaining, ev.Detail)
	if err != nil {
		return fmt.Errorf("record credit event: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, tenantID string, limit int, cursor *pagination.Cursor) ([]*CreditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, tenant_id, type, operation, amount, remaining, detail, created_at
			FROM credit_events
			WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, tenantID, limit)
	} else {
		// Keyset pagination on (created_at, id) to keep deep pages cheap.
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, tenant_id, type, operation, amount, remaining, detail, created_at
			FROM credit_events
			WHERE tenant_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, tenantID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*CreditEvent
	for rows.Next() {
		ev := &CreditEvent{}
		var typ string
		var operation, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TenantID, &typ, &operation, &ev.Amount,
			&ev.Remaining, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		ev.Operation = operation.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// rowScanner lets scanRecord work with both QueryRow and Query rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var (
		plan, status             string
		custID, subID            sql.NullString
		renewalDate, cancelledAt sql.NullTime
	)
	err := row.Scan(&r.TenantID, &plan, &status, &r.CreditsRemaining,
		&r.MonthlyCreditsLimit, &custID, &subID,
		&r.StartDate, &renewalDate, &cancelledAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Plan = plans.Plan(plan)
	r.Status = Status(status)
	r.StripeCustomerID = custID.String
	r.StripeSubscriptionID = subID.String
	if renewalDate.Valid {
		r.RenewalDate = renewalDate.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = cancelledAt.Time
	}
	return r, nil
}

func requireRow(res sql.Result) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

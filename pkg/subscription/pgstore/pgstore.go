// Package pgstore persists subscriptions and reads the plan catalog from PostgreSQL.
// The schema ships as embedded goose migrations, applied with pg.Migrate.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/memberbridge/pkg/pg"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Migrations holds the schema; pass it to pg.Migrate with MigrationsDir.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

const activePairIndex = "subscriptions_active_member_plan_key"

var (
	_ subscription.Store       = (*Store)(nil)
	_ subscription.PlanCatalog = (*Store)(nil)
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements subscription.Store and subscription.PlanCatalog.
type Store struct {
	db DB
}

// New creates a Store.
func New(db DB) *Store {
	if db == nil {
		panic("pgstore: DB is required")
	}
	return &Store{db: db}
}

const subscriptionColumns = `subscription_id, plan_id, member_id, member_email, payer_email,
	entitlement_id, finished, finish_date, deleted, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.SubscriptionID, &sub.PlanID, &sub.MemberID, &sub.MemberEmail, &sub.PayerEmail,
		&sub.EntitlementID, &sub.Finished, &sub.FinishDate, &sub.Deleted, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if sub.FinishDate != nil {
		t := sub.FinishDate.UTC()
		sub.FinishDate = &t
	}
	return &sub, nil
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, errors.Join(subscription.ErrStorage, err)
	}
	return sub, nil
}

func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	return s.findOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1`,
		subscriptionID)
}

func (s *Store) FindActive(ctx context.Context, memberEmail, planID string) (*subscription.Subscription, error) {
	return s.findOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE member_email = $1 AND plan_id = $2 AND NOT finished`,
		subscription.NormalizeEmail(memberEmail), planID)
}

func (s *Store) FindActiveByMember(ctx context.Context, memberID string) (*subscription.Subscription, error) {
	return s.findOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE member_id = $1 AND NOT finished
		ORDER BY created_at DESC LIMIT 1`,
		memberID)
}

func (s *Store) Insert(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions (subscription_id, plan_id, member_id, member_email, payer_email,
			entitlement_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.SubscriptionID, sub.PlanID, sub.MemberID, subscription.NormalizeEmail(sub.MemberEmail), sub.PayerEmail,
		sub.EntitlementID, sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if constraint, dup := pg.DuplicateKeyConstraint(err); dup {
		if constraint == activePairIndex {
			return subscription.ErrSubscriptionAlreadyActive
		}
		return subscription.ErrSubscriptionExists
	}
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}
	return nil
}

func (s *Store) MarkFinished(ctx context.Context, subscriptionID string, finishDate *time.Time, now time.Time) (bool, error) {
	var finish *time.Time
	if finishDate != nil {
		t := finishDate.UTC()
		finish = &t
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET finished = TRUE, finish_date = $2, updated_at = $3
		WHERE subscription_id = $1 AND NOT finished`,
		subscriptionID, finish, now.UTC())
	return s.transitioned(ctx, subscriptionID, tag, err)
}

func (s *Store) MarkDeleted(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET deleted = TRUE, updated_at = $2
		WHERE subscription_id = $1 AND finished AND NOT deleted`,
		subscriptionID, now.UTC())
	return s.transitioned(ctx, subscriptionID, tag, err)
}

func (s *Store) transitioned(ctx context.Context, subscriptionID string, tag pgconn.CommandTag, err error) (bool, error) {
	if err != nil {
		return false, errors.Join(subscription.ErrStorage, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE subscription_id = $1)`,
		subscriptionID,
	).Scan(&exists); err != nil {
		return false, errors.Join(subscription.ErrStorage, err)
	}
	if !exists {
		return false, subscription.ErrSubscriptionNotFound
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, subscriptionID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM subscriptions WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]subscription.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE finished AND NOT deleted AND (finish_date IS NULL OR finish_date <= $1)
		ORDER BY subscription_id COLLATE "C"`,
		now.UTC())
	if err != nil {
		return nil, errors.Join(subscription.ErrStorage, err)
	}

	expired, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (subscription.Subscription, error) {
		sub, err := scanSubscription(row)
		if err != nil {
			return subscription.Subscription{}, err
		}
		return *sub, nil
	})
	if err != nil {
		return nil, errors.Join(subscription.ErrStorage, err)
	}
	return expired, nil
}

// Plan implements subscription.PlanCatalog.
func (s *Store) Plan(ctx context.Context, planID string) (*subscription.Plan, error) {
	var (
		plan      subscription.Plan
		salePrice *int64
		interval  string
	)
	err := s.db.QueryRow(ctx,
		`SELECT plan_id, product_id, name, price_amount, sale_price_amount, currency, billing_interval, entitlement_id
		FROM plans WHERE plan_id = $1`,
		planID,
	).Scan(&plan.PlanID, &plan.ProductID, &plan.Name, &plan.Price.Amount, &salePrice,
		&plan.Price.Currency, &interval, &plan.EntitlementID)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, subscription.ErrPlanNotFound
		}
		return nil, errors.Join(subscription.ErrStorage, err)
	}

	plan.Interval = subscription.BillingInterval(interval)
	if salePrice != nil {
		plan.SalePrice = &subscription.Money{Amount: *salePrice, Currency: plan.Price.Currency}
	}
	return &plan, nil
}

// SavePlan upserts a catalog entry. Used for seeding.
func (s *Store) SavePlan(ctx context.Context, plan subscription.Plan) error {
	if err := subscription.ValidatePlans(plan); err != nil {
		return err
	}
	var salePrice *int64
	if plan.SalePrice != nil {
		salePrice = &plan.SalePrice.Amount
	}
	currency := plan.Price.Currency
	if currency == "" {
		currency = "USD"
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO plans (plan_id, product_id, name, price_amount, sale_price_amount, currency, billing_interval, entitlement_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plan_id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			name = EXCLUDED.name,
			price_amount = EXCLUDED.price_amount,
			sale_price_amount = EXCLUDED.sale_price_amount,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			entitlement_id = EXCLUDED.entitlement_id`,
		plan.PlanID, plan.ProductID, plan.Name, plan.Price.Amount, salePrice,
		currency, string(plan.Interval), plan.EntitlementID,
	)
	if err != nil {
		return errors.Join(subscription.ErrStorage, err)
	}
	return nil
}

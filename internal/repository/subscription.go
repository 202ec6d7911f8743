package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/templui/downloadgroups/internal/model"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// SubscriptionRepository reads tenant plans owned by billing.
type SubscriptionRepository interface {
	ByTenantID(ctx context.Context, tenantID string) (*model.Subscription, error)
	Upsert(ctx context.Context, sub *model.Subscription) error
}

type subscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) ByTenantID(ctx context.Context, tenantID string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	query := `SELECT * FROM subscriptions WHERE tenant_id = $1`

	err := r.db.GetContext(ctx, sub, query, tenantID)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// Upsert is used by seeding and tests; billing owns this table in production.
func (r *subscriptionRepository) Upsert(ctx context.Context, sub *model.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, tenant_id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE
		SET plan_id = excluded.plan_id,
		    status = excluded.status,
		    updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.TenantID,
		sub.PlanID,
		sub.Status,
		sub.CreatedAt,
		sub.UpdatedAt,
	)

	return err
}

package model

import (
	"time"
)

// Subscription is the billing collaborator's view of a tenant plan.
type Subscription struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	PlanID    string    `db:"plan_id"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	SubscriptionPlanFree       = "free"
	SubscriptionPlanPro        = "pro"
	SubscriptionPlanEnterprise = "enterprise"
)

func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// EffectivePlan returns the plan whose retention rules apply.
// Inactive subscriptions fall back to the free tier.
func (s *Subscription) EffectivePlan() string {
	if s == nil || !s.IsActive() {
		return SubscriptionPlanFree
	}
	return s.PlanID
}

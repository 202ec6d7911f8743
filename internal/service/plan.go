package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/repository"
)

var planCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "downloads_plan_cache_lookups_total",
	Help: "Tenant plan lookups, by cache result.",
}, []string{"result"})

// PlanService resolves the plan tier whose retention rules apply to a tenant.
type PlanService struct {
	repo  repository.SubscriptionRepository
	cache *expirable.LRU[string, string]
}

func NewPlanService(repo repository.SubscriptionRepository, ttl time.Duration) *PlanService {
	return &PlanService{
		repo:  repo,
		cache: expirable.NewLRU[string, string](1024, nil, ttl),
	}
}

// PlanFor returns the effective plan. Tenants without a subscription, or
// with an inactive one, are on the free tier.
func (s *PlanService) PlanFor(ctx context.Context, tenantID string) (string, error) {
	if plan, ok := s.cache.Get(tenantID); ok {
		planCacheLookups.WithLabelValues("hit").Inc()
		return plan, nil
	}
	planCacheLookups.WithLabelValues("miss").Inc()

	sub, err := s.repo.ByTenantID(ctx, tenantID)
	if err != nil && !errors.Is(err, repository.ErrSubscriptionNotFound) {
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}

	plan := sub.EffectivePlan()
	s.cache.Add(tenantID, plan)
	return plan, nil
}

// Forget drops the cached plan, used after a plan change.
func (s *PlanService) Forget(tenantID string) {
	s.cache.Remove(tenantID)
}

// Upsert records a tenant's subscription and refreshes the cache.
func (s *PlanService) Upsert(ctx context.Context, tenantID, planID, status string) error {
	now := time.Now().UTC()
	sub := &model.Subscription{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		PlanID:    planID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.Upsert(ctx, sub)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	s.Forget(tenantID)
	return nil
}

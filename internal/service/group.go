package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
)

const (
	JobArchiveBuild = "archive.build"
	JobObjectDelete = "object.delete"
	JobCleanupSweep = "cleanup.sweep"
)

type BuildPayload struct {
	GroupID  string `json:"group_id"`
	TenantID string `json:"tenant_id"`
}

type ObjectDeletePayload struct {
	GroupID string `json:"group_id"`
	Key     string `json:"key"`
}

// Enqueuer hands work to the background queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}

var sourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

type CreateGroupInput struct {
	TenantID     string
	CreatedBy    *string // nil for system-initiated groups
	Kind         model.GroupKind
	Source       string
	AccessMode   model.AccessMode
	AllowReshare bool
}

// GroupService owns download groups and their asset links.
type GroupService struct {
	repo     repository.GroupRepository
	resolver *AssetResolver
	plans    *PlanService
	policy   *policy.Table
	events   *events.Emitter
	jobs     Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func NewGroupService(
	repo repository.GroupRepository,
	resolver *AssetResolver,
	plans *PlanService,
	table *policy.Table,
	emitter *events.Emitter,
	jobs Enqueuer,
	logger *slog.Logger,
) *GroupService {
	return &GroupService{
		repo:     repo,
		resolver: resolver,
		plans:    plans,
		policy:   table,
		events:   emitter,
		jobs:     jobs,
		logger:   logger.With(slog.String("component", "groups")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *GroupService) Create(ctx context.Context, in CreateGroupInput) (*model.Group, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
	}
	if in.AccessMode == "" {
		in.AccessMode = model.AccessModeTeam
	}
	if !in.AccessMode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccessMode, in.AccessMode)
	}
	if !sourcePattern.MatchString(in.Source) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, in.Source)
	}

	plan, err := s.plans.PlanFor(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt, graceDays, err := s.policy.ComputeExpiry(plan, in.Kind, now)
	if err != nil {
		s.logger.Error("no retention rule for tenant plan", "tenant_id", in.TenantID, "plan", plan, "kind", in.Kind, "error", err)
		return nil, fmt.Errorf("failed to compute expiry: %w", err)
	}

	group := &model.Group{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		Slug:          shortuuid.New(),
		Kind:          in.Kind,
		Source:        in.Source,
		Status:        model.GroupStatusPending,
		ArchiveStatus: model.ArchiveStatusNone,
		Version:       1,
		AccessMode:    in.AccessMode,
		AllowReshare:  in.AllowReshare,
		CreatedBy:     in.CreatedBy,
		ExpiresAt:     expiresAt,
		HardDeleteAt:  policy.ComputeHardDelete(expiresAt, graceDays),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.repo.Create(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	s.events.Emit(events.New(events.GroupCreated, group.ID, group.TenantID, map[string]any{
		"kind":   group.Kind,
		"source": group.Source,
		"plan":   plan,
	}))
	s.logger.Info("group created", "group_id", group.ID, "tenant_id", group.TenantID, "kind", group.Kind, "plan", plan)

	return group, nil
}

func (s *GroupService) Get(ctx context.Context, tenantID, groupID string) (*model.Group, error) {
	group, err := s.repo.ByID(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if err := checkOwner(group, tenantID); err != nil {
		return nil, err
	}
	return group, nil
}

func (s *GroupService) GetBySlug(ctx context.Context, tenantID, slug string) (*model.Group, error) {
	group, err := s.repo.BySlug(ctx, tenantID, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return group, nil
}

// List returns the tenant's groups, soft-deleted ones excluded.
func (s *GroupService) List(ctx context.Context, tenantID string) ([]*model.Group, error) {
	groups, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// Links returns the group's links, primary first, then in attach order.
func (s *GroupService) Links(ctx context.Context, tenantID, groupID string) ([]*model.AssetLink, error) {
	if _, err := s.Get(ctx, tenantID, groupID); err != nil {
		return nil, err
	}
	links, err := s.repo.Links(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get links: %w", err)
	}
	return links, nil
}

// AttachAssets links assets to a group. Already linked assets are ignored.
// Changing a living group with a ready archive invalidates the archive in
// the same transaction.
func (s *GroupService) AttachAssets(ctx context.Context, tenantID, groupID string, assetIDs []string) (*model.Group, error) {
	assetIDs = uniqueIDs(assetIDs)
	if len(assetIDs) == 0 {
		return s.Get(ctx, tenantID, groupID)
	}

	// Resolve outside the transaction, it reads another table.
	assets, err := s.resolver.ResolveAll(ctx, tenantID, assetIDs)
	if err != nil {
		return nil, err
	}

	var group *model.Group
	var invalidated bool
	err = s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if err := checkLinksMutable(g, tenantID); err != nil {
			return err
		}

		count, err := repo.CountLinks(ctx, g.ID)
		if err != nil {
			return err
		}

		added := 0
		for _, asset := range assets {
			ok, err := repo.AddLink(ctx, &model.AssetLink{
				GroupID:   g.ID,
				AssetID:   asset.ID,
				IsPrimary: count+added == 0,
				CreatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("failed to add link: %w", err)
			}
			if ok {
				added++
			}
		}

		if added > 0 && g.Kind == model.GroupKindLiving {
			invalidated, err = repo.InvalidateArchive(ctx, g.ID, now)
			if err != nil {
				return fmt.Errorf("failed to invalidate archive: %w", err)
			}
		}

		group, err = repo.ByID(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if invalidated {
		s.emitInvalidated(group, "assets_attached")
	}
	return group, nil
}

// DetachAssets unlinks assets from a group. Unlinked ids are ignored. When
// the primary asset is removed the earliest remaining link becomes primary.
func (s *GroupService) DetachAssets(ctx context.Context, tenantID, groupID string, assetIDs []string) (*model.Group, error) {
	assetIDs = uniqueIDs(assetIDs)

	var group *model.Group
	var invalidated bool
	err := s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if err := checkLinksMutable(g, tenantID); err != nil {
			return err
		}

		removed := 0
		for _, id := range assetIDs {
			ok, err := repo.RemoveLink(ctx, g.ID, id)
			if err != nil {
				return fmt.Errorf("failed to remove link: %w", err)
			}
			if ok {
				removed++
			}
		}

		if removed > 0 {
			links, err := repo.Links(ctx, g.ID)
			if err != nil {
				return err
			}
			if len(links) > 0 && !links[0].IsPrimary {
				err = repo.SetPrimary(ctx, g.ID, links[0].AssetID)
				if err != nil {
					return fmt.Errorf("failed to move primary: %w", err)
				}
			}

			if g.Kind == model.GroupKindLiving {
				invalidated, err = repo.InvalidateArchive(ctx, g.ID, now)
				if err != nil {
					return fmt.Errorf("failed to invalidate archive: %w", err)
				}
			}
		}

		group, err = repo.ByID(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if invalidated {
		s.emitInvalidated(group, "assets_detached")
	}
	return group, nil
}

// SetPrimary moves the primary flag to a linked asset.
func (s *GroupService) SetPrimary(ctx context.Context, tenantID, groupID, assetID string) error {
	return s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		g, err := repo.Lock(ctx, groupID, s.now())
		if err != nil {
			return err
		}
		if err := checkLinksMutable(g, tenantID); err != nil {
			return err
		}

		links, err := repo.Links(ctx, g.ID)
		if err != nil {
			return err
		}
		for _, link := range links {
			if link.AssetID == assetID {
				return repo.SetPrimary(ctx, g.ID, assetID)
			}
		}
		return fmt.Errorf("%w: %s", ErrAssetNotLinked, assetID)
	})
}

// MarkReady moves a pending group with at least one asset to ready.
// Calling it on a ready group is a no-op.
func (s *GroupService) MarkReady(ctx context.Context, tenantID, groupID string) (*model.Group, error) {
	var group *model.Group
	var transitioned bool
	err := s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if err := checkOwner(g, tenantID); err != nil {
			return err
		}
		if g.IsSoftDeleted() {
			return ErrGroupDeleted
		}

		switch g.Status {
		case model.GroupStatusReady:
			group = g
			return nil
		case model.GroupStatusPending:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, model.GroupStatusReady)
		}

		transitioned, err = repo.MarkReady(ctx, g.ID, now)
		if err != nil {
			return fmt.Errorf("failed to mark ready: %w", err)
		}
		if !transitioned {
			return ErrNoAssets
		}

		group, err = repo.ByID(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.events.Emit(events.New(events.GroupReady, group.ID, group.TenantID, map[string]any{
			"kind": group.Kind,
		}))
		s.logger.Info("group ready", "group_id", group.ID, "tenant_id", group.TenantID)
	}
	return group, nil
}

// SoftDelete hides the group. Groups without an expiry get a fallback hard
// delete date so they are eventually destroyed.
func (s *GroupService) SoftDelete(ctx context.Context, tenantID, groupID string) (*model.Group, error) {
	var group *model.Group
	var deleted bool
	err := s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if err := checkOwner(g, tenantID); err != nil {
			return err
		}
		if g.IsSoftDeleted() {
			group = g
			return nil
		}

		hardDeleteAt := g.HardDeleteAt
		if g.ExpiresAt == nil {
			fallback := s.policy.FallbackHardDelete(now)
			hardDeleteAt = &fallback
		}

		deleted, err = repo.SoftDelete(ctx, g.ID, now, hardDeleteAt)
		if err != nil {
			return fmt.Errorf("failed to soft delete group: %w", err)
		}

		group, err = repo.ByID(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if deleted {
		s.events.Emit(events.New(events.GroupSoftDeleted, group.ID, group.TenantID, map[string]any{
			"hard_delete_at": group.HardDeleteAt,
		}))
		s.logger.Info("group soft deleted", "group_id", group.ID, "tenant_id", group.TenantID, "hard_delete_at", group.HardDeleteAt)
	}
	return group, nil
}

// Restore reverses a soft delete until the group is due for hard deletion.
func (s *GroupService) Restore(ctx context.Context, tenantID, groupID string) (*model.Group, error) {
	var group *model.Group
	err := s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if err := checkOwner(g, tenantID); err != nil {
			return err
		}
		if !g.IsSoftDeleted() {
			group = g
			return nil
		}
		if policy.ShouldHardDelete(g, now) {
			return ErrGroupDeleted
		}

		// Only expiring groups keep a hard delete date once restored.
		var hardDeleteAt *time.Time
		if g.ExpiresAt != nil {
			hardDeleteAt = g.HardDeleteAt
		}

		_, err = repo.Restore(ctx, g.ID, hardDeleteAt, now)
		if err != nil {
			return fmt.Errorf("failed to restore group: %w", err)
		}

		group, err = repo.ByID(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ExtendExpiry moves expires_at later and recomputes hard_delete_at from
// the tenant's current grace period.
func (s *GroupService) ExtendExpiry(ctx context.Context, tenantID, groupID string, expiresAt time.Time) (*model.Group, error) {
	current, err := s.Get(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	plan, err := s.plans.PlanFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cell, err := s.policy.Cell(plan, current.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to get retention rule: %w", err)
	}

	expiresAt = expiresAt.UTC()
	var group *model.Group
	err = s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if g.IsSoftDeleted() {
			return ErrGroupDeleted
		}
		if g.ExpiresAt == nil || !expiresAt.After(*g.ExpiresAt) || !expiresAt.After(now) {
			return ErrInvalidExpiry
		}

		hardDeleteAt := policy.ComputeHardDelete(&expiresAt, cell.GraceDays)
		err = repo.UpdateRetention(ctx, g.ID, &expiresAt, hardDeleteAt, now)
		if err != nil {
			return fmt.Errorf("failed to update retention: %w", err)
		}

		group, err = repo.ByID(ctx, g.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("group expiry extended", "group_id", group.ID, "expires_at", group.ExpiresAt, "hard_delete_at", group.HardDeleteAt)
	return group, nil
}

// RequestArchive enqueues an archive build. A failed archive is reset first
// so it can be retried by hand. Returns false when nothing needs building.
func (s *GroupService) RequestArchive(ctx context.Context, tenantID, groupID string) (bool, error) {
	group, queue, err := s.PrepareArchive(ctx, tenantID, groupID)
	if err != nil || !queue {
		return false, err
	}

	err = s.enqueueBuild(ctx, group)
	if err != nil {
		return false, err
	}
	return true, nil
}

// PrepareArchive checks that the group may be built and resets a failed
// archive. It reports whether a build is needed without scheduling one.
func (s *GroupService) PrepareArchive(ctx context.Context, tenantID, groupID string) (*model.Group, bool, error) {
	var group *model.Group
	var queue bool
	err := s.repo.InTx(ctx, func(repo repository.GroupRepository) error {
		now := s.now()
		g, err := repo.Lock(ctx, groupID, now)
		if err != nil {
			return err
		}
		if err := checkOwner(g, tenantID); err != nil {
			return err
		}
		if g.IsSoftDeleted() {
			return ErrGroupDeleted
		}
		if g.Kind == model.GroupKindSnapshot && g.ArchiveStatus == model.ArchiveStatusReady {
			return ErrArchiveImmutable
		}
		if !policy.CanRebuildArchive(g) {
			return fmt.Errorf("%w: group is %s", ErrInvalidTransition, g.Status)
		}
		if g.Status != model.GroupStatusReady {
			return fmt.Errorf("%w: group is %s", ErrInvalidTransition, g.Status)
		}

		switch g.ArchiveStatus {
		case model.ArchiveStatusNone, model.ArchiveStatusInvalidated:
			queue = true
		case model.ArchiveStatusFailed:
			queue, err = repo.ResetFailedArchive(ctx, g.ID, now)
			if err != nil {
				return fmt.Errorf("failed to reset archive: %w", err)
			}
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return group, queue, nil
}

func (s *GroupService) enqueueBuild(ctx context.Context, g *model.Group) error {
	jobID, err := s.jobs.Enqueue(ctx, JobArchiveBuild, BuildPayload{GroupID: g.ID, TenantID: g.TenantID})
	if err != nil {
		return fmt.Errorf("failed to enqueue archive build: %w", err)
	}
	s.logger.Info("archive build requested", "group_id", g.ID, "job_id", jobID)
	return nil
}

func (s *GroupService) emitInvalidated(g *model.Group, reason string) {
	s.events.Emit(events.New(events.ArchiveInvalidated, g.ID, g.TenantID, map[string]any{
		"reason":  reason,
		"version": g.Version,
	}))
	s.logger.Info("archive invalidated", "group_id", g.ID, "reason", reason, "version", g.Version)
}

func checkOwner(g *model.Group, tenantID string) error {
	if g.TenantID != tenantID {
		return ErrCrossTenant
	}
	return nil
}

func checkLinksMutable(g *model.Group, tenantID string) error {
	if err := checkOwner(g, tenantID); err != nil {
		return err
	}
	if g.IsSoftDeleted() {
		return ErrGroupDeleted
	}
	if policy.LinksLocked(g) {
		return ErrImmutableGroup
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// IsNotFound reports whether err means the group does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repository.ErrGroupNotFound)
}

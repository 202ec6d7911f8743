package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/jobs"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/storage"
)

var (
	cleanupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_cleanup_runs_total",
		Help: "Completed cleanup sweeps.",
	})
	cleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_cleanup_groups_deleted_total",
		Help: "Groups hard deleted by the cleanup sweep.",
	})
	cleanupErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_cleanup_errors_total",
		Help: "Groups the cleanup sweep failed to delete.",
	})
)

type CleanupResult struct {
	Scanned  int
	Deleted  int
	Errors   int
	Duration time.Duration
}

// CleanupService destroys groups whose hard delete date has passed.
type CleanupService struct {
	repo      repository.GroupRepository
	storage   storage.Storage
	events    *events.Emitter
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	// one sweep at a time per process
	mu sync.Mutex
}

func NewCleanupService(
	repo repository.GroupRepository,
	store storage.Storage,
	emitter *events.Emitter,
	batchSize int,
	logger *slog.Logger,
) *CleanupService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &CleanupService{
		repo:      repo,
		storage:   store,
		events:    emitter,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "cleanup")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register wires the sweep job and schedules it on interval.
func (s *CleanupService) Register(q *jobs.Queue, interval time.Duration) {
	q.Handle(JobCleanupSweep, s.HandleSweep)
	q.Schedule(JobCleanupSweep, interval)
}

func (s *CleanupService) HandleSweep(ctx context.Context, job *jobs.Job) error {
	_, err := s.RunOnce(ctx)
	return err
}

// RunOnce pages through due groups by id. A group that fails to delete is
// counted and skipped, it never stalls the pages after it.
func (s *CleanupService) RunOnce(ctx context.Context) (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	var result CleanupResult

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		groups, err := s.repo.DueForHardDelete(ctx, now, afterID, s.batchSize)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("failed to list groups due for deletion: %w", err)
		}
		if len(groups) == 0 {
			break
		}

		for _, g := range groups {
			result.Scanned++
			deleted, err := s.destroy(ctx, g, now)
			if err != nil {
				result.Errors++
				cleanupErrorsTotal.Inc()
				s.logger.Error("failed to hard delete group", "group_id", g.ID, "tenant_id", g.TenantID, "error", err)
				continue
			}
			if deleted {
				result.Deleted++
				cleanupDeletedTotal.Inc()
			}
		}
		afterID = groups[len(groups)-1].ID

		if len(groups) < s.batchSize {
			break
		}
	}

	result.Duration = time.Since(start)
	cleanupRunsTotal.Inc()
	s.logger.Info("cleanup sweep finished",
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"errors", result.Errors,
		"duration", result.Duration,
	)
	return result, nil
}

func (s *CleanupService) destroy(ctx context.Context, g *model.Group, now time.Time) (bool, error) {
	if !policy.ShouldHardDelete(g, now) {
		return false, nil
	}

	// The record is removed even when the object store refuses the delete.
	if g.ArchiveKey != nil {
		err := s.storage.Delete(ctx, *g.ArchiveKey)
		if err != nil {
			s.logger.Warn("failed to delete archive object", "group_id", g.ID, "key", *g.ArchiveKey, "error", err)
		}
	}

	err := s.repo.HardDelete(ctx, g.ID)
	if errors.Is(err, repository.ErrGroupNotFound) {
		// Another instance got there first.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.events.Emit(events.New(events.GroupHardDeleted, g.ID, g.TenantID, map[string]any{
		"had_archive": g.ArchiveKey != nil,
	}))
	return true, nil
}

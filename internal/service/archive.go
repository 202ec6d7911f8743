package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/templui/downloadgroups/internal/archive"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/jobs"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/storage"
)

// Failure categories reported with archive.build_failed.
const (
	FailureEmpty            = "empty"
	FailureDestinationWrite = "destination_write"
	FailureRetriesExhausted = "retries_exhausted"
)

var (
	archiveBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "downloads_archive_builds_total",
		Help: "Archive build attempts, by result.",
	}, []string{"result"})
	archiveBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "downloads_archive_build_duration_seconds",
		Help:    "Wall time of archive builds that reached the object store.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	archiveBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_archive_bytes_total",
		Help: "Bytes written to completed archives.",
	})
	archiveAssetsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "downloads_archive_assets_skipped_total",
		Help: "Linked assets left out of an archive because they could not be read.",
	})
)

// destinationError marks a failure writing the archive object.
type destinationError struct {
	err error
}

func (e *destinationError) Error() string { return "destination write failed: " + e.err.Error() }
func (e *destinationError) Unwrap() error { return e.err }

// ArchiveService builds group archives in the background.
type ArchiveService struct {
	repo     repository.GroupRepository
	resolver *AssetResolver
	storage  storage.Storage
	events   *events.Emitter
	jobs     Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func NewArchiveService(
	repo repository.GroupRepository,
	resolver *AssetResolver,
	store storage.Storage,
	emitter *events.Emitter,
	jobs Enqueuer,
	logger *slog.Logger,
) *ArchiveService {
	return &ArchiveService{
		repo:     repo,
		resolver: resolver,
		storage:  store,
		events:   emitter,
		jobs:     jobs,
		logger:   logger.With(slog.String("component", "archive")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register wires the archive job handlers into the queue.
func (s *ArchiveService) Register(q *jobs.Queue) {
	q.Handle(JobArchiveBuild, s.HandleBuild)
	q.OnExhausted(JobArchiveBuild, s.HandleBuildExhausted)
	q.Handle(JobObjectDelete, s.HandleObjectDelete)
}

func (s *ArchiveService) HandleBuild(ctx context.Context, job *jobs.Job) error {
	var p BuildPayload
	if err := job.Decode(&p); err != nil {
		return jobs.Permanent(err)
	}
	return s.Build(ctx, p.GroupID)
}

// HandleBuildExhausted marks the archive failed once the retry budget is spent.
func (s *ArchiveService) HandleBuildExhausted(ctx context.Context, job *jobs.Job, cause error) {
	if jobs.IsPermanent(cause) {
		// Build already recorded the failure.
		return
	}
	var p BuildPayload
	if err := job.Decode(&p); err != nil {
		return
	}
	group, err := s.repo.ByID(ctx, p.GroupID)
	if err != nil {
		s.logger.Error("failed to load group after exhausted build", "group_id", p.GroupID, "error", err)
		return
	}
	s.fail(ctx, group, FailureRetriesExhausted, cause)
}

func (s *ArchiveService) HandleObjectDelete(ctx context.Context, job *jobs.Job) error {
	var p ObjectDeletePayload
	if err := job.Decode(&p); err != nil {
		return jobs.Permanent(err)
	}
	err := s.storage.Delete(ctx, p.Key)
	if err != nil {
		return fmt.Errorf("failed to delete stale archive: %w", err)
	}
	s.logger.Info("stale archive deleted", "group_id", p.GroupID, "key", p.Key)
	return nil
}

// Build streams the group's assets into a new archive object.
//
// Groups that are no longer eligible, or that another worker claimed first,
// are skipped without error. Transient failures release the claim and
// return an error so the queue retries. A rejected destination write fails
// the archive and returns a permanent error.
func (s *ArchiveService) Build(ctx context.Context, groupID string) error {
	group, err := s.repo.ByID(ctx, groupID)
	if errors.Is(err, repository.ErrGroupNotFound) {
		s.logger.Debug("build skipped, group is gone", "group_id", groupID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load group: %w", err)
	}

	prior := group.ArchiveStatus
	if !buildable(group) {
		archiveBuildsTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("build skipped, group not eligible", "group_id", group.ID, "status", group.Status, "archive_status", prior)
		return nil
	}

	claimed, err := s.repo.ClaimBuild(ctx, group.ID, prior, s.now())
	if err != nil {
		return fmt.Errorf("failed to claim build: %w", err)
	}
	if !claimed {
		archiveBuildsTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("build skipped, claimed elsewhere", "group_id", group.ID)
		return nil
	}

	log := s.logger.With("group_id", group.ID, "tenant_id", group.TenantID, "version", group.Version)
	log.Info("archive build started")
	start := time.Now()

	key := fmt.Sprintf("archives/%s/%s/%s.zip", group.TenantID, group.ID, uuid.New().String())
	size, entries, err := s.stream(ctx, group, key, log)
	if err != nil {
		return s.handleBuildError(ctx, group, prior, err, log)
	}
	archiveBuildDuration.Observe(time.Since(start).Seconds())

	if entries == 0 {
		s.deleteObject(ctx, key, log)
		s.fail(ctx, group, FailureEmpty, errors.New("no readable assets"))
		return nil
	}

	completed, err := s.repo.CompleteBuild(ctx, group.ID, key, size, s.now())
	if err != nil {
		s.deleteObject(ctx, key, log)
		s.release(ctx, group.ID, prior, log)
		return fmt.Errorf("failed to record archive: %w", err)
	}
	if !completed {
		// Claim was taken away, e.g. by a reset from another path.
		s.deleteObject(ctx, key, log)
		log.Warn("archive discarded, build claim lost")
		return nil
	}

	if group.ArchiveKey != nil && *group.ArchiveKey != key {
		s.scheduleObjectDelete(ctx, group.ID, *group.ArchiveKey, log)
	}

	archiveBuildsTotal.WithLabelValues("succeeded").Inc()
	archiveBytesTotal.Add(float64(size))
	s.events.Emit(events.New(events.ArchiveBuildSucceeded, group.ID, group.TenantID, map[string]any{
		"bytes":   size,
		"entries": entries,
		"version": group.Version,
	}))
	log.Info("archive build succeeded", "bytes", size, "entries", entries, "duration", time.Since(start))
	return nil
}

// buildable re-checks the trigger precondition at execution time.
func buildable(g *model.Group) bool {
	if g.IsSoftDeleted() || g.Status != model.GroupStatusReady {
		return false
	}
	if !policy.CanRebuildArchive(g) {
		return false
	}
	return g.ArchiveStatus == model.ArchiveStatusNone || g.ArchiveStatus == model.ArchiveStatusInvalidated
}

// stream pipes the zip writer straight into the object store upload so
// neither side holds the whole archive.
func (s *ArchiveService) stream(ctx context.Context, g *model.Group, key string, log *slog.Logger) (int64, int, error) {
	links, err := s.repo.Links(ctx, g.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get links: %w", err)
	}

	pr, pw := io.Pipe()
	uploadDone := make(chan error, 1)
	go func() {
		err := s.storage.Upload(ctx, key, pr, "application/zip")
		pr.CloseWithError(err)
		uploadDone <- err
	}()

	zw := archive.NewWriter(pw)
	entries, writeErr := s.writeEntries(ctx, zw, g, links, log)
	if writeErr == nil {
		writeErr = zw.Close()
	}
	pw.CloseWithError(writeErr)
	uploadErr := <-uploadDone

	var srcErr *archive.SourceError
	switch {
	case errors.As(writeErr, &srcErr):
		return 0, entries, writeErr
	case uploadErr != nil:
		return 0, entries, &destinationError{err: uploadErr}
	case writeErr != nil:
		return 0, entries, writeErr
	}
	return zw.Size(), entries, nil
}

func (s *ArchiveService) writeEntries(ctx context.Context, zw *archive.Writer, g *model.Group, links []*model.AssetLink, log *slog.Logger) (int, error) {
	namer := archive.NewNamer()
	entries := 0
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return entries, err
		}

		asset, err := s.resolver.Resolve(ctx, g.TenantID, link.AssetID)
		if errors.Is(err, ErrAssetNotFound) {
			archiveAssetsSkippedTotal.Inc()
			log.Warn("skipping asset missing from catalog", "asset_id", link.AssetID)
			continue
		}
		if err != nil {
			return entries, err
		}

		src, err := s.storage.Open(ctx, asset.StorageKey)
		if err != nil {
			if ctx.Err() != nil {
				return entries, ctx.Err()
			}
			archiveAssetsSkippedTotal.Inc()
			log.Warn("skipping unreachable asset", "asset_id", asset.ID, "key", asset.StorageKey, "error", err)
			continue
		}

		_, err = zw.Add(namer.Next(asset.Filename), asset.CreatedAt, src)
		src.Close()
		if err != nil {
			return entries, err
		}
		entries++
	}
	return entries, nil
}

func (s *ArchiveService) handleBuildError(ctx context.Context, g *model.Group, prior model.ArchiveStatus, err error, log *slog.Logger) error {
	var destErr *destinationError
	if errors.As(err, &destErr) && ctx.Err() == nil && !storage.IsTransient(destErr.err) {
		s.fail(ctx, g, FailureDestinationWrite, err)
		return jobs.Permanent(err)
	}

	archiveBuildsTotal.WithLabelValues("retried").Inc()
	s.release(ctx, g.ID, prior, log)
	log.Warn("archive build interrupted, will retry", "error", err)
	return err
}

// release hands the claim back so a retry can claim it again. It runs
// even when ctx has timed out.
func (s *ArchiveService) release(ctx context.Context, groupID string, to model.ArchiveStatus, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := s.repo.ReleaseBuild(ctx, groupID, to, s.now())
	if err != nil {
		log.Error("failed to release build claim", "error", err)
	}
}

func (s *ArchiveService) fail(ctx context.Context, g *model.Group, category string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	failed, err := s.repo.FailBuild(ctx, g.ID, s.now())
	if err != nil {
		s.logger.Error("failed to mark archive failed", "group_id", g.ID, "error", err)
		return
	}
	if !failed {
		return
	}

	archiveBuildsTotal.WithLabelValues("failed").Inc()
	s.events.Emit(events.New(events.ArchiveBuildFailed, g.ID, g.TenantID, map[string]any{
		"category": category,
	}))
	s.logger.Error("archive build failed", "group_id", g.ID, "tenant_id", g.TenantID, "category", category, "error", cause)
}

func (s *ArchiveService) scheduleObjectDelete(ctx context.Context, groupID, key string, log *slog.Logger) {
	_, err := s.jobs.Enqueue(ctx, JobObjectDelete, ObjectDeletePayload{GroupID: groupID, Key: key})
	if err != nil {
		log.Warn("failed to schedule stale archive delete", "key", key, "error", err)
	}
}

func (s *ArchiveService) deleteObject(ctx context.Context, key string, log *slog.Logger) {
	err := s.storage.Delete(context.WithoutCancel(ctx), key)
	if err != nil {
		log.Warn("failed to delete archive object", "key", key, "error", err)
	}
}

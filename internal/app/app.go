package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/templui/downloadgroups/internal/config"
	"github.com/templui/downloadgroups/internal/db"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/jobs"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/service"
	"github.com/templui/downloadgroups/internal/storage"
)

type App struct {
	Cfg     *config.Config
	DB      *sqlx.DB
	Redis   *redis.Client
	Queue   *jobs.Queue
	Storage storage.Storage
	Policy  *policy.Table
	Events  *events.Emitter

	AuthService     *service.AuthService
	PlanService     *service.PlanService
	GroupService    *service.GroupService
	ArchiveService  *service.ArchiveService
	DeliveryService *service.DeliveryService
	CleanupService  *service.CleanupService

	nats *events.NATSSink
}

func New(cfg *config.Config) (*App, error) {
	a := &App{Cfg: cfg}
	err := a.init()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.Cfg
	ctx := context.Background()
	logger := slog.Default()

	// Initialize database
	database, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = database

	// Run database migrations
	err = db.RunMigrations(database.DB, cfg.DBDriver)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Repositories
	groupRepository := repository.NewGroupRepository(database)
	assetRepository := repository.NewAssetRepository(database)
	subscriptionRepository := repository.NewSubscriptionRepository(database)

	// Storage
	a.Storage, err = storage.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Retention policy
	a.Policy = policy.DefaultTable()
	if cfg.PolicyFile != "" {
		a.Policy, err = policy.LoadTable(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to load retention policy: %w", err)
		}
		slog.Info("loaded retention policy", "file", cfg.PolicyFile, "plans", a.Policy.Plans())
	}

	// Events
	sink, err := a.eventSink(logger)
	if err != nil {
		return err
	}
	a.Events = events.NewEmitter(sink, cfg.EventsBuffer, logger)

	// Jobs
	a.Redis, err = jobs.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	a.Queue = jobs.NewQueue(a.Redis, jobs.Options{
		Name:        cfg.QueueName,
		Concurrency: cfg.WorkerConcurrency,
		Timeout:     cfg.JobTimeout,
		Backoff:     cfg.JobBackoff,
		Logger:      logger,
	})

	// Services
	resolver := service.NewAssetResolver(assetRepository)
	a.AuthService = service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	a.PlanService = service.NewPlanService(subscriptionRepository, cfg.PlanCacheTTL)
	a.GroupService = service.NewGroupService(groupRepository, resolver, a.PlanService, a.Policy, a.Events, a.Queue, logger)
	a.ArchiveService = service.NewArchiveService(groupRepository, resolver, a.Storage, a.Events, a.Queue, logger)
	a.DeliveryService = service.NewDeliveryService(groupRepository, a.Storage, a.Events, cfg.DeliveryURLTTL, logger)
	a.CleanupService = service.NewCleanupService(groupRepository, a.Storage, a.Events, cfg.CleanupBatchSize, logger)

	a.ArchiveService.Register(a.Queue)
	a.CleanupService.Register(a.Queue, cfg.CleanupInterval)

	return nil
}

// eventSink builds the sink named by EVENTS_SINK, a comma separated list of
// "log" and "nats".
func (a *App) eventSink(logger *slog.Logger) (events.Sink, error) {
	var sinks events.FanoutSink
	for _, name := range strings.Split(a.Cfg.EventsSink, ",") {
		switch strings.TrimSpace(name) {
		case "", "log":
			sinks = append(sinks, events.NewLogSink(logger))
		case "nats":
			natsSink, err := events.NewNATSSink(a.Cfg.NATSURL, a.Cfg.NATSSubjectPrefix, logger)
			if err != nil {
				return nil, err
			}
			a.nats = natsSink
			sinks = append(sinks, natsSink)
		default:
			return nil, fmt.Errorf("unknown events sink %q", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// StartWorkers recovers in-flight jobs when configured and launches the
// queue workers, the backoff promoter and the cleanup schedule.
func (a *App) StartWorkers(ctx context.Context) error {
	if a.Cfg.QueueRecoverOnStart {
		_, err := a.Queue.Recover(ctx)
		if err != nil {
			return err
		}
	}
	a.Queue.Start(ctx)
	return nil
}

// PingDB and PingRedis back the health endpoint.
func (a *App) PingDB(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

func (a *App) PingRedis(ctx context.Context) error {
	return a.Redis.Ping(ctx).Err()
}

// Close stops the workers and releases every connection. Queued events are
// flushed before the sinks go away.
func (a *App) Close() error {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}

	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/storage"
	"github.com/templui/downloadgroups/internal/testutil"
)

type enqueued struct {
	Type    string
	Payload any
}

// recordingQueue stands in for the redis queue.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{Type: jobType, Payload: payload})
	return uuid.New().String(), nil
}

func (q *recordingQueue) Jobs() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.jobs...)
}

type fixture struct {
	groups  repository.GroupRepository
	assets  repository.AssetRepository
	subs    repository.SubscriptionRepository
	store   *storage.MemoryStorage
	sink    *events.MemorySink
	emitter *events.Emitter
	queue   *recordingQueue
	table   *policy.Table

	plans    *PlanService
	resolver *AssetResolver
	group    *GroupService
	archive  *ArchiveService
	delivery *DeliveryService
	cleanup  *CleanupService

	clock time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.NewDB(t)

	f := &fixture{
		groups: repository.NewGroupRepository(database),
		assets: repository.NewAssetRepository(database),
		subs:   repository.NewSubscriptionRepository(database),
		store:  storage.NewMemoryStorage("memory://test"),
		sink:   &events.MemorySink{},
		queue:  &recordingQueue{},
		table:  policy.DefaultTable(),
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.emitter = events.NewEmitter(f.sink, 256, discardLogger())
	t.Cleanup(f.emitter.Close)

	f.plans = NewPlanService(f.subs, time.Minute)
	f.resolver = NewAssetResolver(f.assets)
	f.group = NewGroupService(f.groups, f.resolver, f.plans, f.table, f.emitter, f.queue, discardLogger())
	f.archive = NewArchiveService(f.groups, f.resolver, f.store, f.emitter, f.queue, discardLogger())
	f.delivery = NewDeliveryService(f.groups, f.store, f.emitter, 10*time.Minute, discardLogger())
	f.cleanup = NewCleanupService(f.groups, f.store, f.emitter, 50, discardLogger())

	now := func() time.Time { return f.clock }
	f.group.now = now
	f.archive.now = now
	f.delivery.now = now
	f.cleanup.now = now

	return f
}

// useStorage swaps the object store of the archive and cleanup services.
func (f *fixture) useStorage(s storage.Storage) {
	f.archive.storage = s
	f.cleanup.storage = s
	f.delivery.storage = s
}

func (f *fixture) setPlan(t *testing.T, tenantID, plan, status string) {
	t.Helper()
	require.NoError(t, f.plans.Upsert(context.Background(), tenantID, plan, status))
}

func (f *fixture) addAsset(t *testing.T, tenantID, filename, content string) *model.Asset {
	t.Helper()
	asset := &model.Asset{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		StorageKey: "assets/" + tenantID + "/" + uuid.New().String(),
		Filename:   filename,
		SizeBytes:  int64(len(content)),
		CreatedAt:  f.clock,
	}
	require.NoError(t, f.assets.Create(context.Background(), asset))
	f.store.Put(asset.StorageKey, []byte(content))
	return asset
}

func (f *fixture) create(t *testing.T, tenantID string, kind model.GroupKind, mode model.AccessMode) *model.Group {
	t.Helper()
	g, err := f.group.Create(context.Background(), CreateGroupInput{
		TenantID:   tenantID,
		Kind:       kind,
		Source:     "api",
		AccessMode: mode,
	})
	require.NoError(t, err)
	return g
}

// readyGroup creates a ready group linked to the given assets.
func (f *fixture) readyGroup(t *testing.T, tenantID string, kind model.GroupKind, mode model.AccessMode, assets ...*model.Asset) *model.Group {
	t.Helper()
	ctx := context.Background()
	g := f.create(t, tenantID, kind, mode)

	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}
	_, err := f.group.AttachAssets(ctx, tenantID, g.ID, ids)
	require.NoError(t, err)
	g, err = f.group.MarkReady(ctx, tenantID, g.ID)
	require.NoError(t, err)
	return g
}

// built runs an archive build and returns the reloaded group.
func (f *fixture) built(t *testing.T, groupID string) *model.Group {
	t.Helper()
	require.NoError(t, f.archive.Build(context.Background(), groupID))
	return f.reload(t, groupID)
}

func (f *fixture) reload(t *testing.T, groupID string) *model.Group {
	t.Helper()
	g, err := f.groups.ByID(context.Background(), groupID)
	require.NoError(t, err)
	return g
}

func (f *fixture) linkedAssets(t *testing.T, groupID string) []string {
	t.Helper()
	links, err := f.groups.Links(context.Background(), groupID)
	require.NoError(t, err)
	ids := make([]string, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.AssetID)
	}
	return ids
}

// eventTypes drains the emitter. No events can be emitted afterwards.
func (f *fixture) eventTypes() []events.Type {
	f.emitter.Close()
	return f.sink.Types()
}

func (f *fixture) eventsOf(typ events.Type) []events.Event {
	f.emitter.Close()
	var out []events.Event
	for _, e := range f.sink.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

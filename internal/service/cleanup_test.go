package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/storage"
)

// failingDeletes refuses to hard delete the listed groups.
type failingDeletes struct {
	repository.GroupRepository
	ids map[string]bool
}

func (r *failingDeletes) HardDelete(ctx context.Context, id string) error {
	if r.ids[id] {
		return errors.New("database is locked")
	}
	return r.GroupRepository.HardDelete(ctx, id)
}

// Scenario: soft delete without expiry, swept after the fallback grace.
func TestCleanupService_FallbackGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPlan(t, "t1", model.SubscriptionPlanEnterprise, model.SubscriptionStatusActive)
	a := f.addAsset(t, "t1", "a.txt", "A")

	g := f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a)
	g = f.built(t, g.ID)
	require.Nil(t, g.ExpiresAt)
	archiveKey := *g.ArchiveKey

	T := f.clock
	g, err := f.group.SoftDelete(ctx, "t1", g.ID)
	require.NoError(t, err)
	assert.True(t, T.Add(5*24*time.Hour).Equal(*g.HardDeleteAt))

	f.clock = T.Add(4 * 24 * time.Hour)
	result, err := f.cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	f.clock = T.Add(6 * 24 * time.Hour)
	result, err = f.cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 0, result.Errors)

	_, err = f.groups.ByID(ctx, g.ID)
	assert.ErrorIs(t, err, repository.ErrGroupNotFound)
	assert.Empty(t, f.linkedAssets(t, g.ID))
	_, ok := f.store.Get(archiveKey)
	assert.False(t, ok, "archive object is destroyed with the group")
	_, ok = f.store.Get(a.StorageKey)
	assert.True(t, ok, "source assets are not touched")

	assert.Len(t, f.eventsOf(events.GroupHardDeleted), 1)
}

func TestCleanupService_ExpiredGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var due []*model.Group
	for i := 0; i < 5; i++ {
		due = append(due, f.create(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam))
	}
	f.setPlan(t, "t1", model.SubscriptionPlanEnterprise, model.SubscriptionStatusActive)
	keep := f.create(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam)

	f.cleanup.batchSize = 2
	f.clock = f.clock.Add(11 * 24 * time.Hour)

	result, err := f.cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Scanned)
	assert.Equal(t, 5, result.Deleted)

	for _, g := range due {
		_, err := f.groups.ByID(ctx, g.ID)
		assert.ErrorIs(t, err, repository.ErrGroupNotFound)
	}
	_, err = f.groups.ByID(ctx, keep.ID)
	assert.NoError(t, err, "enterprise snapshot is kept for 90 days")
}

func TestCleanupService_StorageFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addAsset(t, "t1", "a.txt", "A")
	g := f.readyGroup(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam, a)
	f.built(t, g.ID)

	fs := newFaultyStorage(f.store)
	fs.deleteErr = storage.ErrUnavailable
	f.useStorage(fs)

	f.clock = f.clock.Add(11 * 24 * time.Hour)
	result, err := f.cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	_, err = f.groups.ByID(ctx, g.ID)
	assert.ErrorIs(t, err, repository.ErrGroupNotFound)
}

func TestCleanupService_FailureIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var groups []*model.Group
	for i := 0; i < 4; i++ {
		groups = append(groups, f.create(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam))
	}
	bad := groups[1]
	f.cleanup.repo = &failingDeletes{GroupRepository: f.groups, ids: map[string]bool{bad.ID: true}}
	f.cleanup.batchSize = 2
	f.clock = f.clock.Add(11 * 24 * time.Hour)

	result, err := f.cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scanned)
	assert.Equal(t, 3, result.Deleted)
	assert.Equal(t, 1, result.Errors)

	_, err = f.groups.ByID(ctx, bad.ID)
	assert.NoError(t, err, "failed group stays for the next sweep")
}

func TestCleanupService_NotDueNeverDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPlan(t, "t1", model.SubscriptionPlanEnterprise, model.SubscriptionStatusActive)
	g := f.create(t, "t1", model.GroupKindLiving, model.AccessModeTeam)

	f.clock = f.clock.Add(100 * 365 * 24 * time.Hour)
	result, err := f.cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	_, err = f.groups.ByID(ctx, g.ID)
	assert.NoError(t, err)
}

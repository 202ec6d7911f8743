package service

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/model"
)

var (
	member   = &model.Principal{ID: "u1", TenantID: "t1"}
	outsider = &model.Principal{ID: "u2", TenantID: "t2"}
)

func requireDeliveryError(t *testing.T, err error, reason DeliveryReason, status int) *DeliveryError {
	t.Helper()
	require.Error(t, err)
	de, ok := AsDeliveryError(err)
	require.True(t, ok, "expected *DeliveryError, got %v", err)
	assert.Equal(t, reason, de.Reason)
	assert.Equal(t, status, de.Status)
	assert.NotEmpty(t, de.Message)
	return de
}

func TestDeliveryService_Success(t *testing.T) {
	f := newFixture(t)
	a := f.addAsset(t, "t1", "a.txt", "A")
	g := f.readyGroup(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam, a)
	g = f.built(t, g.ID)

	d, err := f.delivery.RequestDelivery(context.Background(), g.ID, member)
	require.NoError(t, err)
	assert.Equal(t, g.Slug+".zip", d.Filename)
	assert.Contains(t, d.URL, "filename="+g.Slug+".zip")
	assert.True(t, strings.HasPrefix(d.URL, "memory://test/"))
	assert.True(t, f.clock.Add(10*time.Minute).Equal(d.ExpiresAt))
	assert.Equal(t, g.ArchiveSizeBytes, d.SizeBytes)

	requested := f.eventsOf(events.DeliveryRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, "u1", requested[0].Attributes["principal_id"])
}

func TestDeliveryService_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addAsset(t, "t1", "a.txt", "A")

	_, err := f.delivery.RequestDelivery(ctx, "missing", member)
	requireDeliveryError(t, err, ReasonNotFound, http.StatusNotFound)

	g := f.readyGroup(t, "t1", model.GroupKindSnapshot, model.AccessModePublic, a)
	f.built(t, g.ID)
	_, err = f.group.SoftDelete(ctx, "t1", g.ID)
	require.NoError(t, err)

	_, err = f.delivery.RequestDelivery(ctx, g.ID, member)
	requireDeliveryError(t, err, ReasonNotFound, http.StatusNotFound)

	assert.Empty(t, f.eventsOf(events.DeliveryRequested), "blocked deliveries emit nothing")
}

func TestDeliveryService_TeamOutsiderAlwaysDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addAsset(t, "t1", "a.txt", "A")

	pending := f.create(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam)
	ready := f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a)
	built := f.built(t, f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a).ID)
	failed := f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeRestricted, a)
	_, err := f.groups.FailBuild(ctx, failed.ID, f.clock)
	require.NoError(t, err)

	for _, g := range []*model.Group{pending, ready, built, failed} {
		for _, p := range []*model.Principal{outsider, nil} {
			_, err := f.delivery.RequestDelivery(ctx, g.ID, p)
			requireDeliveryError(t, err, ReasonAccessDenied, http.StatusForbidden)
		}
	}
}

func TestDeliveryService_RestrictedBehavesLikeTeam(t *testing.T) {
	f := newFixture(t)
	a := f.addAsset(t, "t1", "a.txt", "A")
	g := f.readyGroup(t, "t1", model.GroupKindSnapshot, model.AccessModeRestricted, a)
	g = f.built(t, g.ID)

	_, err := f.delivery.RequestDelivery(context.Background(), g.ID, member)
	require.NoError(t, err)
	_, err = f.delivery.RequestDelivery(context.Background(), g.ID, outsider)
	requireDeliveryError(t, err, ReasonAccessDenied, http.StatusForbidden)
}

func TestDeliveryService_PublicAllowsAnonymous(t *testing.T) {
	f := newFixture(t)
	a := f.addAsset(t, "t1", "a.txt", "A")
	g := f.readyGroup(t, "t1", model.GroupKindSnapshot, model.AccessModePublic, a)
	g = f.built(t, g.ID)

	_, err := f.delivery.RequestDelivery(context.Background(), g.ID, nil)
	require.NoError(t, err)
	_, err = f.delivery.RequestDelivery(context.Background(), g.ID, outsider)
	require.NoError(t, err)
}

func TestDeliveryService_NotReady(t *testing.T) {
	f := newFixture(t)
	g := f.create(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam)

	_, err := f.delivery.RequestDelivery(context.Background(), g.ID, member)
	de := requireDeliveryError(t, err, ReasonNotReady, http.StatusConflict)
	assert.Equal(t, string(model.GroupStatusPending), de.Detail)
}

func TestDeliveryService_ArchiveNotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addAsset(t, "t1", "a.txt", "A")
	b := f.addAsset(t, "t1", "b.txt", "B")

	none := f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a)

	building := f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a)
	_, err := f.groups.ClaimBuild(ctx, building.ID, model.ArchiveStatusNone, f.clock)
	require.NoError(t, err)

	invalidated := f.built(t, f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a).ID)
	_, err = f.group.AttachAssets(ctx, "t1", invalidated.ID, []string{b.ID})
	require.NoError(t, err)

	failed := f.readyGroup(t, "t1", model.GroupKindLiving, model.AccessModeTeam, a)
	_, err = f.groups.FailBuild(ctx, failed.ID, f.clock)
	require.NoError(t, err)

	tests := []struct {
		group *model.Group
		want  model.ArchiveStatus
	}{
		{none, model.ArchiveStatusNone},
		{building, model.ArchiveStatusBuilding},
		{invalidated, model.ArchiveStatusInvalidated},
		{failed, model.ArchiveStatusFailed},
	}

	messages := map[string]bool{}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			_, err := f.delivery.RequestDelivery(ctx, tt.group.ID, member)
			de := requireDeliveryError(t, err, ReasonArchiveNotReady, http.StatusConflict)
			assert.Equal(t, string(tt.want), de.Detail)
			messages[de.Message] = true
		})
	}
	assert.Len(t, messages, 4, "each sub-reason has its own message")
}

// Scenario: a ready group one second past expiry is Expired, not NotReady.
func TestDeliveryService_Expired(t *testing.T) {
	f := newFixture(t)
	a := f.addAsset(t, "t1", "a.txt", "A")
	g := f.readyGroup(t, "t1", model.GroupKindSnapshot, model.AccessModeTeam, a)
	g = f.built(t, g.ID)

	f.clock = g.ExpiresAt.Add(time.Second)
	_, err := f.delivery.RequestDelivery(context.Background(), g.ID, member)
	requireDeliveryError(t, err, ReasonExpired, http.StatusGone)

	f.clock = g.ExpiresAt.Add(-time.Second)
	_, err = f.delivery.RequestDelivery(context.Background(), g.ID, member)
	require.NoError(t, err)
}

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/downloadgroups/internal/app"
	"github.com/templui/downloadgroups/internal/config"
	"github.com/templui/downloadgroups/internal/events"
	"github.com/templui/downloadgroups/internal/jobs"
	"github.com/templui/downloadgroups/internal/model"
	"github.com/templui/downloadgroups/internal/policy"
	"github.com/templui/downloadgroups/internal/repository"
	"github.com/templui/downloadgroups/internal/service"
	"github.com/templui/downloadgroups/internal/storage"
	"github.com/templui/downloadgroups/internal/testutil"
)

type testServer struct {
	*httptest.Server
	app    *app.App
	assets repository.AssetRepository
	store  *storage.MemoryStorage
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	database := testutil.NewDB(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{RetrieveRateLimit: 100, RetrieveBurst: 100}
	store := storage.NewMemoryStorage("memory://test")
	emitter := events.NewEmitter(&events.MemorySink{}, 64, logger)
	t.Cleanup(emitter.Close)

	groups := repository.NewGroupRepository(database)
	assets := repository.NewAssetRepository(database)
	resolver := service.NewAssetResolver(assets)
	queue := jobs.NewQueue(rdb, jobs.Options{Name: "test", Timeout: 5 * time.Second, Logger: logger})
	plans := service.NewPlanService(repository.NewSubscriptionRepository(database), time.Minute)

	a := &app.App{
		Cfg:             cfg,
		DB:              database,
		Redis:           rdb,
		Queue:           queue,
		Storage:         store,
		Policy:          policy.DefaultTable(),
		Events:          emitter,
		AuthService:     service.NewAuthService("test-secret", time.Hour),
		PlanService:     plans,
		GroupService:    service.NewGroupService(groups, resolver, plans, policy.DefaultTable(), emitter, queue, logger),
		ArchiveService:  service.NewArchiveService(groups, resolver, store, emitter, queue, logger),
		DeliveryService: service.NewDeliveryService(groups, store, emitter, 5*time.Minute, logger),
	}
	a.ArchiveService.Register(queue)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(SetupRoutes(ctx, a))
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &testServer{Server: srv, app: a, assets: assets, store: store, client: client}
}

func (s *testServer) token(t *testing.T, id, tenantID string, caps ...string) string {
	t.Helper()
	token, err := s.app.AuthService.GenerateJWT(&model.Principal{ID: id, TenantID: tenantID, Capabilities: caps})
	require.NoError(t, err)
	return token
}

func (s *testServer) manager(t *testing.T, tenantID string) string {
	return s.token(t, "u-"+tenantID, tenantID, model.CapabilityManageDownloads)
}

func (s *testServer) addAsset(t *testing.T, tenantID, filename, content string) string {
	t.Helper()
	asset := &model.Asset{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		StorageKey: "assets/" + uuid.New().String(),
		Filename:   filename,
		SizeBytes:  int64(len(content)),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.assets.Create(context.Background(), asset))
	s.store.Put(asset.StorageKey, []byte(content))
	return asset.ID
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func (s *testServer) drain(t *testing.T) {
	t.Helper()
	for {
		ok, err := s.app.Queue.ProcessOne(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

func groupField(body map[string]any, key string) any {
	g, _ := body["group"].(map[string]any)
	return g[key]
}

func errorField(body map[string]any, key string) any {
	e, _ := body["error"].(map[string]any)
	return e[key]
}

func TestRoutes_Authorization(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/api/groups", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorField(body, "code"))

	resp, _ = s.do(t, http.MethodGet, "/api/groups", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/groups", s.token(t, "u1", "t1"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/groups", s.manager(t, "t1"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["groups"])
}

func TestRoutes_GroupLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.manager(t, "t1")
	assetID := s.addAsset(t, "t1", "report.pdf", "pdf bytes")

	resp, body := s.do(t, http.MethodPost, "/api/groups", token, map[string]any{
		"kind":   "living",
		"source": "api",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := groupField(body, "id").(string)
	slug := groupField(body, "slug").(string)
	assert.Equal(t, "pending", groupField(body, "status"))
	assert.Equal(t, "team", groupField(body, "access_mode"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = s.do(t, http.MethodPost, "/api/groups/"+id+"/ready", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a group without assets cannot become ready")

	resp, body = s.do(t, http.MethodPost, "/api/groups/"+id+"/assets", token, map[string]any{"asset_ids": []string{assetID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	links := body["assets"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, true, links[0].(map[string]any)["is_primary"])

	resp, body = s.do(t, http.MethodPost, "/api/groups/"+id+"/ready", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", groupField(body, "status"))

	resp, body = s.do(t, http.MethodGet, "/downloads/"+id+"/retrieve", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "archive_not_ready", errorField(body, "reason"))
	assert.Equal(t, "none", errorField(body, "detail"))

	resp, body = s.do(t, http.MethodPost, "/api/groups/"+id+"/archive", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["queued"])
	s.drain(t)

	resp, body = s.do(t, http.MethodGet, "/api/groups/by-slug/"+slug, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", groupField(body, "archive_status"))

	resp, body = s.do(t, http.MethodPost, "/api/groups/"+id+"/archive", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["queued"], "a ready living archive needs no rebuild")

	resp, _ = s.do(t, http.MethodGet, "/downloads/"+id+"/retrieve", token, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "memory://test/"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, body = s.do(t, http.MethodGet, "/downloads/"+id+"/retrieve?format=json", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, slug+".zip", body["filename"])

	resp, body = s.do(t, http.MethodGet, "/downloads/"+id+"/retrieve", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", errorField(body, "reason"))

	resp, body = s.do(t, http.MethodGet, "/downloads/"+id+"/retrieve", s.token(t, "u9", "t2"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", errorField(body, "reason"))
}

func TestRoutes_ExpiryDeleteRestore(t *testing.T) {
	s := newTestServer(t)
	token := s.manager(t, "t1")

	resp, body := s.do(t, http.MethodPost, "/api/groups", token, map[string]any{
		"kind":        "snapshot",
		"source":      "share_dialog",
		"access_mode": "public",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := groupField(body, "id").(string)

	resp, body = s.do(t, http.MethodPatch, "/api/groups/"+id+"/expiry", token, map[string]any{
		"expires_at": time.Now().Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_expiry", errorField(body, "code"))

	later := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	resp, body = s.do(t, http.MethodPatch, "/api/groups/"+id+"/expiry", token, map[string]any{"expires_at": later})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	expiresAt, err := time.Parse(time.RFC3339, groupField(body, "expires_at").(string))
	require.NoError(t, err)
	assert.True(t, later.Equal(expiresAt))

	resp, body = s.do(t, http.MethodDelete, "/api/groups/"+id, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, groupField(body, "soft_deleted_at"))

	resp, body = s.do(t, http.MethodGet, "/downloads/"+id+"/retrieve", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorField(body, "reason"))

	resp, body = s.do(t, http.MethodPost, "/api/groups/"+id+"/assets", token, map[string]any{"asset_ids": []string{"x"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "unknown assets are rejected before the group state")
	assert.Equal(t, "asset_not_found", errorField(body, "code"))

	resp, body = s.do(t, http.MethodPost, "/api/groups/"+id+"/restore", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, groupField(body, "soft_deleted_at"))
}

func TestRoutes_Errors(t *testing.T) {
	s := newTestServer(t)
	token := s.manager(t, "t1")

	resp, body := s.do(t, http.MethodGet, "/api/groups/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorField(body, "code"))

	resp, body = s.do(t, http.MethodPost, "/api/groups", token, map[string]any{"kind": "folder", "source": "api"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_kind", errorField(body, "code"))

	resp, body = s.do(t, http.MethodPost, "/api/groups", token, map[string]any{"kind": "living", "source": "api", "owner": "me"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_body", errorField(body, "code"))

	_, body = s.do(t, http.MethodPost, "/api/groups", token, map[string]any{"kind": "living", "source": "api"})
	id := groupField(body, "id").(string)

	resp, body = s.do(t, http.MethodGet, "/api/groups/"+id, s.manager(t, "t2"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "cross_tenant", errorField(body, "code"))

	resp, body = s.do(t, http.MethodPut, "/api/groups/"+id+"/primary", token, map[string]any{"asset_id": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "asset_not_linked", errorField(body, "code"))
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["redis"])

	s.do(t, http.MethodGet, "/api/groups", s.manager(t, "t1"), nil)

	resp, err := s.client.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `downloads_http_requests_total{route="GET /api/groups",status="200"}`)
}

package routes

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/templui/downloadgroups/internal/app"
	"github.com/templui/downloadgroups/internal/handler"
	"github.com/templui/downloadgroups/internal/middleware"
	"github.com/templui/downloadgroups/internal/model"
)

// SetupRoutes builds the HTTP handler. ctx bounds background work such as
// rate limiter cleanup.
func SetupRoutes(ctx context.Context, app *app.App) http.Handler {
	// Handlers
	groups := handler.NewGroupHandler(app.GroupService)
	delivery := handler.NewDeliveryHandler(app.DeliveryService)
	health := handler.NewHealthHandler(map[string]handler.Check{
		"database": app.PingDB,
		"redis":    app.PingRedis,
	})

	mux := http.NewServeMux()

	// ============================================================================
	// OPERATIONS
	// ============================================================================

	mux.HandleFunc("GET /health", health.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// ============================================================================
	// DELIVERY (optional auth, rate limited per client IP)
	// ============================================================================

	limiter := middleware.NewRateLimiter(app.Cfg.RetrieveRateLimit, app.Cfg.RetrieveBurst)
	go limiter.Run(ctx)
	rateLimited := middleware.RateLimit(limiter)

	mux.HandleFunc("GET /downloads/{groupId}/retrieve", rateLimited(delivery.Retrieve))

	// ============================================================================
	// GROUP API (requires downloads:manage)
	// ============================================================================

	manage := middleware.RequireCapability(model.CapabilityManageDownloads)

	mux.HandleFunc("POST /api/groups", manage(groups.Create))
	mux.HandleFunc("GET /api/groups", manage(groups.List))
	mux.HandleFunc("GET /api/groups/by-slug/{slug}", manage(groups.GetBySlug))
	mux.HandleFunc("GET /api/groups/{id}", manage(groups.Get))
	mux.HandleFunc("DELETE /api/groups/{id}", manage(groups.Delete))
	mux.HandleFunc("POST /api/groups/{id}/restore", manage(groups.Restore))

	mux.HandleFunc("POST /api/groups/{id}/assets", manage(groups.AttachAssets))
	mux.HandleFunc("DELETE /api/groups/{id}/assets", manage(groups.DetachAssets))
	mux.HandleFunc("PUT /api/groups/{id}/primary", manage(groups.SetPrimary))

	mux.HandleFunc("POST /api/groups/{id}/ready", manage(groups.MarkReady))
	mux.HandleFunc("POST /api/groups/{id}/archive", manage(groups.RequestArchive))
	mux.HandleFunc("PATCH /api/groups/{id}/expiry", manage(groups.ExtendExpiry))

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Authenticate(app.AuthService),
		middleware.RequestLogging, // last, so it sees the route pattern the mux sets
	)
}

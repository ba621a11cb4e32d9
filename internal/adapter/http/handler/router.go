package handler

import (
	"asset-ledger/internal/adapter/http/middleware"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	AssetSvc       ports.AssetService
	Reconciler     ports.Reconciler
	Maintenance    ports.LedgerMaintenance
	RateLimitStore middleware.RateLimitCounter // nil = rate limiting disabled
	RateLimit      int64                       // submit requests per client per minute
	HealthCheckers []ports.HealthChecker
	Metrics        *metrics.Metrics // nil = no /metrics endpoint
	AdminSecret    string           // empty = admin routes always answer 401
	AdminIssuer    string
	CORSOrigins    []string
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
// The caller picks the gin mode.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))
	if len(deps.CORSOrigins) > 0 {
		r.Use(middleware.CORS(deps.CORSOrigins))
	}
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep: postgres, redis, daemon)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	rules := middleware.DefaultRateLimitRules(deps.RateLimit)

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		rule, ok := rules[group]
		if deps.RateLimitStore == nil || !ok || rule.Limit <= 0 {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	assetHandler := NewAssetHandler(deps.AssetSvc)
	assets := v1.Group("/assets")
	{
		assets.GET("", rl(middleware.GroupRead), assetHandler.ListAssets)
		assets.GET("/:asset_id/balance", rl(middleware.GroupRead), assetHandler.GetBalance)
		assets.POST("/:asset_id/send", rl(middleware.GroupSubmit), assetHandler.Send)
		assets.POST("/:asset_id/mint", rl(middleware.GroupSubmit), assetHandler.Mint)
		assets.POST("/:asset_id/invoices", rl(middleware.GroupSubmit), assetHandler.CreateInvoice)
	}

	txHandler := NewTransactionHandler(deps.AssetSvc)
	transactions := v1.Group("/transactions")
	{
		transactions.GET("", rl(middleware.GroupRead), txHandler.List)
		transactions.GET("/:id", rl(middleware.GroupRead), txHandler.Get)
	}

	// --- Maintenance (operator JWT) ---
	adminHandler := NewAdminHandler(deps.Reconciler, deps.Maintenance)
	admin := v1.Group("/admin", middleware.AdminAuth(deps.AdminSecret, deps.AdminIssuer, deps.Logger), rl(middleware.GroupAdmin))
	{
		admin.POST("/reconcile", adminHandler.Reconcile)
		admin.DELETE("/idempotency-keys/:key", adminHandler.ClearIdempotencyKey)
		admin.GET("/assets/:asset_id/verify", adminHandler.VerifyBalance)
	}

	return r
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/guildgate/internal/metrics"
	"github.com/hitoshi/guildgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	ClientIPResolver  middleware.ClientIPResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証コールバック
	Processor CallbackProcessor

	// 死活監視
	HealthChecker HealthChecker
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → ClientIP → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /verify にはさらにRateLimit(Verify)を適用する。
// /metrics はこのルーターには含めず、NewMetricsRouterで別リスナーに載せる。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger, http.HandlerFunc(errorPageHandler)))
	r.Use(middleware.NewClientIPMiddleware(deps.ClientIPResolver))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(deps.RateLimiter.GeneralMiddleware())

	verifyHandler := NewVerifyHandler(deps.Processor)
	healthHandler := NewHealthHandler(deps.HealthChecker)

	r.With(deps.RateLimiter.VerifyMiddleware()).Get("/verify", verifyHandler.Verify)
	r.Get("/health", healthHandler.Health)

	return r
}

// NewMetricsRouter は内部リスナー用に/metricsのみを公開するルーターを返す。
// 公開リスナーのミドルウェアは適用しない。
func NewMetricsRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	return r
}

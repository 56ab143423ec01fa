package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/quizpass/internal/metrics"
	"github.com/hitoshi/quizpass/internal/middleware"
	"github.com/hitoshi/quizpass/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer
	HealthChecker     HealthChecker

	// 認証
	AuthService AuthServiceInterface

	// 決済
	PaymentService PaymentServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders → Logging → CORS
//
// 公開ルートにはIP単位、認証済みルートにはアカウント単位のレート制限を適用する。
// 決済通知（/payment/notify）にはレート制限を適用しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	paymentHandler := NewPaymentHandler(deps.PaymentService, deps.AuthService, deps.Logger)

	requireAuth := middleware.NewAuthMiddleware(deps.Authenticator)
	optionalAuth := middleware.NewOptionalAuthMiddleware(deps.Authenticator)
	public := deps.RateLimiter.PublicMiddleware()

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 認証不要のルート（IP単位のレート制限） ---
	r.Group(func(r chi.Router) {
		r.Use(public)

		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/admin/login", authHandler.AdminLogin)

		r.With(optionalAuth).Post("/payment/initiate", paymentHandler.Initiate)
		r.With(optionalAuth).Post("/payment/verify", paymentHandler.Verify)
	})

	// 決済代行サービスからの通知は常に受け付ける
	r.Post("/payment/notify", paymentHandler.Notify)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/auth/logout", authHandler.Logout)
		r.Post("/auth/logout-all", authHandler.LogoutAll)
		r.Get("/auth/me", authHandler.Me)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Get("/payments/{transactionId}", paymentHandler.AdminGetPayment)
		})
	})

	return r
}

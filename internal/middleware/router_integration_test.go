package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/quizpass/internal/model"
)

// TestRouterIntegration_AuthRateLimitRoleChain は Auth -> RateLimit -> RequireRole の
// ミドルウェアチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_AuthRateLimitRoleChain(t *testing.T) {
	authn := tokenAuthenticator(map[string]*model.Principal{
		"user-token":  {AccountID: "acc-1", Role: model.RoleUser},
		"admin-token": {AccountID: "admin-1", Role: model.RoleAdmin},
	})
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 10, GeneralBurst: 10, PublicRate: 10, PublicBurst: 10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware())
	r.Use(NewSecurityHeadersMiddleware())
	r.Group(func(r chi.Router) {
		r.Use(NewAuthMiddleware(authn))
		r.Use(rl.GeneralMiddleware())
		r.Get("/auth/me", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.With(RequireRole(model.RoleAdmin)).Get("/admin/payments/{transactionId}", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(chi.URLParam(r, "transactionId")))
		})
	})

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"利用者が自身の情報を取得", "/auth/me", "user-token", http.StatusOK},
		{"トークンなし", "/auth/me", "", http.StatusUnauthorized},
		{"利用者が管理者ルート", "/admin/payments/TXN-1", "user-token", http.StatusForbidden},
		{"管理者が管理者ルート", "/admin/payments/TXN-1", "admin-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
			}
		})
	}
}

// TestRouterIntegration_RecoveryReturnsUnifiedError はpanic時に統一フォーマットの500が返ることを検証する。
func TestRouterIntegration_RecoveryReturnsUnifiedError(t *testing.T) {
	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware())
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
}

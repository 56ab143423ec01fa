// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/quizpass/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証済み主体を格納するためのキー。
var principalContextKey = contextKey("principal")

// Authenticator はベアラートークンの検証に必要なインターフェース。
// auth.Serviceが実装する。
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.Principal, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのベアラートークンを検証するミドルウェアを返す。
// 認証済みの主体をリクエストコンテキストに注入する。
// 認証失敗時は統一エラーフォーマットで401を返す。
func NewAuthMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticator.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// NewOptionalAuthMiddleware はAuthorizationヘッダーがある場合のみ認証を行うミドルウェアを返す。
// ヘッダーがない場合は未認証のまま次へ渡す。ヘッダーがあり検証に失敗した場合は401を返す。
func NewOptionalAuthMiddleware(authenticator Authenticator) func(next http.Handler) http.Handler {
	required := NewAuthMiddleware(authenticator)
	return func(next http.Handler) http.Handler {
		withAuth := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			withAuth.ServeHTTP(w, r)
		})
	}
}

// RequireRole は認証済み主体が指定ロールでない場合に403を返すミドルウェアを返す。
// NewAuthMiddlewareの後に配置する。
func RequireRole(role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := PrincipalFromContext(r.Context())
			if err != nil {
				WriteError(w, model.NewInvalidTokenError())
				return
			}
			if principal.Role != role {
				WriteError(w, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから認証済み主体を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func PrincipalFromContext(ctx context.Context) (*model.Principal, error) {
	principal, ok := ctx.Value(principalContextKey).(*model.Principal)
	if !ok || principal == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	return principal, nil
}

// ContextWithPrincipal はコンテキストに認証済み主体を注入する。
// リクエストログ用にアカウントIDも記録する。
func ContextWithPrincipal(ctx context.Context, principal *model.Principal) context.Context {
	if info := requestInfoFromContext(ctx); info != nil {
		info.accountID = principal.AccountID
	}
	return context.WithValue(ctx, principalContextKey, principal)
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。形式が不正な場合は空文字列。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

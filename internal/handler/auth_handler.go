package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/quizpass/internal/auth"
	"github.com/hitoshi/quizpass/internal/middleware"
	"github.com/hitoshi/quizpass/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password string) (*model.Account, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	AdminLogin(ctx context.Context, username, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, accountID string) error
	LogoutAllDevices(ctx context.Context, accountID string) error
	CurrentAccount(ctx context.Context, principal *model.Principal) (*model.Account, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service, now: time.Now}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type adminCredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type subscriptionResponse struct {
	Active     bool       `json:"active"`
	IsPremium  bool       `json:"isPremium"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
	AccessCode string     `json:"accessCode,omitempty"`
}

type accountResponse struct {
	ID           string               `json:"id"`
	Role         string               `json:"role"`
	Email        string               `json:"email,omitempty"`
	Username     string               `json:"username,omitempty"`
	IsActive     bool                 `json:"isActive"`
	Subscription subscriptionResponse `json:"subscription"`
	LoginCount   int                  `json:"loginCount"`
	LastLogin    *time.Time           `json:"lastLogin,omitempty"`
	CreatedAt    time.Time            `json:"createdAt"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Account   accountResponse `json:"account"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func toAccountResponse(a *model.Account, now time.Time) accountResponse {
	resp := accountResponse{
		ID:         a.ID,
		Role:       string(a.Role),
		Email:      a.Email,
		IsActive:   a.IsActive,
		LoginCount: a.LoginCount,
		LastLogin:  a.LastLogin,
		CreatedAt:  a.CreatedAt,
		Subscription: subscriptionResponse{
			Active:     a.Subscription.Active,
			IsPremium:  a.Subscription.IsPremium(now),
			ExpiryDate: a.Subscription.ExpiryDate,
			AccessCode: a.Subscription.AccessCode,
		},
	}
	if a.Role == model.RoleAdmin {
		resp.Username = a.LoginName
	}
	return resp
}

// Register は利用者アカウントを登録する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	account, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Account accountResponse `json:"account"`
	}{Account: toAccountResponse(account, h.now())})
}

// Login は利用者としてログインし、トークンを発行する。
// 以前に発行したトークンは無効になる。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeLogin(w, result)
}

// AdminLogin は管理者としてログインする。
// POST /auth/admin/login
func (h *AuthHandler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminCredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.AdminLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeLogin(w, result)
}

func (h *AuthHandler) writeLogin(w http.ResponseWriter, result *auth.LoginResult) {
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		Account:   toAccountResponse(result.Account, h.now()),
	})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewInvalidTokenError())
		return
	}

	if err := h.service.Logout(r.Context(), principal.AccountID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// LogoutAll は全端末からログアウトする。
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewInvalidTokenError())
		return
	}

	if err := h.service.LogoutAllDevices(r.Context(), principal.AccountID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out from all devices"})
}

// Me は現在のアカウント情報とプレミアム利用権の状態を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewInvalidTokenError())
		return
	}

	account, err := h.service.CurrentAccount(r.Context(), principal)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account, h.now()))
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/quizpass/internal/auth"
	"github.com/hitoshi/quizpass/internal/middleware"
	"github.com/hitoshi/quizpass/internal/model"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	registerFn       func(ctx context.Context, email, password string) (*model.Account, error)
	loginFn          func(ctx context.Context, email, password string) (*auth.LoginResult, error)
	adminLoginFn     func(ctx context.Context, username, password string) (*auth.LoginResult, error)
	logoutFn         func(ctx context.Context, accountID string) error
	logoutAllFn      func(ctx context.Context, accountID string) error
	currentAccountFn func(ctx context.Context, principal *model.Principal) (*model.Account, error)
}

func (m *mockAuthService) Register(ctx context.Context, email, password string) (*model.Account, error) {
	return m.registerFn(ctx, email, password)
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.LoginResult, error) {
	return m.loginFn(ctx, email, password)
}

func (m *mockAuthService) AdminLogin(ctx context.Context, username, password string) (*auth.LoginResult, error) {
	return m.adminLoginFn(ctx, username, password)
}

func (m *mockAuthService) Logout(ctx context.Context, accountID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, accountID)
	}
	return nil
}

func (m *mockAuthService) LogoutAllDevices(ctx context.Context, accountID string) error {
	if m.logoutAllFn != nil {
		return m.logoutAllFn(ctx, accountID)
	}
	return nil
}

func (m *mockAuthService) CurrentAccount(ctx context.Context, principal *model.Principal) (*model.Account, error) {
	return m.currentAccountFn(ctx, principal)
}

// --- テストヘルパー ---

// withPrincipal はテスト用にリクエストコンテキストに認証済み主体を注入するヘルパー。
func withPrincipal(r *http.Request, accountID string, role model.Role) *http.Request {
	ctx := middleware.ContextWithPrincipal(r.Context(), &model.Principal{
		AccountID: accountID,
		Role:      role,
		SessionID: "session-1",
	})
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func testAccount() *model.Account {
	expiry := time.Now().Add(24 * time.Hour)
	return &model.Account{
		ID:        "acc-1",
		Role:      model.RoleUser,
		LoginName: "user@example.com",
		Email:     "user@example.com",
		IsActive:  true,
		Subscription: model.Subscription{
			Active:     true,
			ExpiryDate: &expiry,
			AccessCode: "ABCDE12345",
		},
	}
}

// --- POST /auth/register ---

func TestAuthHandler_Register_Success(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, email, password string) (*model.Account, error) {
			if email != "user@example.com" || password != "password123" {
				t.Errorf("Register(%q, %q)", email, password)
			}
			a := testAccount()
			a.Subscription = model.Subscription{}
			return a, nil
		},
	}
	h := NewAuthHandler(svc)

	body := `{"email":"user@example.com","password":"password123"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp struct {
		Account accountResponse `json:"account"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Account.ID != "acc-1" || resp.Account.Subscription.IsPremium {
		t.Errorf("account = %+v", resp.Account)
	}
}

func TestAuthHandler_Register_EmailTaken(t *testing.T) {
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, email, password string) (*model.Account, error) {
			return nil, model.NewEmailTakenError()
		},
	}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewBufferString(`{"email":"a@example.com","password":"password123"}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeEmailTaken {
		t.Errorf("code = %q", got)
	}
}

func TestAuthHandler_Register_InvalidJSON(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/register", bytes.NewBufferString(`{invalid`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidInput {
		t.Errorf("code = %q", got)
	}
}

// --- POST /auth/login ---

func TestAuthHandler_Login_Success(t *testing.T) {
	expiresAt := time.Now().Add(24 * time.Hour)
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.LoginResult, error) {
			return &auth.LoginResult{Token: "jwt-token", ExpiresAt: expiresAt, Account: testAccount()}, nil
		},
	}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":"user@example.com","password":"password123"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp loginResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Token != "jwt-token" {
		t.Errorf("token = %q", resp.Token)
	}
	if !resp.Account.Subscription.IsPremium {
		t.Error("有効期限内の購読がプレミアムとして返されていない")
	}
	if resp.Account.Username != "" {
		t.Errorf("利用者にusernameが設定されている: %q", resp.Account.Username)
	}
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.LoginResult, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":"user@example.com","password":"wrong"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidCredentials {
		t.Errorf("code = %q", got)
	}
}

func TestAuthHandler_Login_InternalErrorIsMasked(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.LoginResult, error) {
			return nil, errors.New("pq: connection refused")
		},
	}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":"user@example.com","password":"x"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("pq:")) {
		t.Errorf("内部エラーの詳細がレスポンスに含まれている: %s", w.Body.String())
	}
}

// --- POST /auth/admin/login ---

func TestAuthHandler_AdminLogin_ReturnsUsername(t *testing.T) {
	svc := &mockAuthService{
		adminLoginFn: func(ctx context.Context, username, password string) (*auth.LoginResult, error) {
			if username != "root" {
				t.Errorf("username = %q", username)
			}
			return &auth.LoginResult{
				Token:   "admin-token",
				Account: &model.Account{ID: "adm-1", Role: model.RoleAdmin, LoginName: "root"},
			}, nil
		},
	}
	h := NewAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/admin/login", bytes.NewBufferString(`{"username":"root","password":"secret-pass"}`))
	w := httptest.NewRecorder()
	h.AdminLogin(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp loginResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Account.Role != "admin" || resp.Account.Username != "root" {
		t.Errorf("account = %+v", resp.Account)
	}
}

// --- POST /auth/logout, /auth/logout-all ---

func TestAuthHandler_Logout_Success(t *testing.T) {
	var loggedOut string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, accountID string) error {
			loggedOut = accountID
			return nil
		},
	}
	h := NewAuthHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/auth/logout", nil), "acc-1", model.RoleUser)
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if loggedOut != "acc-1" {
		t.Errorf("Logout accountID = %q", loggedOut)
	}
	var resp messageResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Message != "logged out" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestAuthHandler_Logout_NoPrincipal(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthHandler_LogoutAll_Success(t *testing.T) {
	called := false
	svc := &mockAuthService{
		logoutAllFn: func(ctx context.Context, accountID string) error {
			called = accountID == "acc-1"
			return nil
		},
	}
	h := NewAuthHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil), "acc-1", model.RoleUser)
	w := httptest.NewRecorder()
	h.LogoutAll(w, req)

	if w.Code != http.StatusOK || !called {
		t.Errorf("status = %d, called = %v", w.Code, called)
	}
}

// --- GET /auth/me ---

func TestAuthHandler_Me_ReturnsSubscription(t *testing.T) {
	svc := &mockAuthService{
		currentAccountFn: func(ctx context.Context, principal *model.Principal) (*model.Account, error) {
			if principal.AccountID != "acc-1" {
				t.Errorf("principal = %+v", principal)
			}
			return testAccount(), nil
		},
	}
	h := NewAuthHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "acc-1", model.RoleUser)
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp accountResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Subscription.Active || !resp.Subscription.IsPremium || resp.Subscription.AccessCode != "ABCDE12345" {
		t.Errorf("subscription = %+v", resp.Subscription)
	}
}

func TestAuthHandler_Me_ExpiredSubscriptionIsNotPremium(t *testing.T) {
	svc := &mockAuthService{
		currentAccountFn: func(ctx context.Context, principal *model.Principal) (*model.Account, error) {
			a := testAccount()
			past := time.Now().Add(-time.Hour)
			a.Subscription.ExpiryDate = &past
			return a, nil
		},
	}
	h := NewAuthHandler(svc)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "acc-1", model.RoleUser)
	w := httptest.NewRecorder()
	h.Me(w, req)

	var resp accountResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Subscription.IsPremium {
		t.Error("期限切れの購読がプレミアムとして返されている")
	}
}

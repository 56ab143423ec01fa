package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/quizpass/internal/model"
	"github.com/hitoshi/quizpass/internal/payment"
	"github.com/hitoshi/quizpass/internal/provider"
)

// --- モック定義 ---

// mockPaymentService はPaymentServiceInterfaceのモック実装。
type mockPaymentService struct {
	initiateFn           func(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
	verifyFn             func(ctx context.Context, transactionID string) (*payment.Outcome, error)
	handleNotificationFn func(ctx context.Context, transactionID string) (*payment.Outcome, error)
	getFn                func(ctx context.Context, transactionID string) (*model.Payment, error)
	notified             []string
}

func (m *mockPaymentService) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error) {
	return m.initiateFn(ctx, req)
}

func (m *mockPaymentService) Verify(ctx context.Context, transactionID string) (*payment.Outcome, error) {
	return m.verifyFn(ctx, transactionID)
}

func (m *mockPaymentService) HandleNotification(ctx context.Context, transactionID string) (*payment.Outcome, error) {
	m.notified = append(m.notified, transactionID)
	if m.handleNotificationFn != nil {
		return m.handleNotificationFn(ctx, transactionID)
	}
	return &payment.Outcome{Status: model.PaymentStatusPending}, nil
}

func (m *mockPaymentService) Get(ctx context.Context, transactionID string) (*model.Payment, error) {
	return m.getFn(ctx, transactionID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

func assertAck(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if w.Body.String() != "OK" {
		t.Errorf("body = %q, want %q", w.Body.String(), "OK")
	}
}

// --- POST /payment/initiate ---

func TestPaymentHandler_Initiate_ManualFlow(t *testing.T) {
	svc := &mockPaymentService{
		initiateFn: func(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error) {
			if req.Operator != "mtn" || req.PhoneNumber != "+22997000000" || req.Amount != 5000 {
				t.Errorf("req = %+v", req)
			}
			if req.AccountID != nil {
				t.Errorf("未ログインでAccountIDが設定されている: %v", *req.AccountID)
			}
			return &payment.InitiateResult{
				TransactionID: "TXN-1-ABCDEF",
				PaymentID:     "pay-1",
				Operator:      "mtn",
				Flow:          provider.FlowManual,
				Instructions:  []string{"1", "2", "3", "4", "5000", "6"},
			}, nil
		},
	}
	h := NewPaymentHandler(svc, nil, discardLogger())

	body := `{"operator":"mtn","phoneNumber":"+22997000000","amount":5000}`
	req := httptest.NewRequest(http.MethodPost, "/payment/initiate", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Initiate(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp initiateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TransactionID != "TXN-1-ABCDEF" || resp.PaymentID != "pay-1" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Instructions) != 6 || resp.PaymentURL != "" {
		t.Errorf("手動フローのレスポンスが不正: %+v", resp)
	}
}

func TestPaymentHandler_Initiate_LinksLoggedInAccount(t *testing.T) {
	svc := &mockPaymentService{
		initiateFn: func(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error) {
			if req.AccountID == nil || *req.AccountID != "acc-1" {
				t.Errorf("AccountID = %v, want acc-1", req.AccountID)
			}
			if req.Email != "user@example.com" {
				t.Errorf("Email = %q, want account email", req.Email)
			}
			return &payment.InitiateResult{TransactionID: "TXN-1", Flow: provider.FlowHosted, PaymentURL: "https://checkout.example.com/p"}, nil
		},
	}
	accounts := &mockAuthService{
		currentAccountFn: func(ctx context.Context, principal *model.Principal) (*model.Account, error) {
			return testAccount(), nil
		},
	}
	h := NewPaymentHandler(svc, accounts, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/payment/initiate", bytes.NewBufferString(`{"operator":"card","amount":5000}`))
	req = withPrincipal(req, "acc-1", model.RoleUser)
	w := httptest.NewRecorder()
	h.Initiate(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestPaymentHandler_Initiate_UnsupportedOperator(t *testing.T) {
	svc := &mockPaymentService{
		initiateFn: func(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error) {
			return nil, model.NewUnsupportedOperatorError(req.Operator)
		},
	}
	h := NewPaymentHandler(svc, nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/payment/initiate", bytes.NewBufferString(`{"operator":"paypal","amount":5000}`))
	w := httptest.NewRecorder()
	h.Initiate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeUnsupportedOperator {
		t.Errorf("code = %q", got)
	}
}

// --- POST /payment/verify ---

func completedOutcome(accountID *string) func(ctx context.Context, transactionID string) (*payment.Outcome, error) {
	expiry := time.Now().Add(30 * 24 * time.Hour)
	return func(ctx context.Context, transactionID string) (*payment.Outcome, error) {
		return &payment.Outcome{
			Status:  model.PaymentStatusCompleted,
			Applied: true,
			Payment: &model.Payment{
				TransactionID: transactionID,
				AccountID:     accountID,
				Status:        model.PaymentStatusCompleted,
				AccessCode:    "ABCDE12345",
				AccessExpiry:  &expiry,
			},
		}, nil
	}
}

func TestPaymentHandler_Verify_Completed(t *testing.T) {
	accountID := "acc-1"
	var gotTxn string
	verify := completedOutcome(&accountID)
	svc := &mockPaymentService{
		verifyFn: func(ctx context.Context, transactionID string) (*payment.Outcome, error) {
			gotTxn = transactionID
			return verify(ctx, transactionID)
		},
	}
	h := NewPaymentHandler(svc, nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/payment/verify", bytes.NewBufferString(`{"transactionId":"TXN-1"}`))
	req = withPrincipal(req, "acc-1", model.RoleUser)
	w := httptest.NewRecorder()
	h.Verify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotTxn != "TXN-1" {
		t.Errorf("transactionID = %q", gotTxn)
	}
	var resp verifyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "completed" || resp.Payment == nil || resp.Payment.AccessCode != "ABCDE12345" || resp.Payment.AccessExpiry == nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPaymentHandler_Verify_WithholdsAccessCode(t *testing.T) {
	owner := "acc-1"
	tests := []struct {
		name      string
		accountID *string
		principal *model.Principal
	}{
		{"メールアドレスのみの購入・未ログイン", nil, nil},
		{"メールアドレスのみの購入・ログイン中", nil, &model.Principal{AccountID: "acc-1", Role: model.RoleUser}},
		{"紐付きアカウントの購入・未ログイン", &owner, nil},
		{"紐付きアカウントの購入・別アカウント", &owner, &model.Principal{AccountID: "acc-2", Role: model.RoleUser}},
		{"紐付きアカウントの購入・管理者", &owner, &model.Principal{AccountID: "acc-1", Role: model.RoleAdmin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPaymentService{verifyFn: completedOutcome(tt.accountID)}
			h := NewPaymentHandler(svc, nil, discardLogger())

			req := httptest.NewRequest(http.MethodPost, "/payment/verify", bytes.NewBufferString(`{"transactionId":"TXN-1"}`))
			if tt.principal != nil {
				req = withPrincipal(req, tt.principal.AccountID, tt.principal.Role)
			}
			w := httptest.NewRecorder()
			h.Verify(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if strings.Contains(w.Body.String(), "ABCDE12345") {
				t.Errorf("アクセスコードが応答に含まれている: %s", w.Body.String())
			}
			var resp verifyResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != "completed" || resp.Payment == nil || resp.Payment.AccessExpiry != nil {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestPaymentHandler_Verify_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", model.NewPaymentNotFoundError("TXN-404"), http.StatusNotFound, model.ErrCodePaymentNotFound},
		{"provider unavailable", model.NewProviderUnavailableError("timeout"), http.StatusBadGateway, model.ErrCodeProviderUnavailable},
		{"provider rejected", model.NewProviderRejectedError("627", "NOT_FOUND"), http.StatusBadGateway, model.ErrCodeProviderRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPaymentService{
				verifyFn: func(ctx context.Context, transactionID string) (*payment.Outcome, error) {
					return nil, tt.err
				},
			}
			h := NewPaymentHandler(svc, nil, discardLogger())

			req := httptest.NewRequest(http.MethodPost, "/payment/verify", bytes.NewBufferString(`{"transactionId":"TXN-404"}`))
			w := httptest.NewRecorder()
			h.Verify(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

// --- POST /payment/notify ---

func TestPaymentHandler_Notify_ReconcilesByTransactionID(t *testing.T) {
	svc := &mockPaymentService{}
	h := NewPaymentHandler(svc, nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/payment/notify", strings.NewReader("cpm_trans_id=TXN-1&cpm_site_id=site-1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.Notify(w, req)

	assertAck(t, w)
	if len(svc.notified) != 1 || svc.notified[0] != "TXN-1" {
		t.Errorf("照合された取引 = %v, want [TXN-1]", svc.notified)
	}
}

func TestPaymentHandler_Notify_AlwaysAcknowledges(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		serviceErr  error
	}{
		{"取引IDなし", "application/json", `{"status":"ACCEPTED"}`, nil},
		{"不正なJSON", "application/json", `{`, nil},
		{"未知の取引", "application/json", `{"transaction_id":"TXN-404"}`, model.NewPaymentNotFoundError("TXN-404")},
		{"決済代行サービス障害", "application/json", `{"transaction_id":"TXN-1"}`, model.NewProviderUnavailableError("timeout")},
		{"内部エラー", "application/json", `{"transaction_id":"TXN-1"}`, errors.New("db down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPaymentService{
				handleNotificationFn: func(ctx context.Context, transactionID string) (*payment.Outcome, error) {
					return nil, tt.serviceErr
				},
			}
			if tt.serviceErr == nil {
				svc.handleNotificationFn = nil
			}
			h := NewPaymentHandler(svc, nil, discardLogger())

			req := httptest.NewRequest(http.MethodPost, "/payment/notify", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			h.Notify(w, req)

			assertAck(t, w)
		})
	}
}

// --- GET /admin/payments/{transactionId} ---

func TestPaymentHandler_AdminGetPayment(t *testing.T) {
	accountID := "acc-1"
	svc := &mockPaymentService{
		getFn: func(ctx context.Context, transactionID string) (*model.Payment, error) {
			if transactionID != "TXN-1" {
				t.Errorf("transactionID = %q", transactionID)
			}
			return &model.Payment{
				ID:            "pay-1",
				TransactionID: "TXN-1",
				AccountID:     &accountID,
				Amount:        5000,
				Currency:      "XOF",
				Operator:      "mtn",
				PhoneNumber:   "+22997000000",
				Status:        model.PaymentStatusPending,
			}, nil
		},
	}
	h := NewPaymentHandler(svc, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/admin/payments/TXN-1", nil)
	req = withChiURLParam(req, "transactionId", "TXN-1")
	w := httptest.NewRecorder()
	h.AdminGetPayment(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["id"] != "pay-1" || resp["transactionId"] != "TXN-1" || resp["phoneNumber"] != "+22997000000" || resp["accountId"] != "acc-1" {
		t.Errorf("resp = %v", resp)
	}
}

func TestPaymentHandler_AdminGetPayment_NotFound(t *testing.T) {
	svc := &mockPaymentService{
		getFn: func(ctx context.Context, transactionID string) (*model.Payment, error) {
			return nil, model.NewPaymentNotFoundError(transactionID)
		},
	}
	h := NewPaymentHandler(svc, nil, discardLogger())

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/admin/payments/TXN-404", nil), "transactionId", "TXN-404")
	w := httptest.NewRecorder()
	h.AdminGetPayment(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

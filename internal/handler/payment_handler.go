package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/quizpass/internal/middleware"
	"github.com/hitoshi/quizpass/internal/model"
	"github.com/hitoshi/quizpass/internal/payment"
	"github.com/hitoshi/quizpass/internal/provider"
)

// PaymentServiceInterface は決済ハンドラーが必要とするサービスインターフェース。
type PaymentServiceInterface interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
	Verify(ctx context.Context, transactionID string) (*payment.Outcome, error)
	HandleNotification(ctx context.Context, transactionID string) (*payment.Outcome, error)
	Get(ctx context.Context, transactionID string) (*model.Payment, error)
}

// AccountFinder はログイン中のアカウントを取得するインターフェース。
// 決済開始時にメールアドレスを補完するために使う。
type AccountFinder interface {
	CurrentAccount(ctx context.Context, principal *model.Principal) (*model.Account, error)
}

// PaymentHandler は決済関連のHTTPハンドラー。
type PaymentHandler struct {
	service  PaymentServiceInterface
	accounts AccountFinder
	logger   *slog.Logger
}

// NewPaymentHandler はPaymentHandlerを生成する。
func NewPaymentHandler(service PaymentServiceInterface, accounts AccountFinder, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		accounts: accounts,
		logger:   logger,
	}
}

type initiateRequest struct {
	Operator    string `json:"operator"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
	Amount      int64  `json:"amount"`
}

type initiateResponse struct {
	TransactionID string   `json:"transactionId"`
	PaymentID     string   `json:"paymentId"`
	Operator      string   `json:"operator"`
	Flow          string   `json:"flow"`
	Instructions  []string `json:"instructions,omitempty"`
	PaymentURL    string   `json:"paymentUrl,omitempty"`
}

type verifyRequest struct {
	TransactionID string `json:"transactionId"`
}

type paymentResponse struct {
	TransactionID string     `json:"transactionId"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Operator      string     `json:"operator"`
	AccessCode    string     `json:"accessCode,omitempty"`
	AccessExpiry  *time.Time `json:"accessExpiry,omitempty"`
	PaymentURL    string     `json:"paymentUrl,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

type verifyResponse struct {
	Status  string           `json:"status"`
	Payment *paymentResponse `json:"payment,omitempty"`
}

// adminPaymentResponse は管理者向けの決済情報。連絡先と紐付くアカウントを含む。
type adminPaymentResponse struct {
	paymentResponse
	ID          string  `json:"id"`
	AccountID   *string `json:"accountId,omitempty"`
	PhoneNumber string  `json:"phoneNumber,omitempty"`
	Email       string  `json:"email,omitempty"`
}

func toPaymentResponse(p *model.Payment) *paymentResponse {
	if p == nil {
		return nil
	}
	return &paymentResponse{
		TransactionID: p.TransactionID,
		Status:        string(p.Status),
		Amount:        p.Amount,
		Currency:      p.Currency,
		Operator:      p.Operator,
		AccessCode:    p.AccessCode,
		AccessExpiry:  p.AccessExpiry,
		PaymentURL:    p.PaymentURL,
		CreatedAt:     p.CreatedAt,
		CompletedAt:   p.CompletedAt,
	}
}

// Initiate は決済を開始する。ログイン中であれば決済をアカウントに紐付ける。
// POST /payment/initiate
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := payment.InitiateRequest{
		Operator:    req.Operator,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
		Amount:      req.Amount,
	}

	if principal, err := middleware.PrincipalFromContext(r.Context()); err == nil {
		accountID := principal.AccountID
		in.AccountID = &accountID

		if in.Email == "" && h.accounts != nil {
			account, err := h.accounts.CurrentAccount(r.Context(), principal)
			if err != nil {
				handleServiceError(w, err)
				return
			}
			in.Email = account.Email
		}
	}

	result, err := h.service.Initiate(r.Context(), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		TransactionID: result.TransactionID,
		PaymentID:     result.PaymentID,
		Operator:      result.Operator,
		Flow:          string(result.Flow),
		Instructions:  result.Instructions,
		PaymentURL:    result.PaymentURL,
	})
}

// Verify は決済代行サービスに問い合わせて決済の状態を確定させる。
// アクセスコードは決済に紐付くアカウントでログインしている場合のみ返す。
// メールアドレスのみの購入者にはメールで届ける。
// POST /payment/verify
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := h.service.Verify(r.Context(), req.TransactionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := toPaymentResponse(outcome.Payment)
	if resp != nil && !ownsPayment(r, outcome.Payment) {
		resp.AccessCode = ""
		resp.AccessExpiry = nil
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		Status:  string(outcome.Status),
		Payment: resp,
	})
}

// ownsPayment はリクエストの主体が決済に紐付くアカウント本人かを返す。
func ownsPayment(r *http.Request, p *model.Payment) bool {
	if p.AccountID == nil {
		return false
	}
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		return false
	}
	return principal.Role == model.RoleUser && principal.AccountID == *p.AccountID
}

// Notify は決済代行サービスからの通知を受け取る。
// 通知の内容にかかわらず常に200 "OK"を返す。異常はログにのみ記録する。
// POST /payment/notify
func (h *PaymentHandler) Notify(w http.ResponseWriter, r *http.Request) {
	defer writeAck(w)

	n, err := provider.ParseNotification(r)
	if err != nil {
		h.logger.Warn("決済通知を解析できませんでした",
			slog.String("error", err.Error()),
			slog.String("content_type", r.Header.Get("Content-Type")),
		)
		return
	}

	outcome, err := h.service.HandleNotification(r.Context(), n.TransactionID)
	if err != nil {
		h.logger.Warn("決済通知の照合に失敗しました",
			slog.String("transaction_id", n.TransactionID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("決済通知を処理しました",
		slog.String("transaction_id", n.TransactionID),
		slog.String("status", string(outcome.Status)),
		slog.Bool("applied", outcome.Applied),
	)
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// AdminGetPayment は取引IDで決済を取得する。
// GET /admin/payments/{transactionId}
func (h *PaymentHandler) AdminGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, adminPaymentResponse{
		paymentResponse: *toPaymentResponse(p),
		ID:              p.ID,
		AccountID:       p.AccountID,
		PhoneNumber:     p.PhoneNumber,
		Email:           p.Email,
	})
}

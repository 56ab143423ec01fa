// Package payment は決済の開始と、決済代行サービスとの照合による状態遷移を提供する。
// pendingから終端状態への遷移は決済ごとに1回だけ適用される。
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/quizpass/internal/metrics"
	"github.com/hitoshi/quizpass/internal/model"
	"github.com/hitoshi/quizpass/internal/provider"
	"github.com/hitoshi/quizpass/internal/repository"
)

// Gateway は決済代行サービスのクライアントインターフェース。
type Gateway interface {
	Initiate(ctx context.Context, params provider.InitiateParams) (*provider.InitiateResult, error)
	Check(ctx context.Context, transactionID string) (*provider.CheckResult, error)
}

// Trigger は照合の契機を表す。メトリクスのラベルに使う。
type Trigger string

const (
	TriggerVerify       Trigger = "verify"
	TriggerNotification Trigger = "notification"
)

// Config は決済サービスの設定。
type Config struct {
	Currency       string
	AccessDuration time.Duration
	Description    string
}

// InitiateRequest は決済開始要求。
type InitiateRequest struct {
	Operator    string
	PhoneNumber string
	Email       string
	Amount      int64
	AccountID   *string // ログイン済みの場合のみ
}

// InitiateResult は決済開始の結果。
// 手動フローではInstructions、ホスト型フローではPaymentURLが設定される。
type InitiateResult struct {
	TransactionID string
	PaymentID     string
	Operator      string
	Flow          provider.Flow
	Instructions  []string
	PaymentURL    string
}

// Outcome は照合の結果。
// Appliedは今回の呼び出しで状態遷移が適用された場合のみtrue。
type Outcome struct {
	Status  model.PaymentStatus
	Payment *model.Payment
	Applied bool
}

// Service は決済の開始と照合を行うサービス。
type Service struct {
	payments  repository.PaymentRepository
	gateway   Gateway
	catalogue *provider.Catalogue
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	config    Config

	now           func() time.Time
	newAccessCode func() (string, error)
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	payments repository.PaymentRepository,
	gateway Gateway,
	catalogue *provider.Catalogue,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config Config,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if config.AccessDuration <= 0 {
		config.AccessDuration = 30 * 24 * time.Hour
	}
	if config.Description == "" {
		config.Description = "QuizPass プレミアムアクセス"
	}
	return &Service{
		payments:      payments,
		gateway:       gateway,
		catalogue:     catalogue,
		logger:        logger,
		metrics:       collector,
		config:        config,
		now:           time.Now,
		newAccessCode: NewAccessCode,
	}
}

// Initiate は決済を開始する。決済をpendingで記録して決済代行サービスに取引を登録し、
// 手動フローなら送金手順を、ホスト型フローなら決済ページURLを返す。支払いの完了は待たない。
// 取引の登録に失敗した場合、記録した決済はfailedになる。
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	op, ok := s.catalogue.Lookup(req.Operator)
	if !ok {
		return nil, model.NewUnsupportedOperatorError(req.Operator)
	}
	if req.Amount <= 0 {
		return nil, model.NewInvalidInputError("金額は1以上である必要があります")
	}

	phone := strings.TrimSpace(req.PhoneNumber)
	email := strings.TrimSpace(req.Email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, model.NewInvalidInputError("メールアドレスの形式が正しくありません")
		}
		email = addr.Address
	}
	switch op.Flow {
	case provider.FlowManual:
		if phone == "" {
			return nil, model.NewInvalidInputError("電話番号は必須です")
		}
	case provider.FlowHosted:
		if email == "" {
			return nil, model.NewInvalidInputError("メールアドレスは必須です")
		}
	}

	now := s.now()
	txnID, err := newTransactionID(now)
	if err != nil {
		return nil, err
	}

	p := &model.Payment{
		ID:            uuid.New().String(),
		TransactionID: txnID,
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		Currency:      s.config.Currency,
		Operator:      op.Code,
		PhoneNumber:   phone,
		Email:         email,
		Status:        model.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("決済の記録に失敗しました: %w", err)
	}

	result := &InitiateResult{
		TransactionID: p.TransactionID,
		PaymentID:     p.ID,
		Operator:      op.Code,
		Flow:          op.Flow,
	}

	// 手動フローでも決済代行サービスに取引を登録する。未登録の取引は照合で見つからない
	res, err := s.gateway.Initiate(ctx, provider.InitiateParams{
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		Description:   s.config.Description,
		Channel:       op.Channel,
		CustomerEmail: p.Email,
		CustomerPhone: p.PhoneNumber,
	})
	if err != nil {
		s.logger.Warn("決済代行サービスへの取引登録に失敗しました",
			slog.String("transaction_id", p.TransactionID),
			slog.String("operator", op.Code),
			slog.String("error", err.Error()),
		)
		s.abandon(ctx, p.TransactionID)
		return nil, err
	}
	if res.PaymentURL != "" {
		if err := s.payments.UpdatePaymentURL(ctx, p.ID, res.PaymentURL); err != nil {
			return nil, fmt.Errorf("決済ページURLの記録に失敗しました: %w", err)
		}
	}

	if op.Flow == provider.FlowHosted {
		result.PaymentURL = res.PaymentURL
	} else {
		result.Instructions = s.catalogue.Instructions(op, p.Amount)
	}

	s.metrics.RecordPaymentInitiated(op.Code)
	s.logger.Info("決済を開始しました",
		slog.String("transaction_id", p.TransactionID),
		slog.String("operator", op.Code),
		slog.Int64("amount", p.Amount),
	)

	return result, nil
}

// abandon は決済代行サービスに登録できなかった決済をfailedにする。
// 照合されることのないpendingの決済を残さないため。
func (s *Service) abandon(ctx context.Context, transactionID string) {
	if _, _, err := s.payments.Fail(context.WithoutCancel(ctx), transactionID, s.now()); err != nil {
		s.logger.Error("未登録の決済の失敗処理に失敗しました",
			slog.String("transaction_id", transactionID),
			slog.String("error", err.Error()),
		)
	}
}

// Verify はクライアントからの確認要求に応じて決済を照合する。
func (s *Service) Verify(ctx context.Context, transactionID string) (*Outcome, error) {
	return s.reconcile(ctx, transactionID, TriggerVerify)
}

// HandleNotification は決済代行サービスからの通知を受けて決済を照合する。
// 通知内容の状態は使わず、必ず決済代行サービスに問い合わせる。
func (s *Service) HandleNotification(ctx context.Context, transactionID string) (*Outcome, error) {
	return s.reconcile(ctx, transactionID, TriggerNotification)
}

// Get は取引IDで決済を取得する。
func (s *Service) Get(ctx context.Context, transactionID string) (*model.Payment, error) {
	p, err := s.payments.FindByTransactionID(ctx, strings.TrimSpace(transactionID))
	if err != nil {
		return nil, fmt.Errorf("決済の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPaymentNotFoundError(transactionID)
	}
	return p, nil
}

func (s *Service) reconcile(ctx context.Context, transactionID string, trigger Trigger) (*Outcome, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, model.NewInvalidInputError("取引IDは必須です")
	}

	p, err := s.payments.FindByTransactionID(ctx, transactionID)
	if err != nil {
		s.record(trigger, "error")
		return nil, fmt.Errorf("決済の取得に失敗しました: %w", err)
	}
	if p == nil {
		s.record(trigger, "not_found")
		return nil, model.NewPaymentNotFoundError(transactionID)
	}

	// 終端状態の決済は再照合しない
	if p.Status.IsTerminal() {
		s.record(trigger, "unchanged")
		return &Outcome{Status: p.Status, Payment: p}, nil
	}

	result, err := s.gateway.Check(ctx, transactionID)
	if err != nil {
		s.record(trigger, "provider_error")
		return nil, err
	}

	// 確認が取れた後の書き込みはクライアントの切断で中断させない
	writeCtx := context.WithoutCancel(ctx)

	switch result.Outcome {
	case provider.OutcomeAccepted:
		return s.complete(writeCtx, transactionID, trigger)
	case provider.OutcomeRefused:
		return s.fail(writeCtx, transactionID, trigger, result.RawStatus)
	default:
		s.record(trigger, "pending")
		return &Outcome{Status: model.PaymentStatusPending, Payment: p}, nil
	}
}

func (s *Service) complete(ctx context.Context, transactionID string, trigger Trigger) (*Outcome, error) {
	code, err := s.newAccessCode()
	if err != nil {
		s.record(trigger, "error")
		return nil, err
	}
	now := s.now()

	stored, applied, err := s.payments.Complete(ctx, model.Completion{
		TransactionID: transactionID,
		AccessCode:    code,
		AccessExpiry:  now.Add(s.config.AccessDuration),
		CompletedAt:   now,
	})
	if err != nil {
		s.record(trigger, "error")
		return nil, fmt.Errorf("決済の完了処理に失敗しました: %w", err)
	}
	if stored == nil {
		s.record(trigger, "error")
		return nil, fmt.Errorf("決済が見つかりません: %s", transactionID)
	}

	if !applied {
		s.record(trigger, "unchanged")
		s.logger.Info("決済は既に確定済みです",
			slog.String("transaction_id", transactionID),
			slog.String("status", string(stored.Status)),
		)
		return &Outcome{Status: stored.Status, Payment: stored}, nil
	}

	s.record(trigger, string(model.PaymentStatusCompleted))
	s.logger.Info("決済が完了しました",
		slog.String("transaction_id", transactionID),
		slog.String("trigger", string(trigger)),
	)
	return &Outcome{Status: stored.Status, Payment: stored, Applied: true}, nil
}

func (s *Service) fail(ctx context.Context, transactionID string, trigger Trigger, rawStatus string) (*Outcome, error) {
	stored, applied, err := s.payments.Fail(ctx, transactionID, s.now())
	if err != nil {
		s.record(trigger, "error")
		return nil, fmt.Errorf("決済の失敗処理に失敗しました: %w", err)
	}
	if stored == nil {
		s.record(trigger, "error")
		return nil, fmt.Errorf("決済が見つかりません: %s", transactionID)
	}

	if !applied {
		s.record(trigger, "unchanged")
		return &Outcome{Status: stored.Status, Payment: stored}, nil
	}

	s.record(trigger, string(model.PaymentStatusFailed))
	s.logger.Info("決済が拒否されました",
		slog.String("transaction_id", transactionID),
		slog.String("provider_status", rawStatus),
	)
	return &Outcome{Status: stored.Status, Payment: stored, Applied: true}, nil
}

func (s *Service) record(trigger Trigger, outcome string) {
	s.metrics.RecordReconciliation(string(trigger), outcome)
}

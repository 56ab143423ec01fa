package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/quizpass/internal/model"
)

const paymentColumns = `id, transaction_id, account_id, amount, currency, operator,
	phone_number, email, status, access_code, access_expiry, payment_url,
	created_at, updated_at, completed_at`

// PostgresPaymentRepo はPostgreSQLを使用した決済台帳リポジトリ。
type PostgresPaymentRepo struct {
	db *sql.DB
}

// NewPostgresPaymentRepo はPostgresPaymentRepoを生成する。
func NewPostgresPaymentRepo(db *sql.DB) *PostgresPaymentRepo {
	return &PostgresPaymentRepo{db: db}
}

// Create はpending状態の決済を作成する。
func (r *PostgresPaymentRepo) Create(ctx context.Context, p *model.Payment) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (id, transaction_id, account_id, amount, currency, operator,
		                       phone_number, email, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TransactionID, nullStringFromPtr(p.AccountID), p.Amount, p.Currency, p.Operator,
		nullString(p.PhoneNumber), nullString(p.Email), string(model.PaymentStatusPending),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdatePaymentURL はホスト型決済ページのURLを記録する。
func (r *PostgresPaymentRepo) UpdatePaymentURL(ctx context.Context, paymentID, paymentURL string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE payments SET payment_url = $2, updated_at = now() WHERE id = $1`,
		paymentID, paymentURL,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment url: %w", err)
	}
	return requireOneRow(result, "payment", paymentID)
}

// FindByTransactionID は取引IDで決済を取得する。見つからない場合はnilを返す。
func (r *PostgresPaymentRepo) FindByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`,
		transactionID,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find payment by transaction ID: %w", err)
	}
	return p, nil
}

// Complete はpendingの決済をcompletedへ条件付きで遷移させる。
// 遷移が適用された場合のみ、同一トランザクション内で以下を行う:
//   - 紐付くアカウントの購読情報（active, 有効期限, アクセスコード）の更新
//   - アクセスコード通知メールのアウトボックス登録（決済ごとに1件）
func (r *PostgresPaymentRepo) Complete(ctx context.Context, c model.Completion) (*model.Payment, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. 条件付き更新（compare-and-swap）
	row := tx.QueryRowContext(ctx,
		`UPDATE payments
		 SET status = 'completed', access_code = $2, access_expiry = $3,
		     completed_at = $4, updated_at = $4
		 WHERE transaction_id = $1 AND status = 'pending'
		 RETURNING `+paymentColumns,
		c.TransactionID, c.AccessCode, c.AccessExpiry, c.CompletedAt,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete payment: %w", err)
	}
	if p == nil {
		// 他の呼び出しが先に終端状態へ遷移させた
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return nil, false, fmt.Errorf("failed to rollback transaction: %w", err)
		}
		stored, err := r.FindByTransactionID(ctx, c.TransactionID)
		if err != nil {
			return nil, false, err
		}
		return stored, false, nil
	}

	// 2. 購読情報の更新
	recipient := p.Email
	if p.AccountID != nil {
		var accountEmail sql.NullString
		err := tx.QueryRowContext(ctx,
			`UPDATE accounts
			 SET subscription_active = TRUE, subscription_expiry = $2,
			     subscription_access_code = $3, updated_at = $4
			 WHERE id = $1
			 RETURNING email`,
			*p.AccountID, c.AccessExpiry, c.AccessCode, c.CompletedAt,
		).Scan(&accountEmail)
		if err != nil {
			return nil, false, fmt.Errorf("failed to activate subscription: %w", err)
		}
		if recipient == "" {
			recipient = nullStringValue(accountEmail)
		}
	}

	// 3. 通知メールのアウトボックス登録
	if recipient != "" {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO email_outbox (id, payment_id, recipient, access_code, access_expiry,
			                           account_linked, status, attempts, next_attempt_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $7)
			 ON CONFLICT (payment_id) DO NOTHING`,
			uuid.New().String(), p.ID, recipient, c.AccessCode, c.AccessExpiry, p.AccountID != nil, c.CompletedAt,
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to enqueue access code email: %w", err)
		}
	} else {
		slog.Warn("completed payment has no email recipient",
			slog.String("transaction_id", p.TransactionID),
		)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return p, true, nil
}

// Fail はpendingの決済をfailedへ条件付きで遷移させる。
func (r *PostgresPaymentRepo) Fail(ctx context.Context, transactionID string, at time.Time) (*model.Payment, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE payments SET status = 'failed', updated_at = $2
		 WHERE transaction_id = $1 AND status = 'pending'
		 RETURNING `+paymentColumns,
		transactionID, at,
	)
	p, err := scanPayment(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if p != nil {
		return p, true, nil
	}

	stored, err := r.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	p := &model.Payment{}
	var accountID, phone, email, accessCode, paymentURL sql.NullString
	var status string
	var accessExpiry, completedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.TransactionID, &accountID, &p.Amount, &p.Currency, &p.Operator,
		&phone, &email, &status, &accessCode, &accessExpiry, &paymentURL,
		&p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.AccountID = nullStringPtr(accountID)
	p.PhoneNumber = nullStringValue(phone)
	p.Email = nullStringValue(email)
	p.Status = model.PaymentStatus(status)
	p.AccessCode = nullStringValue(accessCode)
	p.AccessExpiry = nullTimePtr(accessExpiry)
	p.PaymentURL = nullStringValue(paymentURL)
	p.CompletedAt = nullTimePtr(completedAt)

	return p, nil
}

// compile-time interface check
var _ PaymentRepository = (*PostgresPaymentRepo)(nil)

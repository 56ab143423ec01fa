package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/quizpass/internal/model"
)

// PostgresOutboxRepo はPostgreSQLを使用したメール送信アウトボックスのリポジトリ。
type PostgresOutboxRepo struct {
	db *sql.DB
}

// NewPostgresOutboxRepo はPostgresOutboxRepoを生成する。
func NewPostgresOutboxRepo(db *sql.DB) *PostgresOutboxRepo {
	return &PostgresOutboxRepo{db: db}
}

// ClaimDue は送信期限を迎えたメッセージを取得し、lease分だけnext_attempt_atを先送りする。
// 取得と先送りを1つのUPDATE文で行うため、並行するワーカー間で同じメッセージを重複取得しない。
func (r *PostgresOutboxRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE email_outbox
		 SET next_attempt_at = now() + $2::interval
		 WHERE id IN (
		     SELECT id FROM email_outbox
		     WHERE status = 'pending' AND next_attempt_at <= now()
		     ORDER BY next_attempt_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, payment_id, recipient, access_code, access_expiry, account_linked, status,
		           attempts, next_attempt_at, last_error, created_at, sent_at`,
		limit, fmt.Sprintf("%d seconds", int(lease.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.OutboxMessage
	for rows.Next() {
		m := &model.OutboxMessage{}
		var status string
		var lastError sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(
			&m.ID, &m.PaymentID, &m.Recipient, &m.AccessCode, &m.AccessExpiry, &m.AccountLinked, &status,
			&m.Attempts, &m.NextAttemptAt, &lastError, &m.CreatedAt, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		m.Status = model.OutboxStatus(status)
		m.LastError = nullStringValue(lastError)
		m.SentAt = nullTimePtr(sentAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox messages: %w", err)
	}

	return messages, nil
}

// MarkSent は送信済みにする。
func (r *PostgresOutboxRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE email_outbox SET status = 'sent', sent_at = $2, attempts = attempts + 1, last_error = NULL
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	return nil
}

// MarkRetry は送信失敗を記録し、次回試行時刻を設定する。
func (r *PostgresOutboxRepo) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE email_outbox SET attempts = $2, next_attempt_at = $3, last_error = $4
		 WHERE id = $1 AND status = 'pending'`,
		id, attempts, nextAttemptAt, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox message: %w", err)
	}
	return nil
}

// MarkDead は送信断念状態にする。
func (r *PostgresOutboxRepo) MarkDead(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE email_outbox SET status = 'dead', attempts = $2, last_error = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, attempts, lastError,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox message dead: %w", err)
	}
	return nil
}

// compile-time interface check
var _ OutboxRepository = (*PostgresOutboxRepo)(nil)

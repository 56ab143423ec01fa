// Package outbox はアクセスコード通知メールのアウトボックス配信ジョブを提供する。
// 決済完了時に登録されたメッセージを取得して送信し、失敗時は指数バックオフで再試行する。
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/quizpass/internal/metrics"
	"github.com/hitoshi/quizpass/internal/model"
	"github.com/hitoshi/quizpass/internal/notification"
	"github.com/hitoshi/quizpass/internal/repository"
)

// AccessCodeSender はアクセスコード通知メールの送信インターフェース。
type AccessCodeSender interface {
	SendAccessCode(ctx context.Context, email, code string, expiry time.Time, accountLinked bool) error
}

// 配信結果（メトリクスのラベル）
const (
	outcomeSent  = "sent"
	outcomeRetry = "retry"
	outcomeDead  = "dead"
)

// Job はアウトボックスの配信ジョブ。
// 複数のワーカープロセスで同時に実行しても、ClaimDueのリースにより同じメッセージを重複取得しない。
type Job struct {
	repo    repository.OutboxRepository
	sender  AccessCodeSender
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	BatchSize      int           // 1サイクルで取得する最大件数（デフォルト: 20）
	MaxAttempts    int           // 送信を断念するまでの最大試行回数（デフォルト: 8）
	Lease          time.Duration // 取得したメッセージを他のワーカーから隠す時間（デフォルト: 2分）
	MaxConcurrency int           // 同時送信数（デフォルト: 4）

	now func() time.Time
}

// NewJob はJobの新しいインスタンスを生成する。
func NewJob(
	repo repository.OutboxRepository,
	sender AccessCodeSender,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Job {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Job{
		repo:           repo,
		sender:         sender,
		logger:         logger,
		metrics:        collector,
		BatchSize:      20,
		MaxAttempts:    8,
		Lease:          2 * time.Minute,
		MaxConcurrency: 4,
		now:            time.Now,
	}
}

// Start は指定間隔のティッカーで配信ジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("メール配信ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", j.BatchSize),
	)

	// 起動直後に1回実行
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("メール配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("メール配信ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Error("メール配信サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は送信期限を迎えたメッセージを1回取得し、並列で送信する。
func (j *Job) RunOnce(ctx context.Context) error {
	start := time.Now()

	messages, err := j.repo.ClaimDue(ctx, j.BatchSize, j.Lease)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	sem := make(chan struct{}, j.MaxConcurrency)
	var wg sync.WaitGroup

	for _, msg := range messages {
		wg.Add(1)
		sem <- struct{}{}

		go func(m *model.OutboxMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			j.deliver(ctx, m)
		}(msg)
	}

	wg.Wait()

	j.logger.Info("メール配信サイクルが完了しました",
		slog.Int("message_count", len(messages)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// deliver はメッセージを1件送信し、結果をアウトボックスに記録する。
func (j *Job) deliver(ctx context.Context, m *model.OutboxMessage) {
	sendErr := j.sender.SendAccessCode(ctx, m.Recipient, m.AccessCode, m.AccessExpiry, m.AccountLinked)
	now := j.now()

	if sendErr == nil {
		if err := j.repo.MarkSent(ctx, m.ID, now); err != nil {
			// リース切れ後に再送される可能性がある
			j.logger.Error("送信済みの記録に失敗しました",
				slog.String("outbox_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		j.metrics.RecordEmailDelivery(outcomeSent)
		return
	}

	attempts := m.Attempts + 1
	if attempts >= j.MaxAttempts || errors.Is(sendErr, notification.ErrNoRecipient) {
		if err := j.repo.MarkDead(ctx, m.ID, attempts, sendErr.Error()); err != nil {
			j.logger.Error("送信断念の記録に失敗しました",
				slog.String("outbox_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		j.metrics.RecordEmailDelivery(outcomeDead)
		j.logger.Error("アクセスコード通知メールの送信を断念しました",
			slog.String("outbox_id", m.ID),
			slog.String("payment_id", m.PaymentID),
			slog.Int("attempts", attempts),
			slog.String("error", sendErr.Error()),
		)
		return
	}

	next := now.Add(CalculateBackoff(attempts - 1))
	if err := j.repo.MarkRetry(ctx, m.ID, attempts, next, sendErr.Error()); err != nil {
		j.logger.Error("再試行の記録に失敗しました",
			slog.String("outbox_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
	j.metrics.RecordEmailDelivery(outcomeRetry)
	j.logger.Warn("アクセスコード通知メールの送信に失敗しました",
		slog.String("outbox_id", m.ID),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", sendErr.Error()),
	)
}

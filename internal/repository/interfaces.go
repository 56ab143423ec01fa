// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/quizpass/internal/model"
)

// ErrDuplicateLoginName は同一ロール内でログイン名が重複した場合に返る。
var ErrDuplicateLoginName = errors.New("login name already exists")

// AccountRepository はアカウント（認証情報ストア）の永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByLoginName はロールとログイン名でアカウントを検索する。見つからない場合はnilを返す。
	FindByLoginName(ctx context.Context, role model.Role, loginName string) (*model.Account, error)

	// Create はアカウントを作成する。ログイン名が重複する場合はErrDuplicateLoginNameを返す。
	Create(ctx context.Context, account *model.Account) error

	// StartSession はセッションポインタを新しいセッションIDで上書きし、
	// last_loginとlogin_countを同一UPDATEで更新する。
	// 上書きにより、以前のセッションIDを持つトークンはすべて即座に無効になる。
	StartSession(ctx context.Context, accountID, sessionID string, at time.Time) error

	// ClearSession はセッションポインタをNULLにする。
	ClearSession(ctx context.Context, accountID string) error
}

// PaymentRepository は決済台帳の永続化インターフェース。
type PaymentRepository interface {
	// Create はpending状態の決済を作成する。
	Create(ctx context.Context, payment *model.Payment) error

	// UpdatePaymentURL はホスト型決済ページのURLを記録する。
	UpdatePaymentURL(ctx context.Context, paymentID, paymentURL string) error

	// FindByTransactionID は取引IDで決済を取得する。見つからない場合はnilを返す。
	FindByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error)

	// Complete はstatusがpendingの場合に限りcompletedへ遷移させる条件付き更新を行う。
	// 適用された場合は同一トランザクション内で紐付くアカウントの購読情報を更新し、
	// アクセスコード通知メールをアウトボックスに1件だけ登録する。
	// 戻り値のboolは今回の呼び出しで遷移が適用されたかどうか。
	// 適用されなかった場合は保存済みの決済を返す。
	Complete(ctx context.Context, completion model.Completion) (*model.Payment, bool, error)

	// Fail はstatusがpendingの場合に限りfailedへ遷移させる条件付き更新を行う。
	Fail(ctx context.Context, transactionID string, at time.Time) (*model.Payment, bool, error)
}

// OutboxRepository はアクセスコード通知メールのアウトボックスの永続化インターフェース。
type OutboxRepository interface {
	// ClaimDue は送信期限を迎えたpendingメッセージを最大limit件取得し、
	// leaseの間は他のワーカーから取得されないようnext_attempt_atを先送りする。
	// FOR UPDATE SKIP LOCKEDで複数ワーカー間の重複取得を防ぐ。
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxMessage, error)

	// MarkSent は送信済みにする。
	MarkSent(ctx context.Context, id string, at time.Time) error

	// MarkRetry は送信失敗を記録し、次回試行時刻を設定する。
	MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkDead は最大試行回数に達したメッセージを送信断念状態にする。
	MarkDead(ctx context.Context, id string, attempts int, lastError string) error
}

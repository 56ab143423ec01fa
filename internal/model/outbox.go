package model

import "time"

// OutboxStatus はメール送信アウトボックスの状態を表す。
type OutboxStatus string

const (
	// OutboxStatusPending は送信待ち（再試行待ちを含む）。
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusSent は送信済み。
	OutboxStatusSent OutboxStatus = "sent"
	// OutboxStatusDead は最大試行回数に達し送信を断念した。
	OutboxStatusDead OutboxStatus = "dead"
)

// OutboxMessage はアクセスコード通知メールの送信キューの1件を表す。
// 決済1件につき最大1件のみ作成される。
type OutboxMessage struct {
	ID            string
	PaymentID     string
	Recipient     string
	AccessCode    string
	AccessExpiry  time.Time
	AccountLinked bool // 決済がアカウントに紐付いている場合true。メールの案内文を切り替える
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}

package model

import "time"

// PaymentStatus は決済の状態を表す。
// pending → completed または pending → failed のみ遷移可能で、どちらも終端状態。
type PaymentStatus string

const (
	// PaymentStatusPending は決済確認待ち。
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted は決済完了。アクセスコードが発行済み。
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed は決済失敗。
	PaymentStatusFailed PaymentStatus = "failed"
)

// IsTerminal は終端状態かどうかを返す。
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// Payment は決済台帳の1レコードを表す。
type Payment struct {
	ID            string
	TransactionID string
	AccountID     *string
	Amount        int64
	Currency      string
	Operator      string
	PhoneNumber   string
	Email         string
	Status        PaymentStatus
	AccessCode    string
	AccessExpiry  *time.Time
	PaymentURL    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Completion は決済完了時に1トランザクションで適用する内容を表す。
type Completion struct {
	TransactionID string
	AccessCode    string
	AccessExpiry  time.Time
	CompletedAt   time.Time
}

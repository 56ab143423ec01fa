// Package model はドメインモデルを定義する。
package model

import "time"

// Role はアカウントの権限種別を表す。
type Role string

const (
	// RoleUser は一般利用者。
	RoleUser Role = "user"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account はログイン可能なアカウント（利用者・管理者）を表す。
// CurrentSessionIDは1アカウントにつき1つだけ有効なセッションを指すポインタで、
// ログインのたびに上書きされる。
type Account struct {
	ID               string
	Role             Role
	LoginName        string // 利用者はメールアドレス、管理者はユーザー名
	Email            string
	PasswordHash     string
	IsActive         bool
	CurrentSessionID *string
	Subscription     Subscription
	LoginCount       int
	LastLogin        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Subscription はプレミアム利用権の状態を表す。
type Subscription struct {
	Active     bool
	ExpiryDate *time.Time
	AccessCode string
}

// IsPremium は指定時刻においてプレミアム利用権が有効かどうかを返す。
func (s Subscription) IsPremium(now time.Time) bool {
	return s.Active && s.ExpiryDate != nil && now.Before(*s.ExpiryDate)
}

// HasSession は指定セッションIDが現在有効なセッションと一致するかを返す。
// セッションポインタがNULLの場合は常にfalse。
func (a *Account) HasSession(sessionID string) bool {
	return a.CurrentSessionID != nil && sessionID != "" && *a.CurrentSessionID == sessionID
}

// Principal は認証済みリクエストの主体を表す。
type Principal struct {
	AccountID string
	Role      Role
	SessionID string
}

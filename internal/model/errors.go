package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, auth, payment, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.NewSessionExpiredError()) のような比較を可能にする。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategoryPayment    = "payment"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnsupportedOperator = "UNSUPPORTED_OPERATOR"
	ErrCodeEmailTaken          = "EMAIL_TAKEN"

	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeAccountDisabled    = "ACCOUNT_DISABLED"
	ErrCodePrincipalNotFound  = "PRINCIPAL_NOT_FOUND"
	ErrCodeForbidden          = "FORBIDDEN"

	ErrCodePaymentNotFound     = "PAYMENT_NOT_FOUND"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderRejected    = "PROVIDER_REJECTED"

	ErrCodeRateLimited = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// NewInvalidInputError は入力値不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewUnsupportedOperatorError は未対応の決済事業者エラーを生成する。
func NewUnsupportedOperatorError(operator string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedOperator,
		Message:  fmt.Sprintf("未対応の決済事業者です: %s", operator),
		Category: CategoryValidation,
		Action:   "対応している決済手段を選択してください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: CategoryValidation,
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// アカウントの存在有無は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ログインIDまたはパスワードが正しくありません。",
		Category: CategoryAuth,
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewInvalidTokenError は無効なトークンエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "認証トークンが無効です。",
		Category: CategoryAuth,
		Action:   "ログインしてください。",
	}
}

// NewSessionExpiredError はセッション失効エラーを生成する。
// 別の端末で新たにログインした場合やログアウト後に返る。
// クライアントはこのコードを受け取ったら再ログインを促す。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れました。別の場所でログインされた可能性があります。",
		Category: CategoryAuth,
		Action:   "再度ログインしてください。",
	}
}

// NewAccountDisabledError はアカウント無効化エラーを生成する。
func NewAccountDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountDisabled,
		Message:  "このアカウントは無効化されています。",
		Category: CategoryAuth,
		Action:   "管理者にお問い合わせください。",
	}
}

// NewPrincipalNotFoundError はトークンの主体が存在しない場合のエラーを生成する。
func NewPrincipalNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodePrincipalNotFound,
		Message:  "アカウントが見つかりません。",
		Category: CategoryAuth,
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: CategoryAuth,
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewPaymentNotFoundError は決済未検出エラーを生成する。
func NewPaymentNotFoundError(transactionID string) *APIError {
	return &APIError{
		Code:     ErrCodePaymentNotFound,
		Message:  fmt.Sprintf("指定された決済が見つかりません: %s", transactionID),
		Category: CategoryPayment,
		Action:   "取引IDを確認してください。",
	}
}

// NewProviderUnavailableError は決済代行サービスへの通信失敗エラーを生成する。
func NewProviderUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("決済サービスに接続できませんでした: %s", reason),
		Category: CategoryPayment,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderRejectedError は決済代行サービスが要求を拒否した場合のエラーを生成する。
func NewProviderRejectedError(code, message string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  fmt.Sprintf("決済サービスが要求を拒否しました (%s): %s", code, message),
		Category: CategoryPayment,
		Action:   "入力内容を確認し、新しい決済としてやり直してください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: CategorySystem,
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

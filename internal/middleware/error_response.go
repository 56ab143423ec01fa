package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/quizpass/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードとHTTPステータスの対応表。
var statusByCode = map[string]int{
	model.ErrCodeInvalidInput:        http.StatusBadRequest,
	model.ErrCodeUnsupportedOperator: http.StatusBadRequest,
	model.ErrCodeEmailTaken:          http.StatusConflict,

	model.ErrCodeInvalidCredentials: http.StatusUnauthorized,
	model.ErrCodeInvalidToken:       http.StatusUnauthorized,
	model.ErrCodeSessionExpired:     http.StatusUnauthorized,
	model.ErrCodeAccountDisabled:    http.StatusUnauthorized,
	model.ErrCodePrincipalNotFound:  http.StatusUnauthorized,
	model.ErrCodeForbidden:          http.StatusForbidden,

	model.ErrCodePaymentNotFound:     http.StatusNotFound,
	model.ErrCodeProviderUnavailable: http.StatusBadGateway,
	model.ErrCodeProviderRejected:    http.StatusBadGateway,

	model.ErrCodeRateLimited: http.StatusTooManyRequests,
	model.ErrCodeInternal:    http.StatusInternalServerError,
}

// StatusForError はAPIErrorに対応するHTTPステータスコードを返す。
func StatusForError(apiErr *model.APIError) int {
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はerrorをAPIErrorに変換してレスポンスを書き込む。
// APIError以外のエラーはログに記録し、500を返す。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForError(apiErr), apiErr)
		return
	}
	slog.Error("unhandled error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

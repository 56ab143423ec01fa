// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/quizpass/internal/middleware"
	"github.com/hitoshi/quizpass/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 1 << 20

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 失敗した場合はINVALID_INPUTを書き込み、falseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteError(w, model.NewInvalidInputError("リクエストボディの解析に失敗しました"))
		return false
	}
	return true
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを統一エラーフォーマットで書き込む。
// APIError以外は500として扱い、詳細はログにのみ記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

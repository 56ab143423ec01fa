package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// ErrMissingTransactionID は通知に取引IDが含まれていない場合に返る。
var ErrMissingTransactionID = errors.New("notification has no transaction id")

// maxNotificationSize は通知ボディの上限。
const maxNotificationSize = 64 << 10

// transactionIDKeys は通知内の取引IDのフィールド名。先頭から順に探す。
var transactionIDKeys = []string{"cpm_trans_id", "transaction_id", "transactionId"}

// Notification は決済代行サービスからの通知。
// 通知に含まれる決済状態は信用せず、取引IDのみを使って状態確認を行う。
type Notification struct {
	TransactionID string
	SiteID        string
}

// ParseNotification はフォームまたはJSON形式の通知を解析する。
func ParseNotification(r *http.Request) (*Notification, error) {
	fields, err := readFields(r)
	if err != nil {
		return nil, err
	}

	n := &Notification{SiteID: firstNonEmpty(fields, "cpm_site_id", "site_id")}
	n.TransactionID = firstNonEmpty(fields, transactionIDKeys...)
	if n.TransactionID == "" {
		return nil, ErrMissingTransactionID
	}
	return n, nil
}

// readFields は通知ボディを文字列フィールドの集合として読み出す。
func readFields(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	body := io.LimitReader(r.Body, maxNotificationSize)

	if mediaType == "application/json" {
		var raw map[string]any
		if err := json.NewDecoder(body).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode notification: %w", err)
		}
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case float64:
				fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
			}
		}
		return fields, nil
	}

	r.Body = io.NopCloser(body)
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse notification form: %w", err)
	}
	fields := make(map[string]string, len(r.Form))
	for k := range r.Form {
		fields[k] = r.Form.Get(k)
	}
	return fields, nil
}

func firstNonEmpty(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

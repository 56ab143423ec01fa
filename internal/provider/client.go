package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/quizpass/internal/metrics"
	"github.com/hitoshi/quizpass/internal/model"
)

// maxResponseSize は決済代行サービスのレスポンスボディの上限。
const maxResponseSize = 1 << 20

// 決済代行サービスの応答コード
const (
	codeInitiated = "201"
	codeSuccess   = "00"
)

// waitingCodes は顧客の操作待ちを表す応答コード。状態確認ではpending扱いにする。
var waitingCodes = map[string]bool{
	"623": true, // WAITING_CUSTOMER_TO_VALIDATE
	"662": true, // WAITING_CUSTOMER_PAYMENT
}

// Outcome は決済代行サービスが報告した決済の結果。
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRefused  Outcome = "refused"
	OutcomePending  Outcome = "pending"
)

// Config は決済代行サービスの接続設定。
type Config struct {
	BaseURL   string
	APIKey    string
	SiteID    string
	Currency  string
	NotifyURL string
	ReturnURL string
}

// InitiateParams は決済開始要求のパラメータ。
type InitiateParams struct {
	TransactionID string
	Amount        int64
	Description   string
	Channel       string
	CustomerEmail string
	CustomerPhone string
}

// InitiateResult は決済開始の結果。
type InitiateResult struct {
	PaymentURL   string
	PaymentToken string
}

// CheckResult は状態確認の結果。
type CheckResult struct {
	Outcome   Outcome
	RawStatus string
}

// Client は決済代行サービスのHTTPクライアント。
// 内部での再試行は行わない。
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewClient はClientを生成する。httpClientにはタイムアウト設定済みのクライアントを渡す。
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	if collector == nil {
		collector = metrics.Nop{}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
	}
}

// envelope は決済代行サービスの共通レスポンス形式。
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initiateRequest struct {
	APIKey              string `json:"apikey"`
	SiteID              string `json:"site_id"`
	TransactionID       string `json:"transaction_id"`
	Amount              int64  `json:"amount"`
	Currency            string `json:"currency"`
	Description         string `json:"description"`
	NotifyURL           string `json:"notify_url"`
	ReturnURL           string `json:"return_url"`
	Channels            string `json:"channels"`
	CustomerEmail       string `json:"customer_email,omitempty"`
	CustomerPhoneNumber string `json:"customer_phone_number,omitempty"`
}

type initiateData struct {
	PaymentURL   string `json:"payment_url"`
	PaymentToken string `json:"payment_token"`
}

type checkRequest struct {
	APIKey        string `json:"apikey"`
	SiteID        string `json:"site_id"`
	TransactionID string `json:"transaction_id"`
}

type checkData struct {
	Status string `json:"status"`
}

// Initiate は取引を登録し、決済ページの発行を要求する。手動フローの取引も照合のため登録する。
func (c *Client) Initiate(ctx context.Context, p InitiateParams) (*InitiateResult, error) {
	req := initiateRequest{
		APIKey:              c.config.APIKey,
		SiteID:              c.config.SiteID,
		TransactionID:       p.TransactionID,
		Amount:              p.Amount,
		Currency:            c.config.Currency,
		Description:         p.Description,
		NotifyURL:           c.config.NotifyURL,
		ReturnURL:           c.config.ReturnURL,
		Channels:            p.Channel,
		CustomerEmail:       p.CustomerEmail,
		CustomerPhoneNumber: p.CustomerPhone,
	}

	env, err := c.post(ctx, "initiate", "/payment", req)
	if err != nil {
		return nil, err
	}
	if env.Code != codeInitiated {
		c.logger.Warn("決済代行サービスが決済開始を拒否しました",
			slog.String("transaction_id", p.TransactionID),
			slog.String("code", env.Code),
			slog.String("message", env.Message),
		)
		return nil, model.NewProviderRejectedError(env.Code, env.Message)
	}

	var data initiateData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.PaymentURL == "" {
		return nil, model.NewProviderUnavailableError("決済ページURLが応答に含まれていません")
	}

	return &InitiateResult{PaymentURL: data.PaymentURL, PaymentToken: data.PaymentToken}, nil
}

// Check は取引の最新状態を問い合わせる。
func (c *Client) Check(ctx context.Context, transactionID string) (*CheckResult, error) {
	req := checkRequest{
		APIKey:        c.config.APIKey,
		SiteID:        c.config.SiteID,
		TransactionID: transactionID,
	}

	env, err := c.post(ctx, "check", "/payment/check", req)
	if err != nil {
		return nil, err
	}

	var data checkData
	if len(env.Data) > 0 {
		// dataが空オブジェクト以外の形で返ることがあるためエラーは無視する
		_ = json.Unmarshal(env.Data, &data)
	}

	switch {
	case env.Code == codeSuccess:
		return &CheckResult{Outcome: classifyStatus(data.Status), RawStatus: data.Status}, nil
	case waitingCodes[env.Code]:
		return &CheckResult{Outcome: OutcomePending, RawStatus: env.Message}, nil
	default:
		c.logger.Warn("決済代行サービスが状態確認を拒否しました",
			slog.String("transaction_id", transactionID),
			slog.String("code", env.Code),
			slog.String("message", env.Message),
		)
		return nil, model.NewProviderRejectedError(env.Code, env.Message)
	}
}

// classifyStatus は決済代行サービスの状態文字列を結果に分類する。
func classifyStatus(status string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACCEPTED":
		return OutcomeAccepted
	case "REFUSED", "CANCELLED", "CANCELED", "FAILED":
		return OutcomeRefused
	default:
		return OutcomePending
	}
}

// post はJSONリクエストを送信し、共通レスポンスを返す。
// 通信エラー・タイムアウト・JSON以外の応答はPROVIDER_UNAVAILABLE、
// 4xx/5xxでJSONが読める場合はPROVIDER_REJECTEDを返す。
func (c *Client) post(ctx context.Context, operation, path string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "QuizPass/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordProviderLatency(operation, time.Since(start))
	if err != nil {
		c.logger.Error("決済代行サービスの呼び出しに失敗しました",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, model.NewProviderUnavailableError("タイムアウトしました")
		}
		return nil, model.NewProviderUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, model.NewProviderUnavailableError(err.Error())
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Error("決済代行サービスのレスポンスのパースに失敗しました",
			slog.String("operation", operation),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewProviderUnavailableError(fmt.Sprintf("HTTP %d の応答を解析できません", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest && env.Code == "" {
		env.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, model.NewProviderRejectedError(env.Code, env.Message)
	}

	return &env, nil
}

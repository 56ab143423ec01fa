package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	UserJWTSecret  string
	AdminJWTSecret string
	UserTokenTTL   time.Duration
	AdminTokenTTL  time.Duration

	// Provider
	ProviderAPIKey   string
	ProviderSiteID   string
	ProviderBaseURL  string
	ProviderTimeout  time.Duration
	ProviderCurrency string
	MerchantNumbers  map[string]string // operator -> 送金先番号

	// Access
	AccessDuration time.Duration

	// Mail
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
	SMTPTimeout  time.Duration

	// Outbox
	OutboxInterval      time.Duration
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxRetentionDays int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitPublic  int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"USER_JWT_SECRET", &cfg.UserJWTSecret},
		{"ADMIN_JWT_SECRET", &cfg.AdminJWTSecret},
		{"PROVIDER_API_KEY", &cfg.ProviderAPIKey},
		{"PROVIDER_SITE_ID", &cfg.ProviderSiteID},
		{"BASE_URL", &cfg.BaseURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// 利用者用と管理者用の署名鍵は必ず分離する
	if cfg.UserJWTSecret == cfg.AdminJWTSecret {
		return nil, fmt.Errorf("USER_JWT_SECRET and ADMIN_JWT_SECRET must be different")
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	// Optional fields with defaults
	cfg.UserTokenTTL = getEnvDuration("USER_TOKEN_TTL", 24*time.Hour)
	cfg.AdminTokenTTL = getEnvDuration("ADMIN_TOKEN_TTL", 8*time.Hour)
	cfg.ProviderBaseURL = strings.TrimRight(getEnvString("PROVIDER_BASE_URL", "https://api-checkout.cinetpay.com/v2"), "/")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second)
	cfg.ProviderCurrency = getEnvString("PROVIDER_CURRENCY", "XOF")
	cfg.MerchantNumbers = map[string]string{
		"mtn":     getEnvString("MERCHANT_NUMBER_MTN", ""),
		"moov":    getEnvString("MERCHANT_NUMBER_MOOV", ""),
		"celtiis": getEnvString("MERCHANT_NUMBER_CELTIIS", ""),
	}
	cfg.AccessDuration = getEnvDuration("ACCESS_DURATION", 30*24*time.Hour)
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "no-reply@quizpass.local")
	cfg.SMTPTimeout = getEnvDuration("SMTP_TIMEOUT", 10*time.Second)
	cfg.OutboxInterval = getEnvDuration("OUTBOX_INTERVAL", 30*time.Second)
	cfg.OutboxBatchSize = getEnvInt("OUTBOX_BATCH_SIZE", 20)
	cfg.OutboxMaxAttempts = getEnvInt("OUTBOX_MAX_ATTEMPTS", 8)
	cfg.OutboxRetentionDays = getEnvInt("OUTBOX_RETENTION_DAYS", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublic = getEnvInt("RATE_LIMIT_PUBLIC", 20)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// NotifyURL は決済代行サービスからのWebhook受信URLを返す。
func (c *Config) NotifyURL() string {
	return c.BaseURL + "/payment/notify"
}

// ReturnURL は決済完了後にブラウザを戻すURLを返す。
func (c *Config) ReturnURL() string {
	return c.BaseURL + "/payment/return"
}

// MailEnabled はSMTP送信が設定済みかどうかを返す。
func (c *Config) MailEnabled() bool {
	return c.SMTPHost != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

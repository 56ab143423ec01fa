// Package auth はパスワード認証、単一セッション管理、セッショントークンの発行と検証を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/quizpass/internal/metrics"
	"github.com/hitoshi/quizpass/internal/model"
	"github.com/hitoshi/quizpass/internal/repository"
)

// minPasswordLength は登録時に要求するパスワードの最小文字数。
const minPasswordLength = 8

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BcryptCost int // 0の場合はbcrypt.DefaultCost
}

// LoginResult はログイン成功時の結果を表す。
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   *model.Account
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	accounts repository.AccountRepository
	tokens   *TokenIssuer
	hasher   *passwordHasher
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	accounts repository.AccountRepository,
	tokens *TokenIssuer,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) (*Service, error) {
	hasher, err := newPasswordHasher(config.BcryptCost)
	if err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		accounts: accounts,
		tokens:   tokens,
		hasher:   hasher,
		metrics:  collector,
		now:      time.Now,
	}, nil
}

// Register は有効状態の利用者アカウントを作成する。
func (s *Service) Register(ctx context.Context, email, password string) (*model.Account, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, model.NewInvalidInputError("メールアドレスの形式が正しくありません")
	}
	if len(password) < minPasswordLength {
		return nil, model.NewInvalidInputError(fmt.Sprintf("パスワードは%d文字以上で指定してください", minPasswordLength))
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	account := &model.Account{
		ID:           uuid.New().String(),
		Role:         model.RoleUser,
		LoginName:    email,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateLoginName) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to register account: %w", err)
	}

	slog.Info("account registered", slog.String("account_id", account.ID))
	return account, nil
}

// Login は利用者としてログインする。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	return s.login(ctx, model.RoleUser, normalizeEmail(email), password)
}

// AdminLogin は管理者としてログインする。
func (s *Service) AdminLogin(ctx context.Context, username, password string) (*LoginResult, error) {
	return s.login(ctx, model.RoleAdmin, strings.TrimSpace(username), password)
}

// login は資格情報を照合し、セッションポインタを上書きしてトークンを発行する。
// 上書きにより同一アカウントの既存トークンはすべて失効する。
func (s *Service) login(ctx context.Context, role model.Role, loginName, password string) (*LoginResult, error) {
	account, err := s.accounts.FindByLoginName(ctx, role, loginName)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		s.hasher.CompareDummy(password)
		s.metrics.RecordLogin(string(role), "invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}
	if !s.hasher.Compare(account.PasswordHash, password) {
		s.metrics.RecordLogin(string(role), "invalid_credentials")
		return nil, model.NewInvalidCredentialsError()
	}
	// 管理者はisActiveの対象外
	if role != model.RoleAdmin && !account.IsActive {
		s.metrics.RecordLogin(string(role), "disabled")
		return nil, model.NewAccountDisabledError()
	}

	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	if err := s.accounts.StartSession(ctx, account.ID, sessionID, now); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	account.CurrentSessionID = &sessionID
	account.LastLogin = &now
	account.LoginCount++

	token, expiresAt, err := s.tokens.Issue(account.ID, sessionID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.metrics.RecordLogin(string(role), "success")
	slog.Info("account logged in",
		slog.String("account_id", account.ID),
		slog.String("role", string(role)),
	)

	return &LoginResult{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

// Logout はセッションポインタをクリアし、発行済みトークンをすべて失効させる。
func (s *Service) Logout(ctx context.Context, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("account ID is required")
	}
	if err := s.accounts.ClearSession(ctx, accountID); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	slog.Info("account logged out", slog.String("account_id", accountID))
	return nil
}

// LogoutAllDevices は全端末からログアウトする。
// セッションは1アカウントにつき1つのため、Logoutと同じ動作になる。
func (s *Service) LogoutAllDevices(ctx context.Context, accountID string) error {
	return s.Logout(ctx, accountID)
}

// Authenticate はベアラートークンを検証し、認証済みの主体を返す。
// トークンのセッションIDが現在のセッションポインタと一致しない場合はSESSION_EXPIREDを返す。
func (s *Service) Authenticate(ctx context.Context, token string) (*model.Principal, error) {
	if token == "" {
		return nil, s.reject(model.NewInvalidTokenError())
	}

	claims, err := s.tokens.Parse(token)
	if err != nil {
		slog.Debug("token rejected", slog.String("error", err.Error()))
		return nil, s.reject(model.NewInvalidTokenError())
	}

	account, err := s.accounts.FindByID(ctx, claims.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil || account.Role != claims.Role {
		return nil, s.reject(model.NewPrincipalNotFoundError())
	}
	if account.Role != model.RoleAdmin && !account.IsActive {
		return nil, s.reject(model.NewAccountDisabledError())
	}
	if !account.HasSession(claims.SessionID) {
		return nil, s.reject(model.NewSessionExpiredError())
	}

	return &model.Principal{
		AccountID: account.ID,
		Role:      account.Role,
		SessionID: claims.SessionID,
	}, nil
}

// CurrentAccount は認証済み主体のアカウントを取得する。
func (s *Service) CurrentAccount(ctx context.Context, principal *model.Principal) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, principal.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewPrincipalNotFoundError()
	}
	return account, nil
}

func (s *Service) reject(apiErr *model.APIError) error {
	s.metrics.RecordAuthRejection(apiErr.Code)
	return apiErr
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

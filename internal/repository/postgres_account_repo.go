package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/quizpass/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

const accountColumns = `id, role, login_name, email, password_hash, is_active,
	current_session_id, subscription_active, subscription_expiry, subscription_access_code,
	login_count, last_login, created_at, updated_at`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByLoginName はロールとログイン名でアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByLoginName(ctx context.Context, role model.Role, loginName string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE role = $1 AND login_name = $2`,
		string(role), loginName,
	)
	account, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find account by login name: %w", err)
	}
	return account, nil
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, role, login_name, email, password_hash, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, string(account.Role), account.LoginName, nullString(account.Email),
		account.PasswordHash, account.IsActive, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateLoginName
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// StartSession はセッションポインタを上書きし、ログイン情報を更新する。
func (r *PostgresAccountRepo) StartSession(ctx context.Context, accountID, sessionID string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET current_session_id = $2, last_login = $3, login_count = login_count + 1, updated_at = $3
		 WHERE id = $1`,
		accountID, sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return requireOneRow(result, "account", accountID)
}

// ClearSession はセッションポインタをNULLにする。
func (r *PostgresAccountRepo) ClearSession(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET current_session_id = NULL, updated_at = now() WHERE id = $1`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var role string
	var email, sessionID, accessCode sql.NullString
	var expiry, lastLogin sql.NullTime

	err := row.Scan(
		&a.ID, &role, &a.LoginName, &email, &a.PasswordHash, &a.IsActive,
		&sessionID, &a.Subscription.Active, &expiry, &accessCode,
		&a.LoginCount, &lastLogin, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Role = model.Role(role)
	a.Email = nullStringValue(email)
	a.CurrentSessionID = nullStringPtr(sessionID)
	a.Subscription.ExpiryDate = nullTimePtr(expiry)
	a.Subscription.AccessCode = nullStringValue(accessCode)
	a.LastLogin = nullTimePtr(lastLogin)

	return a, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)

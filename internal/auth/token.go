package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/quizpass/internal/model"
)

// ErrInvalidToken はトークンの署名・形式・有効期限・ロールのいずれかが不正な場合に返る。
var ErrInvalidToken = errors.New("invalid token")

// keyIDHeader はJWTヘッダー上で署名鍵（ロール）を示すフィールド名。
const keyIDHeader = "kid"

// Claims はセッショントークンのペイロード。
type Claims struct {
	AccountID string     `json:"account_id"`
	SessionID string     `json:"session_id"`
	Role      model.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer はロール別の秘密鍵でHS256トークンを発行・検証する。
//
// 検証時はヘッダーのkidで鍵を1つだけ選び、署名検証後にclaims.roleとkidの一致を確認する。
// 別の鍵での再検証は行わない。
type TokenIssuer struct {
	secrets map[model.Role][]byte
	ttls    map[model.Role]time.Duration
	now     func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(userSecret, adminSecret string, userTTL, adminTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secrets: map[model.Role][]byte{
			model.RoleUser:  []byte(userSecret),
			model.RoleAdmin: []byte(adminSecret),
		},
		ttls: map[model.Role]time.Duration{
			model.RoleUser:  userTTL,
			model.RoleAdmin: adminTTL,
		},
		now: time.Now,
	}
}

// Issue はアカウントとセッションに紐付くトークンを発行し、有効期限とともに返す。
func (i *TokenIssuer) Issue(accountID, sessionID string, role model.Role) (string, time.Time, error) {
	secret, ok := i.secrets[role]
	if !ok {
		return "", time.Time{}, fmt.Errorf("unknown role: %q", role)
	}

	now := i.now()
	expiresAt := now.Add(i.ttls[role])
	claims := Claims{
		AccountID: accountID,
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header[keyIDHeader] = string(role)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse はトークンを検証してClaimsを返す。検証失敗時はErrInvalidTokenをラップして返す。
func (i *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	kid, _ := token.Header[keyIDHeader].(string)
	if string(claims.Role) != kid {
		return nil, fmt.Errorf("%w: role %q does not match key id %q", ErrInvalidToken, claims.Role, kid)
	}
	if claims.AccountID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing account or session", ErrInvalidToken)
	}

	return claims, nil
}

// keyFunc はヘッダーのkidから検証に使う秘密鍵を1つだけ選択する。
func (i *TokenIssuer) keyFunc(t *jwt.Token) (any, error) {
	kid, ok := t.Header[keyIDHeader].(string)
	if !ok {
		return nil, errors.New("missing key id")
	}
	secret, ok := i.secrets[model.Role(kid)]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %q", kid)
	}
	return secret, nil
}

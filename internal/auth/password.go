package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummyPassword は未登録ログイン名の照合に使う固定パスワード。
const dummyPassword = "quizpass-timing-equalizer"

// passwordHasher はbcryptによるパスワードのハッシュ化と照合を行う。
type passwordHasher struct {
	cost      int
	dummyHash []byte
}

func newPasswordHasher(cost int) (*passwordHasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(dummyPassword), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &passwordHasher{cost: cost, dummyHash: dummy}, nil
}

// Hash はパスワードをbcryptでハッシュ化する。
func (h *passwordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare はハッシュとパスワードが一致するかを返す。
func (h *passwordHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CompareDummy はアカウントが存在しない場合にも同程度の計算時間をかけるため、
// ダミーハッシュとの照合を行う。結果は常に破棄される。
func (h *passwordHasher) CompareDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}

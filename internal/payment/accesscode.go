package payment

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// codeAlphabet はアクセスコードと取引IDの接尾辞に使う文字集合。
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// AccessCodeLength はアクセスコードの文字数。
	AccessCodeLength = 10
	// transactionSuffixLength は取引IDのランダム接尾辞の文字数。
	transactionSuffixLength = 6
)

// NewAccessCode は暗号論的乱数から10文字の英大文字・数字のアクセスコードを生成する。
func NewAccessCode() (string, error) {
	return randomCode(AccessCodeLength)
}

// newTransactionID は TXN-<UNIXミリ秒>-<英大文字・数字6文字> 形式の取引IDを生成する。
func newTransactionID(now time.Time) (string, error) {
	suffix, err := randomCode(transactionSuffixLength)
	if err != nil {
		return "", err
	}
	return "TXN-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix, nil
}

func randomCode(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random code: %w", err)
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}

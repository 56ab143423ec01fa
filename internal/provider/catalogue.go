// Package provider は決済代行サービスとの連携（決済開始・状態確認・通知の解析）と
// 決済事業者カタログを提供する。
package provider

import (
	"sort"
	"strconv"
	"strings"
)

// Flow は決済手段の支払いフローを表す。
type Flow string

const (
	// FlowManual は利用者が端末で送金操作を行う手動フロー。手順を返す。
	FlowManual Flow = "manual"
	// FlowHosted は決済代行サービスの決済ページへ誘導するフロー。URLを返す。
	FlowHosted Flow = "hosted"
)

// Operator は対応している決済事業者。
type Operator struct {
	Code    string
	Name    string
	Flow    Flow
	Channel string // 決済代行サービスに渡すchannels値
	steps   []string
}

// 手順中のプレースホルダ
const (
	amountPlaceholder   = "{amount}"
	merchantPlaceholder = "{merchant}"
)

var operators = map[string]Operator{
	"mtn": {
		Code:    "mtn",
		Name:    "MTN Mobile Money",
		Flow:    FlowManual,
		Channel: "MOBILE_MONEY",
		steps: []string{
			"MTNの端末で *880# をダイヤルします",
			"メニューから「1 送金」を選択します",
			"受取人番号に {merchant} を入力します",
			"金額に {amount} を入力します",
			"MoMoの暗証番号を入力して送金を確定します",
			"確認SMSを受け取ったら画面の「支払いを確認」を押してください",
		},
	},
	"moov": {
		Code:    "moov",
		Name:    "Moov Money",
		Flow:    FlowManual,
		Channel: "MOBILE_MONEY",
		steps: []string{
			"Moovの端末で *855# をダイヤルします",
			"メニューから「1 送金」を選択します",
			"受取人番号に {merchant} を入力します",
			"金額に {amount} を入力します",
			"Moov Moneyの暗証番号を入力して送金を確定します",
			"確認SMSを受け取ったら画面の「支払いを確認」を押してください",
		},
	},
	"celtiis": {
		Code:    "celtiis",
		Name:    "Celtiis Cash",
		Flow:    FlowManual,
		Channel: "MOBILE_MONEY",
		steps: []string{
			"Celtiisの端末で *889# をダイヤルします",
			"メニューから「送金」を選択します",
			"受取人番号に {merchant} を入力します",
			"金額に {amount} を入力します",
			"暗証番号を入力して送金を確定します",
			"確認SMSを受け取ったら画面の「支払いを確認」を押してください",
		},
	},
	"card": {
		Code:    "card",
		Name:    "クレジットカード",
		Flow:    FlowHosted,
		Channel: "CREDIT_CARD",
	},
}

// Catalogue は決済事業者の一覧と、事業者ごとの受取番号を保持する。
type Catalogue struct {
	merchantNumbers map[string]string
}

// NewCatalogue はCatalogueを生成する。merchantNumbersのキーは事業者コード。
func NewCatalogue(merchantNumbers map[string]string) *Catalogue {
	numbers := make(map[string]string, len(merchantNumbers))
	for code, number := range merchantNumbers {
		numbers[strings.ToLower(code)] = number
	}
	return &Catalogue{merchantNumbers: numbers}
}

// Lookup は事業者コード（大文字小文字を区別しない）から事業者を取得する。
func (c *Catalogue) Lookup(code string) (Operator, bool) {
	op, ok := operators[strings.ToLower(strings.TrimSpace(code))]
	return op, ok
}

// Codes は対応している事業者コードを昇順で返す。
func (c *Catalogue) Codes() []string {
	codes := make([]string, 0, len(operators))
	for code := range operators {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Instructions は手動フローの送金手順を、金額と受取番号を埋め込んだ順序付きのリストで返す。
// ホスト型フローの事業者にはnilを返す。
func (c *Catalogue) Instructions(op Operator, amount int64) []string {
	if op.Flow != FlowManual {
		return nil
	}
	r := strings.NewReplacer(
		amountPlaceholder, strconv.FormatInt(amount, 10),
		merchantPlaceholder, c.merchantNumbers[op.Code],
	)
	steps := make([]string, len(op.steps))
	for i, step := range op.steps {
		steps[i] = r.Replace(step)
	}
	return steps
}

package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/quizpass/internal/security"
)

const accessCodeSubject = "QuizPass プレミアムアクセスコードのお知らせ"

var accessCodeTemplate = template.Must(template.New("access_code").Parse(`<h1>お支払いありがとうございます</h1>
<p>QuizPass プレミアムのアクセスコードは以下のとおりです。</p>
<p><strong><code>{{.Code}}</code></strong></p>
<ul>
<li>有効期限: {{.Expiry}}</li>
{{if .AccountLinked}}<li>ご購入時のアカウントでログインすると、アクセスコードの入力なしでプレミアムを利用できます。</li>
{{else}}<li>アプリの「アクセスコードを入力」からこのコードを入力してください。</li>
{{end}}
</ul>
<p>このメールに心当たりがない場合は破棄してください。</p>
`))

// Renderer はアクセスコード通知メールの本文を生成する。
type Renderer struct {
	sanitizer security.ContentSanitizerService
	location  *time.Location
}

// NewRenderer はRendererを生成する。有効期限はUTCで表示する。
func NewRenderer(sanitizer security.ContentSanitizerService) *Renderer {
	return &Renderer{sanitizer: sanitizer, location: time.UTC}
}

// RenderAccessCode はアクセスコード通知メールを生成する。
// accountLinkedがfalseの場合（メールアドレスのみの購入）はコード入力の案内を載せる。
func (r *Renderer) RenderAccessCode(to, code string, expiry time.Time, accountLinked bool) (*Message, error) {
	var buf bytes.Buffer
	err := accessCodeTemplate.Execute(&buf, struct {
		Code          string
		Expiry        string
		AccountLinked bool
	}{
		Code:          code,
		Expiry:        expiry.In(r.location).Format("2006-01-02 15:04 MST"),
		AccountLinked: accountLinked,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render access code email: %w", err)
	}

	body := r.sanitizer.Sanitize(buf.String())
	return &Message{
		To:      to,
		Subject: accessCodeSubject,
		HTML:    body,
		Text:    plainText(body),
	}, nil
}

// plainText はHTML本文からテキスト版の本文を生成する。
func plainText(htmlBody string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(htmlBody))

	for {
		switch z.Next() {
		case html.ErrorToken:
			return tidyLines(b.String())
		case html.TextToken:
			b.WriteString(collapseSpaces(string(z.Text())))
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "li":
				b.WriteString("- ")
			case "br":
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "h1", "h2", "p":
				b.WriteString("\n\n")
			case "li", "ul", "ol":
				b.WriteString("\n")
			}
		}
	}
}

// collapseSpaces は連続する空白（改行を含む）を1つのスペースにまとめる。
func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeft(s, " \t\r\n") != s {
		out = " " + out
	}
	if strings.TrimRight(s, " \t\r\n") != s {
		out += " "
	}
	return out
}

// tidyLines は各行の前後の空白を除去し、連続する空行を1行にまとめる。
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

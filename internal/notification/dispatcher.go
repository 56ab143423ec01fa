package notification

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/quizpass/internal/security"
)

// ErrNoRecipient は宛先が空の場合に返る。
var ErrNoRecipient = errors.New("notification recipient is empty")

// Dispatcher はアクセスコード通知メールを生成して送信する。
// 送信の失敗は呼び出し元に返し、決済の状態には影響させない。
type Dispatcher struct {
	renderer *Renderer
	sender   Sender
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(sender Sender, sanitizer security.ContentSanitizerService) *Dispatcher {
	return &Dispatcher{
		renderer: NewRenderer(sanitizer),
		sender:   sender,
	}
}

// SendAccessCode はアクセスコードと有効期限をメールで送信する。
func (d *Dispatcher) SendAccessCode(ctx context.Context, email, code string, expiry time.Time, accountLinked bool) error {
	if email == "" {
		return ErrNoRecipient
	}
	msg, err := d.renderer.RenderAccessCode(email, code, expiry, accountLinked)
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, msg)
}

// Package notification はアクセスコード通知メールの生成と送信を提供する。
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

// Message は送信するメール1通。
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPConfig はSMTPサーバーの接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender はgo-mailを使ってSMTPでメールを送信する。
type SMTPSender struct {
	client *mail.Client
	from   string
}

// NewSMTPSender はSMTPSenderを生成する。接続は送信時に行う。
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("mail from address is required")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &SMTPSender{client: client, from: cfg.From}, nil
}

// Send はメールを1通送信する。
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	m, err := buildMsg(s.from, msg)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

func buildMsg(from string, msg *Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}

// LogSender はメールを送信せずログに出力する。SMTP未設定の開発環境で使う。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメールの宛先と件名をログに出力する。本文は出力しない。
func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Info("SMTP未設定のためメールを送信しません",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

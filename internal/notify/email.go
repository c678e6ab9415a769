package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"

	"github.com/maraichr/gdr/internal/config"
)

// Email sends plain-text mail through an SMTP relay.
type Email struct {
	from string
	to   []string
	addr string
	auth smtp.Auth
	send func(e *email.Email, addr string, a smtp.Auth) error
}

func NewEmail(cfg config.NotifyConfig) *Email {
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &Email{
		from: cfg.SenderEmail,
		to:   []string{cfg.ManagerEmail},
		addr: fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		auth: auth,
		send: func(e *email.Email, addr string, a smtp.Auth) error { return e.Send(addr, a) },
	}
}

func (e *Email) Channel() string { return "email" }

func (e *Email) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := email.NewEmail()
	m.From = e.from
	m.To = e.to
	m.Subject = msg.Subject
	m.Text = []byte(msg.Text())
	if err := e.send(m, e.addr, e.auth); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

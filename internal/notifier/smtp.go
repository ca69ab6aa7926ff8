package notifier

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/snapstock/pointsbilling/internal/config"
)

type SMTPProvider struct {
	cfg config.Config
}

func NewSMTP(cfg config.Config) *SMTPProvider {
	return &SMTPProvider{cfg: cfg}
}

func (p *SMTPProvider) Send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("smtp: empty recipient")
	}
	auth := smtp.PlainAuth("", p.cfg.SMTPUsername, p.cfg.SMTPPassword, p.cfg.SMTPHost)
	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)

	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n%s\r\n%s", to, subject, mime, body))

	return smtp.SendMail(addr, auth, p.cfg.SMTPFrom, []string{to}, msg)
}

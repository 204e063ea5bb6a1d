package mailer

import (
	"context"
	"fmt"
	"net"
	"net/smtp"

	"log/slog"
)

// Mailer delivers confirmation codes to account email addresses.
type Mailer interface {
	SendConfirmation(ctx context.Context, email, code string) error
}

// SMTP sends mail through a configured relay host.
type SMTP struct {
	addr     string
	from     string
	user     string
	password string
	log      *slog.Logger
}

// NewSMTP constructs an SMTP mailer. addr is host:port.
func NewSMTP(addr, from, user, password string, logger *slog.Logger) *SMTP {
	return &SMTP{addr: addr, from: from, user: user, password: password, log: logger}
}

// SendConfirmation delivers the confirmation code to email.
func (m *SMTP) SendConfirmation(ctx context.Context, email, code string) error {
	host, _, err := net.SplitHostPort(m.addr)
	if err != nil {
		return fmt.Errorf("parse smtp addr: %w", err)
	}
	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, host)
	}
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Confirm your smokefield account\r\n\r\nYour confirmation code is %s\r\n",
		m.from, email, code,
	)
	if err := smtp.SendMail(m.addr, auth, m.from, []string{email}, []byte(msg)); err != nil {
		return fmt.Errorf("send confirmation mail: %w", err)
	}
	m.log.Info("confirmation email sent", "email", email)
	return nil
}

// LogOnly records the code instead of delivering it. Used when no SMTP
// relay is configured (development).
type LogOnly struct {
	log *slog.Logger
}

// NewLogOnly constructs a logging mailer.
func NewLogOnly(logger *slog.Logger) *LogOnly {
	return &LogOnly{log: logger}
}

// SendConfirmation logs the code at info level.
func (m *LogOnly) SendConfirmation(ctx context.Context, email, code string) error {
	m.log.Info("confirmation code issued", "email", email, "code", code)
	return nil
}

package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Sender delivers a message to a recipient. Delivery is best-effort: callers
// log failures and never roll back the state transition that triggered the
// send.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SMTPSender sends plain-text mail over SMTP with PLAIN auth.
type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// NewSMTPSender creates a sender for the given server.
func NewSMTPSender(host, port, username, password, from string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password, From: from}
}

// Send delivers one message.
func (s *SMTPSender) Send(_ context.Context, recipient, subject, body string) error {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := s.Host + ":" + s.Port
	if err := smtp.SendMail(addr, auth, s.From, []string{recipient}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	return nil
}

// LogSender writes messages to the process log instead of delivering them.
// Used in dev and when SMTP is not configured.
type LogSender struct{}

// Send logs the message.
func (LogSender) Send(_ context.Context, recipient, subject, body string) error {
	log.Printf("notify (log only): to=%s subject=%q body=%q", recipient, subject, body)
	return nil
}

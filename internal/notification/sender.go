package notification

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// emailSender delivers notification email through a fixed SMTP relay.
// smtp.SendMail negotiates STARTTLS automatically when the server offers it,
// which covers ports 25 and 587.
type emailSender struct {
	host     string
	port     int
	from     string
	username string
	password string
}

// newEmailSender builds a sender from the relay settings. An empty host
// disables email delivery; Send then skips silently.
func newEmailSender(host string, port int, from, username, password string) *emailSender {
	return &emailSender{host: host, port: port, from: from, username: username, password: password}
}

func (s *emailSender) configured() bool {
	return s.host != "" && s.from != ""
}

// Send delivers one plain-text email to all recipients. Skips silently when
// SMTP is not configured or there are no recipients.
func (s *emailSender) Send(_ context.Context, to []string, subject, body string) error {
	if !s.configured() || len(to) == 0 {
		return nil
	}

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	msg := buildEmail(s.from, to, subject, body)
	if err := smtp.SendMail(addr, auth, s.from, to, msg); err != nil {
		return fmt.Errorf("notification: smtp send: %w", err)
	}
	return nil
}

// buildEmail composes a minimal RFC 5322 message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}

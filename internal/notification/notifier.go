package notification

import (
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"GoSniffy/internal/config"
	"GoSniffy/internal/model"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends alert summaries over SMTP.
type EmailNotifier struct {
	cfg        config.SMTPConfig
	auth       smtp.Auth
	recipients []string
	send       sendFunc
}

// NewEmailNotifier creates a new EmailNotifier. Authentication is skipped
// when no username is configured.
func NewEmailNotifier(cfg config.SMTPConfig) model.Notifier {
	n := &EmailNotifier{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		// PlainAuth only sends credentials over TLS or to localhost.
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	for _, r := range strings.Split(cfg.To, ",") {
		if r = strings.TrimSpace(r); r != "" {
			n.recipients = append(n.recipients, r)
		}
	}
	return n
}

// Send sends an HTML email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	if len(n.recipients) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, n.auth, n.cfg.From, n.recipients, n.message(subject, body, time.Now())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) message(subject, body string, now time.Time) []byte {
	var b strings.Builder
	header := func(k, v string) { b.WriteString(k + ": " + v + "\r\n") }
	header("To", strings.Join(n.recipients, ", "))
	header("From", n.cfg.From)
	header("Subject", subject)
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", "<"+uuid.NewString()+"@sniffy>")
	header("MIME-Version", "1.0")
	header("Content-Type", "text/html; charset=UTF-8")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogNotifier writes alert summaries to a logger. It is used when no SMTP
// server is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(subject, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("alert", "subject", subject, "body", body)
	return nil
}

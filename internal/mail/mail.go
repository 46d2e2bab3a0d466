// Package mail delivers verification links, password reset links and
// two-factor codes.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/config"
)

// Message is a rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender transmits a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer renders auth emails and hands them to a Sender.
type Mailer struct {
	sender  Sender
	baseURL string
}

var _ auth.Mailer = (*Mailer)(nil)

// New builds a Mailer for cfg: SMTP when Driver is "smtp", otherwise a
// sender that writes messages to logger.
func New(cfg config.MailConfig, logger *slog.Logger) *Mailer {
	var sender Sender
	if cfg.Driver == "smtp" {
		sender = NewSMTPSender(cfg)
	} else {
		sender = LogSender{Logger: logger}
	}
	return NewMailer(sender, cfg.BaseURL)
}

// NewMailer wires a Mailer around sender. Links are built on baseURL.
func NewMailer(sender Sender, baseURL string) *Mailer {
	return &Mailer{sender: sender, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *Mailer) link(path, token string) string {
	return m.baseURL + path + "?token=" + url.QueryEscape(token)
}

func (m *Mailer) SendVerificationEmail(ctx context.Context, to, token string) error {
	return m.sender.Send(ctx, Message{
		To:      to,
		Subject: "Confirm your email",
		Body:    "Click the link to confirm your email: " + m.link("/new-verification", token) + "\n",
	})
}

func (m *Mailer) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	return m.sender.Send(ctx, Message{
		To:      to,
		Subject: "Reset your password",
		Body:    "Click the link to reset your password: " + m.link("/new-password", token) + "\n",
	})
}

func (m *Mailer) SendTwoFactorCode(ctx context.Context, to, code string) error {
	return m.sender.Send(ctx, Message{
		To:      to,
		Subject: "Your sign-in code",
		Body:    "Your two-factor code is: " + code + "\nIt expires in 5 minutes.\n",
	})
}

// LogSender writes messages to a logger instead of sending them.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail.outgoing", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers over SMTP with PLAIN auth when a username is set.
type SMTPSender struct {
	addr string
	host string
	from string
	auth smtp.Auth
	send sendFunc
	now  func() time.Time
}

// NewSMTPSender builds a sender from cfg.
func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	s := &SMTPSender{
		addr: cfg.Host + ":" + strconv.Itoa(port),
		host: cfg.Host,
		from: cfg.From,
		send: smtp.SendMail,
		now:  time.Now,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.New("mail: header contains line break")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	if err := s.send(s.addr, s.auth, s.from, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

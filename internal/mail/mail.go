// Package mail delivers transactional messages over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"
)

// Message is a multipart text and HTML email.
type Message struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
}

// Validate checks the message has at least one recipient and a subject.
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return errors.New("mail: no recipients")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return errors.New("mail: empty subject")
	}
	return nil
}

// Sender delivers a message or fails loudly.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config carries SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Dialer is the subset of *gomail.Dialer used by SMTPSender.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender sends through an SMTP relay using gomail.
type SMTPSender struct {
	from   string
	dialer Dialer
	logger *slog.Logger
}

// NewSMTPSender builds a sender from cfg.
func NewSMTPSender(cfg Config, logger *slog.Logger) *SMTPSender {
	return NewSMTPSenderWithDialer(cfg.From, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), logger)
}

// NewSMTPSenderWithDialer uses an already configured dialer.
func NewSMTPSenderWithDialer(from string, dialer Dialer, logger *slog.Logger) *SMTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{from: from, dialer: dialer, logger: logger}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Error("smtp send failed", slog.Int("recipients", len(msg.To)), slog.Any("error", err))
		return fmt.Errorf("mail: send %q: %w", msg.Subject, err)
	}
	s.logger.Info("mail sent", slog.String("subject", msg.Subject), slog.Int("recipients", len(msg.To)))
	return nil
}

// LogSender only logs messages. Used when no SMTP host is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail delivery disabled, message logged",
		slog.String("subject", msg.Subject),
		slog.String("to", strings.Join(msg.To, ",")))
	return nil
}

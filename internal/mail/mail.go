// Package mail delivers transactional email over SMTP. Templates are
// embedded so the binary ships self-contained.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"collabsphere.org/internal/config"
	"collabsphere.org/internal/obs"
)

//go:embed templates/*.html
var templateFS embed.FS

// Sender builds and sends messages. The send function is swappable so tests
// can capture output without an SMTP server.
type Sender struct {
	cfg         config.MailConfig
	frontendURL string
	templates   *template.Template
	send        func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSendFunc replaces the SMTP transport, for tests.
func WithSendFunc(fn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) SenderOption {
	return func(s *Sender) {
		if fn != nil {
			s.send = fn
		}
	}
}

// NewSender constructs a Sender from mail configuration.
func NewSender(cfg config.MailConfig, frontendURL string, opts ...SenderOption) (*Sender, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("mail: parse templates: %w", err)
	}
	s := &Sender{
		cfg:         cfg,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		templates:   tmpl,
		send:        smtp.SendMail,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sender) deliver(ctx context.Context, to, subject, templateName string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("mail: render %s: %w", templateName, err)
	}

	domain := s.cfg.From
	if at := strings.LastIndex(domain, "@"); at >= 0 {
		domain = domain[at+1:]
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domain)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.send(addr, auth, s.cfg.From, []string{to}, msg.Bytes()); err != nil {
		return fmt.Errorf("mail: send %s: %w", templateName, err)
	}
	obs.Event("mail.sent", map[string]any{"template": templateName, "to": to})
	return nil
}

// SendEmailOTP delivers a one-time verification code.
func (s *Sender) SendEmailOTP(ctx context.Context, email, code string) error {
	return s.deliver(ctx, email, "Your verification code", "otp.html", map[string]any{
		"Code": code,
	})
}

// SendPasswordChangedAlert notifies the account owner after a password change.
func (s *Sender) SendPasswordChangedAlert(ctx context.Context, email string) error {
	return s.deliver(ctx, email, "Your password was changed", "password_changed.html", nil)
}

// SendOrganisationInviteEmail delivers an invite link carrying the raw token.
func (s *Sender) SendOrganisationInviteEmail(ctx context.Context, email, orgName, token string) error {
	return s.deliver(ctx, email, fmt.Sprintf("You are invited to join %s", orgName), "invite.html", map[string]any{
		"OrgName":   orgName,
		"AcceptURL": fmt.Sprintf("%s/invite?token=%s", s.frontendURL, token),
	})
}

package mail

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"collabsphere.org/internal/config"
)

type capturedMessage struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestSender(t *testing.T) (*Sender, *capturedMessage) {
	t.Helper()
	captured := &capturedMessage{}
	sender, err := NewSender(config.MailConfig{
		Host: "smtp.example.org",
		Port: 587,
		From: "no-reply@example.org",
	}, "https://app.example.org/", WithSendFunc(
		func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			captured.addr, captured.from, captured.to, captured.msg = addr, from, to, string(msg)
			return nil
		}))
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return sender, captured
}

func TestSendEmailOTP(t *testing.T) {
	sender, captured := newTestSender(t)

	if err := sender.SendEmailOTP(context.Background(), "user@example.org", "042137"); err != nil {
		t.Fatalf("SendEmailOTP: %v", err)
	}
	if captured.addr != "smtp.example.org:587" {
		t.Fatalf("unexpected addr: %s", captured.addr)
	}
	if len(captured.to) != 1 || captured.to[0] != "user@example.org" {
		t.Fatalf("unexpected recipients: %v", captured.to)
	}
	if !strings.Contains(captured.msg, "042137") {
		t.Fatalf("code missing from message body")
	}
	if !strings.Contains(captured.msg, "Subject: Your verification code") {
		t.Fatalf("subject missing: %s", captured.msg)
	}
}

func TestSendOrganisationInviteEmail(t *testing.T) {
	sender, captured := newTestSender(t)

	if err := sender.SendOrganisationInviteEmail(context.Background(), "new@example.org", "Acme", "tok123"); err != nil {
		t.Fatalf("SendOrganisationInviteEmail: %v", err)
	}
	if !strings.Contains(captured.msg, "https://app.example.org/invite?token=tok123") {
		t.Fatalf("accept link missing or wrong: %s", captured.msg)
	}
	if !strings.Contains(captured.msg, "Acme") {
		t.Fatalf("organisation name missing")
	}
}

func TestSendPasswordChangedAlert(t *testing.T) {
	sender, captured := newTestSender(t)

	if err := sender.SendPasswordChangedAlert(context.Background(), "user@example.org"); err != nil {
		t.Fatalf("SendPasswordChangedAlert: %v", err)
	}
	if !strings.Contains(captured.msg, "Password changed") {
		t.Fatalf("body missing: %s", captured.msg)
	}
}

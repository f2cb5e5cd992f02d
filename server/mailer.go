package server

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
)

// Mailer delivers escalation notifications to the support inbox.
type Mailer interface {
	// Enabled reports whether the mailer has enough configuration to send.
	Enabled() bool

	// SendEscalation delivers a notification for the given escalation.
	SendEscalation(ctx context.Context, rec EscalationRecord) error
}

// SMTPConfig configures the SMTP mailer. All fields must be set for
// delivery to be attempted; a partially configured mailer stays disabled,
// so escalations keep working without mail infrastructure.
type SMTPConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	SupportEmail string
}

const escalationMailBody = `New escalation received:

Session ID: {{.SessionID}}
Guide ID: {{.GuideID}}
Step ID: {{.StepID}}
Category: {{.Category}}

Customer Message:
{{.Message}}

Contact Information:
{{range $key, $value := .Contact}}  {{$key}}: {{$value}}
{{end}}`

var escalationMailTemplate = template.Must(template.New("escalation").Parse(escalationMailBody))

// SMTPMailer sends escalation mail over SMTP with STARTTLS auth.
type SMTPMailer struct {
	cfg SMTPConfig

	// sendMail is swappable for tests; defaults to smtp.SendMail.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer from the given configuration.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg, sendMail: smtp.SendMail}
}

// Enabled reports whether all required SMTP settings are present.
func (m *SMTPMailer) Enabled() bool {
	if m == nil {
		return false
	}
	return m.cfg.Host != "" && m.cfg.Username != "" && m.cfg.Password != "" && m.cfg.SupportEmail != ""
}

// SendEscalation renders and delivers the escalation notification.
func (m *SMTPMailer) SendEscalation(_ context.Context, rec EscalationRecord) error {
	if !m.Enabled() {
		return nil
	}

	var body strings.Builder
	if err := escalationMailTemplate.Execute(&body, rec.Escalation); err != nil {
		return fmt.Errorf("render escalation mail: %w", err)
	}

	subject := fmt.Sprintf("Escalation: %s - %s", rec.Category, rec.StepID)
	msg := buildMailMessage(m.cfg.Username, m.cfg.SupportEmail, subject, body.String())

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := m.sendMail(addr, auth, m.cfg.Username, []string{m.cfg.SupportEmail}, msg); err != nil {
		return fmt.Errorf("send escalation mail: %w", err)
	}
	return nil
}

func buildMailMessage(from, to, subject, body string) []byte {
	var msg strings.Builder
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return []byte(msg.String())
}

var _ Mailer = (*SMTPMailer)(nil)

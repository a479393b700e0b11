// Package notify sends transactional email: verification codes and
// password reset links.
package notify

import (
	"fmt"
	"html/template"
	"log"
	"net/smtp"
	"strings"
)

// Config holds SMTP settings. Empty Host disables sending; messages are
// logged instead, which keeps local development working without a relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer sends templated mail over SMTP.
type Mailer struct {
	cfg  Config
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var otpTemplate = template.Must(template.New("otp").Parse(`
<p>Hi{{if .Name}} {{.Name}}{{end}},</p>
<p>Your verification code is <strong>{{.Code}}</strong>. It expires in {{.TTLMinutes}} minutes.</p>
<p>If you did not create an account, ignore this email.</p>
`))

var resetTemplate = template.Must(template.New("reset").Parse(`
<p>Hi{{if .Name}} {{.Name}}{{end}},</p>
<p>A password reset was requested for your account. Use the link below within {{.TTLMinutes}} minutes:</p>
<p><a href="{{.Link}}">{{.Link}}</a></p>
<p>If you did not request this, ignore this email.</p>
`))

// NewMailer creates a mailer. smtp.SendMail is used unless overridden in
// tests.
func NewMailer(cfg Config) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

// SendOTP emails a verification code.
func (m *Mailer) SendOTP(to, name, code string, ttlMinutes int) error {
	var body strings.Builder
	if err := otpTemplate.Execute(&body, map[string]any{
		"Name": name, "Code": code, "TTLMinutes": ttlMinutes,
	}); err != nil {
		return fmt.Errorf("render otp mail: %w", err)
	}
	return m.deliver(to, "Your verification code", body.String())
}

// SendPasswordReset emails a reset link.
func (m *Mailer) SendPasswordReset(to, name, link string, ttlMinutes int) error {
	var body strings.Builder
	if err := resetTemplate.Execute(&body, map[string]any{
		"Name": name, "Link": link, "TTLMinutes": ttlMinutes,
	}); err != nil {
		return fmt.Errorf("render reset mail: %w", err)
	}
	return m.deliver(to, "Reset your password", body.String())
}

func (m *Mailer) deliver(to, subject, htmlBody string) error {
	if m.cfg.Host == "" {
		log.Printf("notify: SMTP disabled, would send %q to %s", subject, to)
		return nil
	}

	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		htmlBody,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := m.send(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

package emailotp

import (
	"context"
	"fmt"

	gomail "gopkg.in/gomail.v2"
)

// SMTPMailer sends a one-time code over SMTP, grounded on dex's
// email/smtp.go smtpEmailer: a gomail.Dialer chosen by whether credentials
// are set (plain auth) or not (implicit TLS on port 465, same heuristic
// gomail itself uses).
type SMTPMailer struct {
	Dialer *gomail.Dialer
	From   string
	// Subject/bodies are fixed per deployment rather than templated; the
	// code is the only variable part spec §4.5 requires.
	Subject string
}

// NewSMTPMailer builds a dialer the same way dex's SmtpEmailerConfig.Emailer
// does: plain auth when both username and password are set, otherwise an
// anonymous dialer that guesses SSL from the port.
func NewSMTPMailer(host string, port int, username, password, from string) (*SMTPMailer, error) {
	if host == "" || port == 0 {
		return nil, fmt.Errorf("emailotp: smtp host and port are required")
	}
	if from == "" {
		return nil, fmt.Errorf("emailotp: from address is required")
	}
	if (username == "") != (password == "") {
		return nil, fmt.Errorf("emailotp: must provide both username and password or neither")
	}

	var dialer *gomail.Dialer
	if username == "" {
		dialer = &gomail.Dialer{Host: host, Port: port, SSL: port == 465}
	} else {
		dialer = gomail.NewPlainDialer(host, port, username, password)
	}

	return &SMTPMailer{Dialer: dialer, From: from, Subject: "Your sign-in code"}, nil
}

// SendCode implements Mailer, delivering both a plain-text and HTML body
// the way dex's smtpEmailer.SendMail does; the context is unused because
// gomail's DialAndSend has no cancellation hook.
func (m *SMTPMailer) SendCode(_ context.Context, email, code string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", fmt.Sprintf("Your sign-in code is %s. It expires in %s.", code, CodeTTL))
	msg.AddAlternative("text/html", fmt.Sprintf("<p>Your sign-in code is <strong>%s</strong>. It expires in %s.</p>", code, CodeTTL))
	return m.Dialer.DialAndSend(msg)
}

package dunning

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"text/template"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tally/pkg/config"
)

// PaymentFailedEmail carries the fields rendered into a dunning notice.
type PaymentFailedEmail struct {
	To            string
	CustomerName  string
	InvoiceNumber string
	AmountCents   int64
	Currency      string
	Step          int
	TotalSteps    int
	FinalNotice   bool
}

// Amount formats the invoice total for the message body.
func (e *PaymentFailedEmail) Amount() string {
	return fmt.Sprintf("%.2f %s", float64(e.AmountCents)/100, e.Currency)
}

// Mailer sends dunning notices
type Mailer interface {
	SendPaymentFailed(ctx context.Context, email *PaymentFailedEmail) error
}

var paymentFailedTemplate = template.Must(template.New("payment_failed").Parse(
	`From: {{.From}}
To: {{.To}}
Subject: {{if .FinalNotice}}Final notice: payment failed for invoice {{.InvoiceNumber}}{{else}}Payment failed for invoice {{.InvoiceNumber}}{{end}}

Hello {{if .CustomerName}}{{.CustomerName}}{{else}}there{{end}},

We were unable to collect payment of {{.Amount}} for invoice {{.InvoiceNumber}}.
This was attempt {{.Step}} of {{.TotalSteps}}.

{{if .FinalNotice}}This was our final attempt. Your subscription has been canceled and the
invoice written off. Please contact billing support to restore service.
{{else}}We will retry automatically. To avoid service interruption, please update
your payment method.
{{end}}
Thanks,
The billing team
`))

type templateData struct {
	*PaymentFailedEmail
	From string
}

// SMTPMailer sends notices through an SMTP relay.
type SMTPMailer struct {
	cfg config.MailConfig
	log *logrus.Entry

	// send is smtp.SendMail; swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer from mail config.
func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	return &SMTPMailer{
		cfg:  cfg,
		log:  logrus.WithField("component", "dunning_mailer"),
		send: smtp.SendMail,
	}
}

// SendPaymentFailed renders and sends one dunning notice.
func (m *SMTPMailer) SendPaymentFailed(ctx context.Context, email *PaymentFailedEmail) error {
	var buf bytes.Buffer
	err := paymentFailedTemplate.Execute(&buf, &templateData{
		PaymentFailedEmail: email,
		From:               m.cfg.FromAddress,
	})
	if err != nil {
		return fmt.Errorf("failed to render dunning email: %w", err)
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.SMTPHost)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	if err := m.send(addr, auth, m.cfg.FromAddress, []string{email.To}, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send dunning email: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"to":      email.To,
		"invoice": email.InvoiceNumber,
		"step":    email.Step,
	}).Info("sent dunning notice")
	return nil
}

// NoopMailer logs instead of sending; used when mail is disabled.
type NoopMailer struct {
	log *logrus.Entry
}

// NewNoopMailer creates a mailer that drops every notice.
func NewNoopMailer() *NoopMailer {
	return &NoopMailer{log: logrus.WithField("component", "dunning_mailer")}
}

// SendPaymentFailed logs the notice and returns nil.
func (m *NoopMailer) SendPaymentFailed(ctx context.Context, email *PaymentFailedEmail) error {
	m.log.WithFields(logrus.Fields{
		"to":      email.To,
		"invoice": email.InvoiceNumber,
		"step":    email.Step,
	}).Debug("mail disabled, dropping dunning notice")
	return nil
}

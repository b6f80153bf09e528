package dunning

import (
	"context"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/config"
)

func TestSMTPMailerSendsRenderedNotice(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	mailer := NewSMTPMailer(config.MailConfig{
		SMTPHost:    "mail.example.com",
		SMTPPort:    587,
		FromAddress: "billing@tally.example.com",
	})
	mailer.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := mailer.SendPaymentFailed(context.Background(), &PaymentFailedEmail{
		To:            "payer@example.com",
		CustomerName:  "Payer",
		InvoiceNumber: "TLY-202608-0001",
		AmountCents:   1073,
		Currency:      "usd",
		Step:          2,
		TotalSteps:    4,
	})
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "billing@tally.example.com", gotFrom)
	assert.Equal(t, []string{"payer@example.com"}, gotTo)

	body := string(gotMsg)
	assert.Contains(t, body, "Subject: Payment failed for invoice TLY-202608-0001")
	assert.Contains(t, body, "10.73 usd")
	assert.Contains(t, body, "attempt 2 of 4")
	assert.Contains(t, body, "We will retry automatically")
	assert.NotContains(t, body, "final attempt")
}

func TestSMTPMailerFinalNotice(t *testing.T) {
	var gotMsg []byte
	mailer := NewSMTPMailer(config.MailConfig{
		SMTPHost:    "mail.example.com",
		SMTPPort:    587,
		FromAddress: "billing@tally.example.com",
	})
	mailer.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotMsg = msg
		return nil
	}

	err := mailer.SendPaymentFailed(context.Background(), &PaymentFailedEmail{
		To:            "payer@example.com",
		InvoiceNumber: "TLY-202608-0001",
		AmountCents:   1073,
		Currency:      "usd",
		Step:          4,
		TotalSteps:    4,
		FinalNotice:   true,
	})
	require.NoError(t, err)

	body := string(gotMsg)
	assert.Contains(t, body, "Subject: Final notice")
	assert.Contains(t, body, "Hello there")
	assert.Contains(t, body, "subscription has been canceled")
}

func TestNoopMailer(t *testing.T) {
	err := NewNoopMailer().SendPaymentFailed(context.Background(), &PaymentFailedEmail{
		To: "payer@example.com",
	})
	assert.NoError(t, err)
}

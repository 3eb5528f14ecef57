package notifications

import (
	"context"
	"fmt"
	"log"

	"github.com/lukasbauer/callbridge/internal/twilio"
)

// MessageSender sends an SMS. *twilio.Client satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, from, to, body string) (*twilio.Message, error)
}

// SMSConfig holds configuration for SMS call summaries.
type SMSConfig struct {
	SenderNumber string // Twilio number to send from (E.164)
	Recipient    string // Who receives the summaries (E.164)
}

// SMSClient texts a short call summary to a fixed recipient.
type SMSClient struct {
	sender    MessageSender
	from      string
	recipient string
	logger    *log.Logger
}

// NewSMSClient returns nil when no recipient or sender number is configured.
func NewSMSClient(cfg SMSConfig, sender MessageSender, logger *log.Logger) *SMSClient {
	if cfg.Recipient == "" || cfg.SenderNumber == "" || sender == nil {
		logger.Println("SMS: no summary recipient configured, SMS notifications disabled")
		return nil
	}
	logger.Printf("SMS: call summaries go to %s", cfg.Recipient)
	return &SMSClient{
		sender:    sender,
		from:      cfg.SenderNumber,
		recipient: cfg.Recipient,
		logger:    logger,
	}
}

// smsBody keeps the text within a single 160 character segment when it can.
func smsBody(s CallSummary) string {
	body := s.Headline()
	if r := []rune(body); len(r) > 160 {
		body = string(r[:157]) + "..."
	}
	return body
}

// NotifyCallFinished texts the call summary.
func (c *SMSClient) NotifyCallFinished(ctx context.Context, s CallSummary) error {
	if c == nil {
		return nil
	}

	msg, err := c.sender.SendMessage(ctx, c.from, c.recipient, smsBody(s))
	if err != nil {
		c.logger.Printf("SMS: failed to send to %s: %v", c.recipient, err)
		return fmt.Errorf("failed to send SMS: %w", err)
	}

	c.logger.Printf("SMS: sent summary for call %s (sid=%s, status=%s)", s.CallID, msg.SID, msg.Status)
	return nil
}

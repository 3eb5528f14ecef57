package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lukasbauer/callbridge/internal/callstate"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// post delivers one message to the webhook.
func (d *Discord) post(ctx context.Context, msg discordMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func statusColor(s callstate.Status) int {
	switch s {
	case callstate.StatusCompleted:
		return 0x00FF00 // Green
	case callstate.StatusBusy, callstate.StatusNoAnswer:
		return 0xFFA500 // Orange
	default:
		return 0xFF0000 // Red
	}
}

func callEmbed(s CallSummary) discordEmbed {
	fields := []embedField{
		{Name: "Status", Value: string(s.Status), Inline: true},
		{Name: "Number", Value: fmt.Sprintf("`%s`", s.Destination), Inline: true},
		{Name: "Duration", Value: fmt.Sprintf("%ds", s.DurationSeconds), Inline: true},
	}
	if s.EndReason != "" {
		fields = append(fields, embedField{Name: "End reason", Value: s.EndReason})
	}
	if s.Quote != "" {
		fields = append(fields, embedField{Name: "Quote", Value: s.Quote, Inline: true})
	}
	if s.Appointment != "" {
		fields = append(fields, embedField{Name: "Appointment", Value: s.Appointment, Inline: true})
	}
	if s.CostCents > 0 {
		fields = append(fields, embedField{Name: "Cost", Value: fmt.Sprintf("$%.2f", float64(s.CostCents)/100), Inline: true})
	}
	fields = append(fields, embedField{Name: "Call ID", Value: fmt.Sprintf("`%s`", s.CallID)})

	return discordEmbed{
		Title:       fmt.Sprintf("Call to %s finished", s.Callee()),
		Description: s.UserRequest,
		Color:       statusColor(s.Status),
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// NotifyCallFinished posts a summary of a finished call.
func (d *Discord) NotifyCallFinished(ctx context.Context, s CallSummary) error {
	if !d.Enabled() {
		return nil
	}
	if err := d.post(ctx, discordMessage{Embeds: []discordEmbed{callEmbed(s)}}); err != nil {
		d.logger.Printf("discord: %v", err)
		return err
	}
	return nil
}

package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier. If the webhook URL is
// empty, notifications are silently skipped.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
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

// send posts a message to the Discord webhook asynchronously.
// Errors are logged but don't affect the caller.
func (d *Discord) send(msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// CallEnded sends a notification when a conversation finishes.
func (d *Discord) CallEnded(callID int64, closing string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Call completed",
			Description: fmt.Sprintf("Call `%d` ended with: %q", callID, closing),
			Color:       0x00FF00, // Green
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(msg)
}

// CallFailed sends a notification when an outbound call could not be placed.
func (d *Discord) CallFailed(callID int64, phone, reason string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title: "Call failed",
			Color: 0xFF0000, // Red
			Fields: []embedField{
				{Name: "Call ID", Value: fmt.Sprintf("`%d`", callID), Inline: true},
				{Name: "Number", Value: phone, Inline: true},
				{Name: "Reason", Value: reason},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(msg)
}

// Package telephony places and controls outbound calls through the
// Twilio REST API. The conversation itself is driven by webhooks; this
// client only starts the call and points Twilio at the webhook URL.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioAPIBase = "https://api.twilio.com"

// Ring for 30 seconds before the call counts as unanswered.
const ringTimeoutSeconds = 30

// TwilioConfig holds credentials for the Twilio REST API.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string // E.164 caller number
	APIBase    string // Optional override, used in tests
}

// TwilioClient places outbound calls via Twilio.
type TwilioClient struct {
	accountSID string
	authToken  string
	fromNumber string
	apiBase    string
	logger     *log.Logger
	httpClient *http.Client
}

// NewTwilioClient creates a new Twilio client.
func NewTwilioClient(cfg TwilioConfig, logger *log.Logger) (*TwilioClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = twilioAPIBase
	}
	return &TwilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		apiBase:    apiBase,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// twilioCallResponse represents a Twilio Calls API response
type twilioCallResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PlaceCall starts an outbound call to the given number. Twilio fetches
// webhookURL for instructions once the call connects. Returns the call SID.
func (c *TwilioClient) PlaceCall(ctx context.Context, toNumber, webhookURL string) (string, error) {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.apiBase, c.accountSID)

	data := url.Values{}
	data.Set("To", toNumber)
	data.Set("From", c.fromNumber)
	data.Set("Url", webhookURL)
	data.Set("Method", "POST")
	data.Set("Timeout", fmt.Sprintf("%d", ringTimeoutSeconds))
	data.Set("Record", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Printf("twilio: failed to place call to %s: %v", toNumber, err)
		return "", fmt.Errorf("failed to place call: %w", err)
	}
	defer resp.Body.Close()

	var callResp twilioCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&callResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Printf("twilio: call error (code=%d, msg=%s)", callResp.ErrorCode, callResp.ErrorMessage)
		return "", fmt.Errorf("Twilio API error: %d - %s", callResp.ErrorCode, callResp.ErrorMessage)
	}

	c.logger.Printf("twilio: call placed to %s (sid=%s, status=%s)", toNumber, callResp.SID, callResp.Status)
	return callResp.SID, nil
}

// HangUp ends an active call by moving it to status completed.
func (c *TwilioClient) HangUp(ctx context.Context, callSID string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.apiBase, c.accountSID, callSID)

	data := url.Values{}
	data.Set("Status", "completed")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to hang up call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Twilio API error: %s", resp.Status)
	}
	return nil
}

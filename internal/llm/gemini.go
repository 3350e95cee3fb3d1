package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const geminiAPIBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient implements the Client interface using the Gemini REST API.
type GeminiClient struct {
	apiKey     string
	model      string
	apiBase    string
	httpClient *http.Client
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey  string
	Model   string // e.g., "gemini-1.5-flash"
	APIBase string // Optional override, used in tests
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = geminiAPIBase
	}
	return &GeminiClient{
		apiKey:     cfg.APIKey,
		model:      model,
		apiBase:    apiBase,
		httpClient: &http.Client{},
	}
}

// generateRequest represents a Gemini generateContent request.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

// generateResponse represents a Gemini generateContent response.
type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateTurn asks Gemini for the bot's next reply plus intent analysis in
// a single call. Transport and API failures return an error; an unparsable
// reply body degrades to the raw text with default analysis fields.
func (c *GeminiClient) GenerateTurn(ctx context.Context, conversationType, utterance string, history []Turn, turnCount int) (TurnDecision, error) {
	final := isFinalTurn(utterance, turnCount)
	prompt := buildTurnPrompt(conversationType, utterance, history, turnCount, final)

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return TurnDecision{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.apiBase, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TurnDecision{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TurnDecision{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return TurnDecision{}, fmt.Errorf("Gemini API error: %s - %s", resp.Status, string(respBody))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return TurnDecision{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return TurnDecision{}, fmt.Errorf("no candidates in response")
	}

	text := strings.TrimSpace(genResp.Candidates[0].Content.Parts[0].Text)
	return parseDecision(text, final), nil
}

// parseDecision extracts the structured decision from the model's text.
// The model is asked for JSON but sometimes wraps it in prose or markdown,
// so the JSON object is located between the first '{' and the last '}'.
// Missing fields get defaults; if no JSON parses at all, the raw text is
// used as the reply unless it is too long for a spoken sentence.
func parseDecision(text string, final bool) TurnDecision {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		var parsed struct {
			Response       *string `json:"response"`
			Intent         *string `json:"intent"`
			Confidence     *string `json:"confidence"`
			ShouldContinue *bool   `json:"should_continue"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil {
			return TurnDecision{
				Response:       stringOr(parsed.Response, "Thank you for sharing that with me."),
				Intent:         stringOr(parsed.Intent, "neutral"),
				Confidence:     stringOr(parsed.Confidence, "medium"),
				ShouldContinue: boolOr(parsed.ShouldContinue, !final),
			}
		}
	}

	reply := text
	if len(reply) >= 100 {
		reply = "Thank you for sharing that with me."
	}
	return TurnDecision{
		Response:       reply,
		Intent:         "neutral",
		Confidence:     "medium",
		ShouldContinue: !final,
	}
}

func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

package conversation

import (
	"context"
	"log"
	"time"

	"github.com/tomasrezac/vera/internal/llm"
)

// fallbackDecision is the fixed decision used whenever the model call
// fails. It biases toward ending the call rather than looping.
var fallbackDecision = llm.TurnDecision{
	Response:       "I understand. Thank you for sharing that with me.",
	Intent:         "neutral",
	Confidence:     "low",
	ShouldContinue: false,
}

// defaultGenerateTimeout keeps the model call well under Twilio's webhook
// response window.
const defaultGenerateTimeout = 8 * time.Second

// Generator wraps the model client with a bounded timeout and the
// fail-closed fallback. A single failure falls back immediately, no
// retries.
type Generator struct {
	client  llm.Client
	timeout time.Duration
	logger  *log.Logger
}

// NewGenerator creates a Generator. A non-positive timeout selects the
// default budget.
func NewGenerator(client llm.Client, timeout time.Duration, logger *log.Logger) *Generator {
	if timeout <= 0 {
		timeout = defaultGenerateTimeout
	}
	return &Generator{client: client, timeout: timeout, logger: logger}
}

// Generate produces the bot's next decision. It never fails: any error
// from the underlying client, including a timeout, yields the fallback.
// The second return reports whether the fallback was used.
func (g *Generator) Generate(ctx context.Context, conversationType, utterance string, history []Turn, turnCount int) (llm.TurnDecision, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	llmHistory := make([]llm.Turn, 0, len(history))
	for _, t := range history {
		llmHistory = append(llmHistory, llm.Turn{Speaker: t.Speaker, Message: t.Message})
	}

	decision, err := g.client.GenerateTurn(ctx, conversationType, utterance, llmHistory, turnCount)
	if err != nil {
		g.logger.Printf("generator: model call failed, using fallback: %v", err)
		return fallbackDecision, true
	}
	return decision, false
}

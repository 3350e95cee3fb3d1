package llm

import "context"

// TurnDecision is the model's structured verdict for one conversation turn.
type TurnDecision struct {
	Response       string `json:"response"`
	Intent         string `json:"intent"`     // positive/negative/neutral/confused/interested/not_interested/wants_to_end
	Confidence     string `json:"confidence"` // high/medium/low
	ShouldContinue bool   `json:"should_continue"`
}

// Turn is one prior exchange included in the prompt context.
type Turn struct {
	Speaker string // "bot" or "user"
	Message string
}

// Client defines the interface for generative-model providers.
type Client interface {
	// GenerateTurn produces the bot's reply for the latest user utterance.
	GenerateTurn(ctx context.Context, conversationType, utterance string, history []Turn, turnCount int) (TurnDecision, error)
}

package llm

import (
	"fmt"
	"strings"
)

// contextPrompts selects the system context by conversation type.
// Unknown types fall back to "general".
var contextPrompts = map[string]string{
	"customer_feedback":    "You are conducting a customer feedback survey. Be polite, ask relevant questions about their experience, and keep responses brief.",
	"sales_inquiry":        "You are a sales representative. Be helpful, answer questions about products/services, and identify potential sales opportunities.",
	"appointment_reminder": "You are reminding about an upcoming appointment. Be clear about date/time and ask for confirmation.",
	"survey":               "You are conducting a survey. Ask clear questions and acknowledge responses appropriately.",
	"support":              "You are providing customer support. Be helpful, empathetic, and try to resolve issues.",
	"general":              "You are a friendly assistant having a general conversation. Be helpful and engaging.",
}

// finalTurnWords are utterance fragments that signal the caller is done,
// used to steer the model toward wrapping up.
var finalTurnWords = []string{"no", "nothing", "nope", "that's all", "i'm good"}

// SystemContext returns the system context for a conversation type.
func SystemContext(conversationType string) string {
	if p, ok := contextPrompts[conversationType]; ok {
		return p
	}
	return contextPrompts["general"]
}

// isFinalTurn reports whether the model should be asked to wrap up:
// either the conversation already had an exchange, or the utterance
// contains a done-signal word.
func isFinalTurn(utterance string, turnCount int) bool {
	if turnCount >= 1 {
		return true
	}
	lower := strings.ToLower(utterance)
	for _, w := range finalTurnWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// historyWindow bounds the prompt context to the most recent entries
// to keep model cost and latency down.
const historyWindow = 6

// buildTurnPrompt assembles the single-shot prompt for one turn.
func buildTurnPrompt(conversationType, utterance string, history []Turn, turnCount int, final bool) string {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, t.Speaker+": "+t.Message)
	}

	instruction := "Continue the conversation naturally."
	if final {
		instruction = "This should be your FINAL response. Wrap up the conversation politely and say goodbye."
	}

	return fmt.Sprintf(`%s

Conversation History:
%s

User just said: "%s"
Turn count: %d

IMPORTANT: If user says "no", "nothing", "nope", "that's all" or similar, this means they want to END the conversation. Don't ask more questions.

%s

Respond with JSON containing:
1. "response": Your reply (1-2 sentences max, conversational, under 50 words)
2. "intent": User's intent (positive/negative/neutral/confused/interested/not_interested/wants_to_end)
3. "confidence": Confidence level (high/medium/low)
4. "should_continue": true/false (false if conversation should end)

Example:
{
    "response": "Thank you for your time. Have a great day!",
    "intent": "wants_to_end",
    "confidence": "high",
    "should_continue": false
}

Keep responses very brief and natural for phone conversation.`,
		SystemContext(conversationType), strings.Join(lines, "\n"), utterance, turnCount+1, instruction)
}

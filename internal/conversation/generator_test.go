package conversation

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tomasrezac/vera/internal/llm"
)

// fakeLLM is a deterministic llm.Client for tests.
type fakeLLM struct {
	decision llm.TurnDecision
	err      error
	delay    time.Duration

	gotType      string
	gotUtterance string
	gotHistory   []llm.Turn
	gotTurnCount int
}

func (f *fakeLLM) GenerateTurn(ctx context.Context, conversationType, utterance string, history []llm.Turn, turnCount int) (llm.TurnDecision, error) {
	f.gotType = conversationType
	f.gotUtterance = utterance
	f.gotHistory = history
	f.gotTurnCount = turnCount

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return llm.TurnDecision{}, ctx.Err()
		}
	}
	return f.decision, f.err
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestGeneratorPassesContext(t *testing.T) {
	client := &fakeLLM{decision: llm.TurnDecision{Response: "ok", ShouldContinue: true}}
	g := NewGenerator(client, 0, discard())

	history := []Turn{
		{Speaker: "bot", Message: "Hi there"},
		{Speaker: "user", Message: "Hello", Intent: "positive"},
	}
	d, fellBack := g.Generate(context.Background(), "support", "my order is late", history, 1)

	if d.Response != "ok" {
		t.Errorf("Response = %q", d.Response)
	}
	if fellBack {
		t.Error("successful call should not report fallback")
	}
	if client.gotType != "support" || client.gotUtterance != "my order is late" || client.gotTurnCount != 1 {
		t.Errorf("client got (%q, %q, %d)", client.gotType, client.gotUtterance, client.gotTurnCount)
	}
	if len(client.gotHistory) != 2 || client.gotHistory[0].Speaker != "bot" || client.gotHistory[1].Message != "Hello" {
		t.Errorf("history not forwarded: %+v", client.gotHistory)
	}
}

func TestGeneratorFallbackOnError(t *testing.T) {
	client := &fakeLLM{err: errors.New("model unreachable")}
	g := NewGenerator(client, 0, discard())

	d, fellBack := g.Generate(context.Background(), "general", "hello", nil, 0)

	if !fellBack {
		t.Error("client error should report fallback")
	}
	// The exact fail-closed tuple: end the call rather than loop.
	if d.Response != "I understand. Thank you for sharing that with me." {
		t.Errorf("Response = %q", d.Response)
	}
	if d.Intent != "neutral" {
		t.Errorf("Intent = %q, want neutral", d.Intent)
	}
	if d.Confidence != "low" {
		t.Errorf("Confidence = %q, want low", d.Confidence)
	}
	if d.ShouldContinue {
		t.Error("ShouldContinue should be false on fallback")
	}
}

func TestGeneratorTimeoutFallsBack(t *testing.T) {
	client := &fakeLLM{
		decision: llm.TurnDecision{Response: "too late", ShouldContinue: true},
		delay:    200 * time.Millisecond,
	}
	g := NewGenerator(client, 20*time.Millisecond, discard())

	d, fellBack := g.Generate(context.Background(), "general", "hello", nil, 0)
	if d != fallbackDecision {
		t.Errorf("timeout should yield the fallback decision, got %+v", d)
	}
	if !fellBack {
		t.Error("timeout should report fallback")
	}
}

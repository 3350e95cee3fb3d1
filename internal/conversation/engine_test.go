package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tomasrezac/vera/internal/eventlog"
	"github.com/tomasrezac/vera/internal/llm"
	"github.com/tomasrezac/vera/internal/store"
)

type recordedTurn struct {
	callID     int64
	speaker    string
	message    string
	intent     string
	confidence string
}

// fakeRecorder is an in-memory Recorder for engine tests.
type fakeRecorder struct {
	mu         sync.Mutex
	calls      map[int64]*store.CallLog
	turns      []recordedTurn
	statuses   map[int64][]string
	failAppend bool
	failStatus bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		calls:    make(map[int64]*store.CallLog),
		statuses: make(map[int64][]string),
	}
}

func (f *fakeRecorder) GetCall(_ context.Context, id int64) (*store.CallLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeRecorder) UpdateCallStatus(_ context.Context, id int64, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus {
		return errors.New("db down")
	}
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeRecorder) AppendTranscript(_ context.Context, callID int64, speaker, message, intent, confidence string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return errors.New("db down")
	}
	f.turns = append(f.turns, recordedTurn{callID, speaker, message, intent, confidence})
	return nil
}

func (f *fakeRecorder) lastStatus(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss := f.statuses[id]
	if len(ss) == 0 {
		return ""
	}
	return ss[len(ss)-1]
}

func newTestEngine(rec *fakeRecorder, client llm.Client) *Engine {
	gen := NewGenerator(client, 0, discard())
	return NewEngine(rec, gen, eventlog.New(nil), discard(), "https://example.com/")
}

func TestCallConnected(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[42] = &store.CallLog{
		ID:               42,
		ConversationType: "customer_feedback",
		Greeting:         "Hi, this is Vera calling about your recent visit.",
	}
	e := newTestEngine(rec, &fakeLLM{})

	doc := e.CallConnected(context.Background(), 42, "CA42")

	if !strings.Contains(doc, "Hi, this is Vera calling about your recent visit.") {
		t.Error("greeting should be spoken")
	}
	if !strings.Contains(doc, "<Gather") {
		t.Error("greeting response should gather speech")
	}
	if !strings.Contains(doc, "https://example.com/call-response/42") {
		t.Errorf("gather should point at the call-response callback, got:\n%s", doc)
	}

	sess, ok := e.sessions.Get("CA42")
	if !ok {
		t.Fatal("session should be created on webhook")
	}
	if sess.TurnCount != 0 {
		t.Errorf("greeting must not increment turnCount, got %d", sess.TurnCount)
	}
	if sess.ConversationType != "customer_feedback" {
		t.Errorf("session type = %q", sess.ConversationType)
	}

	if len(rec.turns) != 1 || rec.turns[0].speaker != "bot" {
		t.Fatalf("greeting should be persisted as a bot turn, got %+v", rec.turns)
	}
}

func TestCallConnected_UnknownCall(t *testing.T) {
	e := newTestEngine(newFakeRecorder(), &fakeLLM{})

	doc := e.CallConnected(context.Background(), 999, "CA999")

	if !strings.Contains(doc, "Call not found") || !strings.Contains(doc, "<Hangup") {
		t.Errorf("unknown call should get the error document, got:\n%s", doc)
	}
}

func TestUserTurn_TerminationPhrase(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[1] = &store.CallLog{ID: 1, ConversationType: "survey", Greeting: "Hello!"}
	client := &fakeLLM{decision: llm.TurnDecision{Response: "should not be used", ShouldContinue: true}}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 1, "CA1")
	doc := e.UserTurn(context.Background(), 1, "no thanks", "CA1")

	if !strings.Contains(doc, "Thank you, have a good day!") {
		t.Error("termination should speak the fixed closing line")
	}
	if !strings.Contains(doc, "<Hangup") || strings.Contains(doc, "<Gather") {
		t.Errorf("termination should hang up, got:\n%s", doc)
	}
	if rec.lastStatus(1) != store.StatusCompleted {
		t.Errorf("call status = %q, want completed", rec.lastStatus(1))
	}
	if _, ok := e.sessions.Get("CA1"); ok {
		t.Error("session must be removed once termination is decided")
	}
	if client.gotUtterance != "" {
		t.Error("generator must not be consulted on the classifier path")
	}

	// greeting + user utterance + closing line, in order.
	if len(rec.turns) != 3 {
		t.Fatalf("turns = %d, want 3: %+v", len(rec.turns), rec.turns)
	}
	if rec.turns[1].speaker != "user" || rec.turns[1].message != "no thanks" {
		t.Errorf("user utterance should be persisted even when ending: %+v", rec.turns[1])
	}
	if rec.turns[2].speaker != "bot" || rec.turns[2].message != "Thank you, have a good day!" {
		t.Errorf("closing should be persisted as a bot turn: %+v", rec.turns[2])
	}
}

func TestUserTurn_ContinueConversation(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[2] = &store.CallLog{ID: 2, ConversationType: "sales_inquiry", Greeting: "Hi!"}
	client := &fakeLLM{decision: llm.TurnDecision{
		Response:       "We have three plans to choose from.",
		Intent:         "interested",
		Confidence:     "high",
		ShouldContinue: true,
	}}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 2, "CA2")
	doc := e.UserTurn(context.Background(), 2, "Tell me more", "CA2")

	if !strings.Contains(doc, "We have three plans to choose from.") {
		t.Error("generated reply should be spoken")
	}
	if !strings.Contains(doc, "<Gather") {
		t.Errorf("conversation should continue, got:\n%s", doc)
	}

	sess, ok := e.sessions.Get("CA2")
	if !ok {
		t.Fatal("session should survive a continuing turn")
	}
	if sess.TurnCount != 1 {
		t.Errorf("turnCount = %d, want 1 after first completed turn", sess.TurnCount)
	}
	if len(sess.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(sess.History))
	}
	if sess.History[0].Speaker != "user" || sess.History[0].Intent != "interested" {
		t.Errorf("user history entry: %+v", sess.History[0])
	}
	if sess.History[1].Speaker != "bot" {
		t.Errorf("bot history entry: %+v", sess.History[1])
	}

	// The bot turn carries the analysis fields.
	last := rec.turns[len(rec.turns)-1]
	if last.intent != "interested" || last.confidence != "high" {
		t.Errorf("bot turn analysis not persisted: %+v", last)
	}
	if rec.lastStatus(2) != "" {
		t.Errorf("status should be untouched while continuing, got %q", rec.lastStatus(2))
	}
}

func TestUserTurn_EndsAfterTwoExchanges(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[3] = &store.CallLog{ID: 3, ConversationType: "general", Greeting: "Hi!"}
	client := &fakeLLM{decision: llm.TurnDecision{
		Response:       "Glad to hear it.",
		Intent:         "positive",
		Confidence:     "medium",
		ShouldContinue: true,
	}}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 3, "CA3")

	doc := e.UserTurn(context.Background(), 3, "Tell me more", "CA3")
	if strings.Contains(doc, "<Hangup") && !strings.Contains(doc, "<Gather") {
		t.Fatal("first exchange should continue")
	}

	doc = e.UserTurn(context.Background(), 3, "that is interesting indeed", "CA3")
	if !strings.Contains(doc, "<Hangup") || strings.Contains(doc, "<Gather") {
		t.Fatalf("second exchange should end the call, got:\n%s", doc)
	}
	if !strings.Contains(doc, "Glad to hear it. Thank you for your time. Have a great day!") {
		t.Errorf("natural end should append the thanks suffix to the reply, got:\n%s", doc)
	}
	if rec.lastStatus(3) != store.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.lastStatus(3))
	}
	if _, ok := e.sessions.Get("CA3"); ok {
		t.Error("session must be removed on natural end")
	}
}

func TestUserTurn_ModelSaysStop(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[4] = &store.CallLog{ID: 4, ConversationType: "general", Greeting: "Hi!"}
	client := &fakeLLM{decision: llm.TurnDecision{
		Response:       "Alright, take care.",
		Intent:         "wants_to_end",
		Confidence:     "high",
		ShouldContinue: false,
	}}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 4, "CA4")
	doc := e.UserTurn(context.Background(), 4, "please wrap it up", "CA4")

	if !strings.Contains(doc, "<Hangup") {
		t.Errorf("wants_to_end intent should end the call, got:\n%s", doc)
	}
	if rec.lastStatus(4) != store.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.lastStatus(4))
	}
}

func TestUserTurn_GeneratorFailureEndsPolitely(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[5] = &store.CallLog{ID: 5, ConversationType: "support", Greeting: "Hi!"}
	client := &fakeLLM{err: errors.New("model down")}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 5, "CA5")
	doc := e.UserTurn(context.Background(), 5, "my router keeps rebooting", "CA5")

	// Fallback decision has ShouldContinue=false, so the call winds down.
	if !strings.Contains(doc, "I understand. Thank you for sharing that with me.") {
		t.Errorf("fallback reply should be spoken, got:\n%s", doc)
	}
	if !strings.Contains(doc, "<Hangup") {
		t.Error("fallback should end the call")
	}
}

func TestUserTurn_StaleWebhookAfterTermination(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[6] = &store.CallLog{ID: 6, ConversationType: "survey", Greeting: "Hi!"}
	client := &fakeLLM{decision: llm.TurnDecision{Response: "Sure.", ShouldContinue: true, Intent: "neutral", Confidence: "low"}}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 6, "CA6")
	e.UserTurn(context.Background(), 6, "goodbye", "CA6")

	if _, ok := e.sessions.Get("CA6"); ok {
		t.Fatal("session should be gone")
	}

	// A stale retry for the same key must be treated as a fresh session
	// and produce a safe response, never a crash or a resurrected session.
	doc := e.UserTurn(context.Background(), 6, "tell me more", "CA6")
	if doc == "" {
		t.Fatal("stale webhook should still produce a document")
	}
	if client.gotType != "general" {
		t.Errorf("fresh default session should use the general type, got %q", client.gotType)
	}
	if client.gotTurnCount != 0 {
		t.Errorf("fresh default session should start at turn 0, got %d", client.gotTurnCount)
	}
}

func TestUserTurn_MissingSessionWithoutAnyCall(t *testing.T) {
	rec := newFakeRecorder()
	client := &fakeLLM{decision: llm.TurnDecision{Response: "Hmm.", ShouldContinue: true}}
	e := newTestEngine(rec, client)

	// No CallConnected ever happened (process restart). Must not fail.
	doc := e.UserTurn(context.Background(), 77, "hello there", "CA77")
	if !strings.Contains(doc, "Hmm.") {
		t.Errorf("missing session should still answer, got:\n%s", doc)
	}
}

func TestUserTurn_PersistenceFailureDoesNotAbort(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[8] = &store.CallLog{ID: 8, ConversationType: "general", Greeting: "Hi!"}
	rec.failAppend = true
	rec.failStatus = true
	client := &fakeLLM{decision: llm.TurnDecision{Response: "Noted.", ShouldContinue: true, Intent: "neutral", Confidence: "medium"}}
	e := newTestEngine(rec, client)

	e.CallConnected(context.Background(), 8, "CA8")
	doc := e.UserTurn(context.Background(), 8, "tell me something", "CA8")

	// The spoken reply still goes out even if persistence failed.
	if !strings.Contains(doc, "Noted.") || !strings.Contains(doc, "<Gather") {
		t.Errorf("reply should be rendered despite persistence failure, got:\n%s", doc)
	}
}

func TestDropSession(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[11] = &store.CallLog{ID: 11, ConversationType: "survey", Greeting: "Hi!"}
	rec.calls[12] = &store.CallLog{ID: 12, ConversationType: "survey", Greeting: "Hi!"}
	e := newTestEngine(rec, &fakeLLM{})

	// One session keyed by SID, one by the temporary record-id key
	// (webhook arrived without a CallSid).
	e.CallConnected(context.Background(), 11, "CA11")
	e.CallConnected(context.Background(), 12, "")

	e.DropSession(11, "CA11")
	if _, ok := e.sessions.Get("CA11"); ok {
		t.Error("SID-keyed session should be gone")
	}

	e.DropSession(12, "")
	if _, ok := e.sessions.Get("call_12"); ok {
		t.Error("record-id-keyed session should be gone")
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	endedID int64
	closing string
}

func (n *fakeNotifier) CallEnded(callID int64, closing string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endedID = callID
	n.closing = closing
}

func TestUserTurn_NotifierFiresOnEnd(t *testing.T) {
	rec := newFakeRecorder()
	rec.calls[9] = &store.CallLog{ID: 9, ConversationType: "survey", Greeting: "Hi!"}
	e := newTestEngine(rec, &fakeLLM{})
	n := &fakeNotifier{}
	e.SetNotifier(n)

	e.CallConnected(context.Background(), 9, "CA9")
	e.UserTurn(context.Background(), 9, "no thanks", "CA9")

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endedID != 9 {
		t.Errorf("notifier got call %d, want 9", n.endedID)
	}
	if n.closing == "" {
		t.Error("notifier should receive the closing line")
	}
}

package conversation

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/tomasrezac/vera/internal/eventlog"
	"github.com/tomasrezac/vera/internal/store"
	"github.com/tomasrezac/vera/internal/twiml"
)

// Recorder persists call lifecycle status and transcript turns.
// *store.Store satisfies it; tests use an in-memory fake.
type Recorder interface {
	GetCall(ctx context.Context, id int64) (*store.CallLog, error)
	UpdateCallStatus(ctx context.Context, id int64, status, callSID string) error
	AppendTranscript(ctx context.Context, callID int64, speaker, message, intent, confidence string) error
}

const (
	// Spoken when the classifier detects a termination phrase.
	terminationClosing = "Thank you, have a good day!"
	// Spoken on natural end when the utterance itself was a refusal.
	genericClosing = "Understood. Thank you for your time. Have a great day!"
	// Appended to the generated reply on natural end otherwise.
	closingSuffix = " Thank you for your time. Have a great day!"
)

// Notifier receives call completion events. Must not block.
type Notifier interface {
	CallEnded(callID int64, closing string)
}

// Engine drives the per-call conversation state machine: it decides on
// each inbound speech event whether to continue or end the call, what to
// say next, and renders the decision as a TwiML document.
type Engine struct {
	sessions  *SessionStore
	recorder  Recorder
	generator *Generator
	events    *eventlog.Logger
	logger    *log.Logger
	baseURL   string
	notifier  Notifier
}

// NewEngine creates an Engine with its own session store.
func NewEngine(recorder Recorder, generator *Generator, events *eventlog.Logger, logger *log.Logger, publicBaseURL string) *Engine {
	return &Engine{
		sessions:  NewSessionStore(),
		recorder:  recorder,
		generator: generator,
		events:    events,
		logger:    logger,
		baseURL:   strings.TrimRight(publicBaseURL, "/"),
	}
}

// Sessions exposes the session store for draining checks.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// SetNotifier attaches an optional completion notifier.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// DropSession removes any session state for the call. Both candidate keys
// are cleared: a webhook that arrived without a CallSid leaves the session
// under the temporary record-id key rather than the SID.
func (e *Engine) DropSession(callID int64, callSID string) {
	if callSID != "" {
		e.sessions.Delete(callSID)
	}
	e.sessions.Delete(sessionKey(callID, ""))
}

// sessionKey prefers the provider call SID; before the SID is known the
// call record id serves as a temporary key.
func sessionKey(callID int64, callSID string) string {
	if callSID != "" {
		return callSID
	}
	return fmt.Sprintf("call_%d", callID)
}

func (e *Engine) responseURL(callID int64) string {
	return e.baseURL + "/call-response/" + strconv.FormatInt(callID, 10)
}

// CallConnected handles the call-connected webhook: it initializes the
// session, speaks the greeting and opens the first speech gather. The
// greeting does not count as a turn.
func (e *Engine) CallConnected(ctx context.Context, callID int64, callSID string) string {
	call, err := e.recorder.GetCall(ctx, callID)
	if err != nil {
		e.logger.Printf("call %d: webhook for unknown call: %v", callID, err)
		return twiml.Error("Call not found")
	}

	key := sessionKey(callID, callSID)
	unlock := e.sessions.LockKey(key)
	defer unlock()

	e.sessions.Put(Session{
		Key:              key,
		CallID:           callID,
		ConversationType: call.ConversationType,
	})

	if err := e.recorder.AppendTranscript(ctx, callID, "bot", call.Greeting, "", ""); err != nil {
		e.logger.Printf("call %d: failed to persist greeting: %v", callID, err)
	}
	e.events.LogAsync(callID, eventlog.EventCallConnected, map[string]any{"call_sid": callSID})
	e.events.LogAsync(callID, eventlog.EventGreetingSpoken, map[string]any{"greeting": call.Greeting})

	return e.continueWith(call.Greeting, callID)
}

// UserTurn handles one recognized utterance. The utterance is persisted
// unconditionally; the classifier may end the call without consulting
// the model at all. A missing session (stale retry after termination, or
// process restart) is treated as a fresh default session, never an error.
func (e *Engine) UserTurn(ctx context.Context, callID int64, utterance, callSID string) string {
	key := sessionKey(callID, callSID)
	unlock := e.sessions.LockKey(key)
	defer unlock()

	sess, ok := e.sessions.Get(key)
	if !ok {
		sess = Session{Key: key, CallID: callID, ConversationType: "general"}
	}

	e.events.LogAsync(callID, eventlog.EventSpeechReceived, map[string]any{"utterance": utterance, "turn": sess.TurnCount})

	if err := e.recorder.AppendTranscript(ctx, callID, "user", utterance, "", ""); err != nil {
		e.logger.Printf("call %d: failed to persist user turn: %v", callID, err)
	}

	if IsTerminationRequest(utterance, sess.TurnCount) {
		e.events.LogAsync(callID, eventlog.EventTerminationMatch, map[string]any{"utterance": utterance})
		return e.endCall(ctx, callID, key, terminationClosing, true)
	}

	e.events.LogAsync(callID, eventlog.EventLLMStarted, map[string]any{"turn": sess.TurnCount})
	decision, fellBack := e.generator.Generate(ctx, sess.ConversationType, utterance, sess.History, sess.TurnCount)
	if fellBack {
		e.events.LogAsync(callID, eventlog.EventLLMFallback, map[string]any{"turn": sess.TurnCount})
	}
	e.events.LogAsync(callID, eventlog.EventLLMCompleted, map[string]any{
		"intent":          decision.Intent,
		"confidence":      decision.Confidence,
		"should_continue": decision.ShouldContinue,
	})

	if err := e.recorder.AppendTranscript(ctx, callID, "bot", decision.Response, decision.Intent, decision.Confidence); err != nil {
		e.logger.Printf("call %d: failed to persist bot turn: %v", callID, err)
	}

	sess.History = append(sess.History,
		Turn{Speaker: "user", Message: utterance, Intent: decision.Intent},
		Turn{Speaker: "bot", Message: decision.Response},
	)
	sess.TurnCount++

	shouldEnd := sess.TurnCount >= 2 || !decision.ShouldContinue || decision.Intent == "wants_to_end"
	if shouldEnd {
		closing := decision.Response + closingSuffix
		lower := strings.ToLower(utterance)
		if strings.Contains(lower, "no") || strings.Contains(lower, "nothing") {
			closing = genericClosing
		}
		return e.endCall(ctx, callID, key, closing, false)
	}

	e.sessions.Put(sess)
	e.events.LogAsync(callID, eventlog.EventTurnCompleted, map[string]any{"turn": sess.TurnCount})
	return e.continueWith(decision.Response, callID)
}

// endCall commits a termination decision: the closing line is persisted
// only on the classifier path (the natural-end closing is spoken but not
// logged, matching the transcript ending on the last generated reply),
// the call record is completed, the session destroyed, hangup rendered.
func (e *Engine) endCall(ctx context.Context, callID int64, key, closing string, persistClosing bool) string {
	if persistClosing {
		if err := e.recorder.AppendTranscript(ctx, callID, "bot", closing, "", ""); err != nil {
			e.logger.Printf("call %d: failed to persist closing: %v", callID, err)
		}
	}
	if err := e.recorder.UpdateCallStatus(ctx, callID, store.StatusCompleted, ""); err != nil {
		e.logger.Printf("call %d: failed to mark completed: %v", callID, err)
	}
	e.sessions.Delete(key)
	e.events.LogAsync(callID, eventlog.EventCallEnded, map[string]any{"closing": closing})
	if e.notifier != nil {
		e.notifier.CallEnded(callID, closing)
	}
	return twiml.Hangup(closing)
}

func (e *Engine) continueWith(message string, callID int64) string {
	return twiml.Continue(message, e.responseURL(callID))
}

package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of call event
type EventType string

const (
	EventCallInitiated    EventType = "call_initiated"
	EventCallConnected    EventType = "call_connected"
	EventGreetingSpoken   EventType = "greeting_spoken"
	EventSpeechReceived   EventType = "speech_received"
	EventLLMStarted       EventType = "llm_started"
	EventLLMCompleted     EventType = "llm_completed"
	EventLLMFallback      EventType = "llm_fallback"
	EventTerminationMatch EventType = "termination_match"
	EventTurnCompleted    EventType = "turn_completed"
	EventCallHangup       EventType = "call_hangup"
	EventCallEnded        EventType = "call_ended"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, callID int64, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || callID == 0 {
		return nil // Silently skip if no DB or call ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (call_log_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, callID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(callID int64, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || callID == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, callID, eventType, data)
	}()
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// ErrNotFound is returned when a call record does not exist.
var ErrNotFound = errors.New("call not found")

// Call statuses over the call's lifecycle.
const (
	StatusInitiated  = "initiated"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no_answer"
)

// ConversationTypes lists the valid conversation categories.
var ConversationTypes = map[string]bool{
	"customer_feedback":    true,
	"sales_inquiry":        true,
	"appointment_reminder": true,
	"survey":               true,
	"support":              true,
	"general":              true,
}

// CallLog is one outbound call record.
type CallLog struct {
	ID               int64      `json:"id"`
	PhoneNumber      string     `json:"phone_number"`
	ConversationType string     `json:"conversation_type"`
	Greeting         string     `json:"greeting"`
	Status           string     `json:"status"`
	CallSID          *string    `json:"call_sid,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationSeconds  *int       `json:"duration_seconds,omitempty"`
}

// TranscriptTurn is one persisted spoken exchange.
type TranscriptTurn struct {
	Speaker    string    `json:"speaker"`
	Message    string    `json:"message"`
	Intent     *string   `json:"intent,omitempty"`
	Confidence *string   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateCall inserts a new call record in status initiated and returns its id.
func (s *Store) CreateCall(ctx context.Context, phoneNumber, conversationType, greeting string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO call_logs (phone_number, conversation_type, greeting, status, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id
	`, phoneNumber, conversationType, greeting, StatusInitiated).Scan(&id)
	return id, err
}

// UpdateCallStatus moves the call to status and records lifecycle
// timestamps: started_at when the call goes in_progress, ended_at and
// duration on any terminal status. A non-empty callSID is stored; an
// empty one leaves the existing SID untouched.
func (s *Store) UpdateCallStatus(ctx context.Context, id int64, status, callSID string) error {
	var sid *string
	if callSID != "" {
		sid = &callSID
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE call_logs
		SET status = $2,
		    call_sid = COALESCE($3, call_sid),
		    started_at = CASE WHEN $2 = 'in_progress' THEN now() ELSE started_at END,
		    ended_at = CASE WHEN $2 IN ('completed','failed','no_answer') THEN now() ELSE ended_at END,
		    duration_seconds = CASE
		        WHEN $2 IN ('completed','failed','no_answer') AND started_at IS NOT NULL
		        THEN EXTRACT(EPOCH FROM now() - started_at)::int
		        ELSE duration_seconds
		    END
		WHERE id = $1
	`, id, status, sid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCall retrieves a call record by id.
func (s *Store) GetCall(ctx context.Context, id int64) (*CallLog, error) {
	var c CallLog
	err := s.db.QueryRow(ctx, `
		SELECT id, phone_number, conversation_type, greeting, status, call_sid,
		       created_at, started_at, ended_at, duration_seconds
		FROM call_logs WHERE id = $1
	`, id).Scan(&c.ID, &c.PhoneNumber, &c.ConversationType, &c.Greeting, &c.Status,
		&c.CallSID, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendTranscript records one spoken turn. Empty intent or confidence
// are stored as NULL (bot greetings and user turns carry neither).
func (s *Store) AppendTranscript(ctx context.Context, callID int64, speaker, message, intent, confidence string) error {
	var intentPtr, confidencePtr *string
	if intent != "" {
		intentPtr = &intent
	}
	if confidence != "" {
		confidencePtr = &confidence
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_transcripts (call_log_id, speaker, message, intent, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, callID, speaker, message, intentPtr, confidencePtr)
	return err
}

// GetTranscript returns all turns for a call in temporal order.
func (s *Store) GetTranscript(ctx context.Context, callID int64) ([]TranscriptTurn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT speaker, message, intent, confidence, created_at
		FROM call_transcripts
		WHERE call_log_id = $1
		ORDER BY created_at, id
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptTurn
	for rows.Next() {
		var turn TranscriptTurn
		if err := rows.Scan(&turn.Speaker, &turn.Message, &turn.Intent, &turn.Confidence, &turn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

// ListRecentCalls returns the most recent call records, newest first.
func (s *Store) ListRecentCalls(ctx context.Context, limit int) ([]CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, phone_number, conversation_type, greeting, status, call_sid,
		       created_at, started_at, ended_at, duration_seconds
		FROM call_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallLog
	for rows.Next() {
		var c CallLog
		if err := rows.Scan(&c.ID, &c.PhoneNumber, &c.ConversationType, &c.Greeting, &c.Status,
			&c.CallSID, &c.CreatedAt, &c.StartedAt, &c.EndedAt, &c.DurationSeconds); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReapStaleCalls closes out calls that never progressed: calls stuck in
// initiated go to no_answer after initiatedTTL (never answered, never
// hit the webhook), calls stuck in in_progress go to failed after
// inProgressTTL (the webhook stream died mid-call). Returns the number
// of calls updated.
func (s *Store) ReapStaleCalls(ctx context.Context, initiatedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE call_logs
		SET status = CASE WHEN status = 'initiated' THEN 'no_answer' ELSE 'failed' END,
		    ended_at = now(),
		    duration_seconds = CASE
		        WHEN started_at IS NOT NULL THEN EXTRACT(EPOCH FROM now() - started_at)::int
		        ELSE duration_seconds
		    END
		WHERE (status = 'initiated' AND created_at < now() - make_interval(secs => $1))
		   OR (status = 'in_progress' AND COALESCE(started_at, created_at) < now() - make_interval(secs => $2))
	`, int64(initiatedTTL.Seconds()), int64(inProgressTTL.Seconds()))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

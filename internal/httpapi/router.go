package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/tomasrezac/vera/internal/conversation"
	"github.com/tomasrezac/vera/internal/eventlog"
	"github.com/tomasrezac/vera/internal/store"
)

type RouterConfig struct {
	PublicBaseURL string
}

// Dialer places and tears down outbound calls. *telephony.TwilioClient
// satisfies it.
type Dialer interface {
	PlaceCall(ctx context.Context, toNumber, webhookURL string) (string, error)
	HangUp(ctx context.Context, callSID string) error
}

// Notifier receives call placement failures. Optional; nil disables it.
type Notifier interface {
	CallFailed(callID int64, phone, reason string)
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	engine   *conversation.Engine
	dialer   Dialer
	eventLog *eventlog.Logger
	notifier Notifier
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, engine *conversation.Engine, dialer Dialer, eventLog *eventlog.Logger, notifier Notifier) http.Handler {
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		engine:   engine,
		dialer:   dialer,
		eventLog: eventLog,
		notifier: notifier,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Call placement API
	r.mux.HandleFunc("POST /outgoing-call", r.handleOutgoingCall)
	r.mux.HandleFunc("POST /end-call/{id}", r.handleEndCall)
	r.mux.HandleFunc("GET /call-transcript/{id}", r.handleCallTranscript)
	r.mux.HandleFunc("GET /recent-calls", r.handleRecentCalls)
	r.mux.HandleFunc("GET /test-webhook/{id}", r.handleTestWebhook)

	// Twilio webhooks (no auth - called back by the provider)
	r.mux.HandleFunc("POST /call-webhook/{id}", r.handleCallWebhook)
	r.mux.HandleFunc("POST /call-response/{id}", r.handleCallResponse)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeXML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(doc))
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/tomasrezac/vera/internal/costs"
	"github.com/tomasrezac/vera/internal/eventlog"
	"github.com/tomasrezac/vera/internal/store"
	"github.com/tomasrezac/vera/internal/twiml"
)

// outgoingCallRequest is the body of POST /outgoing-call.
type outgoingCallRequest struct {
	PhoneNumber      string `json:"phone_number"`
	ConversationType string `json:"conversation_type"`
	Greeting         string `json:"greeting"`
}

func (r *outgoingCallRequest) validate() error {
	if n := len(r.PhoneNumber); n < 10 || n > 20 {
		return fmt.Errorf("phone_number must be 10-20 characters")
	}
	if !store.ConversationTypes[r.ConversationType] {
		return fmt.Errorf("unknown conversation_type %q", r.ConversationType)
	}
	if n := len(r.Greeting); n < 10 || n > 500 {
		return fmt.Errorf("greeting must be 10-500 characters")
	}
	return nil
}

func (r *Router) webhookURL(callID int64) string {
	return r.cfg.PublicBaseURL + "/call-webhook/" + strconv.FormatInt(callID, 10)
}

// handleOutgoingCall creates a call record and places the call. The
// conversation itself starts when Twilio calls back the webhook.
func (r *Router) handleOutgoingCall(w http.ResponseWriter, req *http.Request) {
	var body outgoingCallRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := body.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	callID, err := r.store.CreateCall(req.Context(), body.PhoneNumber, body.ConversationType, body.Greeting)
	if err != nil {
		captureError(req, err, "create call record")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	sid, err := r.dialer.PlaceCall(req.Context(), body.PhoneNumber, r.webhookURL(callID))
	if err != nil {
		r.logger.Printf("call %d: placement failed: %v", callID, err)
		if uerr := r.store.UpdateCallStatus(req.Context(), callID, store.StatusFailed, ""); uerr != nil {
			captureError(req, uerr, "mark call failed")
		}
		if r.notifier != nil {
			r.notifier.CallFailed(callID, body.PhoneNumber, err.Error())
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":      "failed",
			"call_log_id": callID,
			"error":       "failed to initiate call",
		})
		return
	}

	if err := r.store.UpdateCallStatus(req.Context(), callID, store.StatusInProgress, sid); err != nil {
		captureError(req, err, "mark call in progress")
	}
	r.eventLog.LogAsync(callID, eventlog.EventCallInitiated, map[string]any{"call_sid": sid, "to": body.PhoneNumber})
	r.logger.Printf("call %d: initiated (sid=%s)", callID, sid)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     "Call initiated successfully",
		"call_log_id": callID,
		"call_sid":    sid,
	})
}

// handleEndCall force-terminates an active call from the operator side.
// The provider hangs up immediately; the stale-call sweeper is not needed
// because the record is completed here.
func (r *Router) handleEndCall(w http.ResponseWriter, req *http.Request) {
	callID, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid call id"})
		return
	}

	call, err := r.store.GetCall(req.Context(), callID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	if call.CallSID == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "call has no provider sid yet"})
		return
	}

	if err := r.dialer.HangUp(req.Context(), *call.CallSID); err != nil {
		captureError(req, err, "hang up call")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to hang up call"})
		return
	}

	if err := r.store.UpdateCallStatus(req.Context(), callID, store.StatusCompleted, ""); err != nil {
		captureError(req, err, "mark call completed")
	}
	r.engine.DropSession(callID, *call.CallSID)
	r.eventLog.LogAsync(callID, eventlog.EventCallHangup, map[string]any{"call_sid": *call.CallSID, "forced": true})
	r.logger.Printf("call %d: hung up by operator", callID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"call_log_id": callID,
	})
}

// handleCallWebhook answers the call-connected webhook with the greeting
// TwiML. Twilio sends application/x-www-form-urlencoded.
func (r *Router) handleCallWebhook(w http.ResponseWriter, req *http.Request) {
	defer r.recoverWebhook(w, req)

	callID, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		writeXML(w, twiml.Error("Call not found"))
		return
	}
	_ = req.ParseForm()
	callSID := req.FormValue("CallSid")

	writeXML(w, r.engine.CallConnected(req.Context(), callID, callSID))
}

// handleCallResponse answers a speech-recognized webhook with the next
// conversation turn.
func (r *Router) handleCallResponse(w http.ResponseWriter, req *http.Request) {
	defer r.recoverWebhook(w, req)

	callID, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		writeXML(w, twiml.Error("Call not found"))
		return
	}
	_ = req.ParseForm()
	speech := req.FormValue("SpeechResult")
	callSID := req.FormValue("CallSid")

	writeXML(w, r.engine.UserTurn(req.Context(), callID, speech, callSID))
}

// recoverWebhook converts any panic in a webhook handler into the polite
// error document. Twilio must always receive valid TwiML - a raw 500
// would leave the caller in dead air.
func (r *Router) recoverWebhook(w http.ResponseWriter, req *http.Request) {
	if rec := recover(); rec != nil {
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetRequest(req)
		hub.RecoverWithContext(req.Context(), rec)
		hub.Flush(2 * time.Second)
		r.logger.Printf("webhook panic: %v", rec)
		writeXML(w, twiml.Error("Sorry, an error occurred"))
	}
}

func (r *Router) handleCallTranscript(w http.ResponseWriter, req *http.Request) {
	callID, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid call id"})
		return
	}

	call, err := r.store.GetCall(req.Context(), callID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	transcript, err := r.store.GetTranscript(req.Context(), callID)
	if err != nil {
		captureError(req, err, "load transcript")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"call":           call,
		"transcript":     transcript,
		"estimated_cost": costs.EstimateCallCosts(transcriptMetrics(call, transcript)),
	})
}

// transcriptMetrics derives billing metrics from the stored record. Bot
// lines are both model output and spoken characters; the whole transcript
// feeds back into the prompt, so it all counts as input.
func transcriptMetrics(call *store.CallLog, transcript []store.TranscriptTurn) costs.CallMetrics {
	var m costs.CallMetrics
	if call.DurationSeconds != nil {
		m.CallDurationSeconds = *call.DurationSeconds
	}
	for _, turn := range transcript {
		chars := len(turn.Message)
		m.LLMInputTokens += costs.EstimateTokens(chars)
		if turn.Speaker == "bot" {
			m.TTSCharacters += chars
			m.LLMOutputTokens += costs.EstimateTokens(chars)
		}
	}
	return m
}

func (r *Router) handleRecentCalls(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	calls, err := r.store.ListRecentCalls(req.Context(), limit)
	if err != nil {
		captureError(req, err, "list recent calls")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// handleTestWebhook verifies that the public base URL is reachable and
// the webhook pattern resolves, useful when tunneling during development.
func (r *Router) handleTestWebhook(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     "Webhook test successful for call_log_id: " + id,
		"webhook_url": r.cfg.PublicBaseURL + "/call-webhook/" + id,
	})
}

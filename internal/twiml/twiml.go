// Package twiml renders the minimal TwiML documents the voice agent needs:
// speak-then-gather, speak-then-hangup, and a polite error document.
// Twilio expects Content-Type: application/xml.
package twiml

import "encoding/xml"

const ttsVoice = "Polly.Joanna"

// Gather timings: 8s of no-speech before Twilio gives up, 2s of silence
// after speech to consider the utterance finished.
const (
	gatherTimeout       = 8
	gatherSpeechTimeout = 2
)

// response holds TwiML verbs in spoken order. Each verb carries its own
// XMLName so several Say elements can coexist in one document.
type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Timeout       int      `xml:"timeout,attr"`
	SpeechTimeout int      `xml:"speechTimeout,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
}

type hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Continue speaks message, then collects the caller's next utterance and
// posts it to actionURL. If the Gather times out without speech, a goodbye
// is spoken and the call is hung up.
func Continue(message, actionURL string) string {
	return render(response{Verbs: []any{
		say{Voice: ttsVoice, Text: message},
		gather{
			Input:         "speech",
			Timeout:       gatherTimeout,
			SpeechTimeout: gatherSpeechTimeout,
			Action:        actionURL,
			Method:        "POST",
		},
		// Spoken only when the Gather times out with no further speech event.
		say{Voice: ttsVoice, Text: "Thank you for your time. Goodbye!"},
		hangup{},
	}})
}

// Hangup speaks message and ends the call.
func Hangup(message string) string {
	return render(response{Verbs: []any{
		say{Voice: ttsVoice, Text: message},
		hangup{},
	}})
}

// Error speaks message followed by a fixed apology and ends the call.
// Used for any internal failure so the caller never hears dead air.
func Error(message string) string {
	return render(response{Verbs: []any{
		say{Voice: ttsVoice, Text: message + ". Goodbye!"},
		hangup{},
	}})
}

// render marshals the document. encoding/xml escapes all five XML special
// characters in chardata and attributes, so messages never break the markup.
func render(r response) string {
	out, err := xml.MarshalIndent(r, "", "  ")
	if err != nil {
		// Only reachable via unmarshalable types, which response is not.
		return xml.Header + "<Response><Hangup/></Response>"
	}
	return xml.Header + string(out)
}
